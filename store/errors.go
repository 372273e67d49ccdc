package store

import "errors"

var (
	// ErrNotFound is returned when a record doesn't exist or is deleted (has TTL <= now).
	ErrNotFound = errors.New("tally: record not found")

	// ErrAlreadyExists is returned when attempting to create a record with an existing ID.
	ErrAlreadyExists = errors.New("tally: record already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("tally: record was modified concurrently")

	// ErrMissingID is returned when a created item has no id attribute.
	ErrMissingID = errors.New("tally: item has no id")
)
