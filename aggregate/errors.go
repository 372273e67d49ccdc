package aggregate

import "errors"

var (
	// ErrInvalidRule is returned when a rule has no field, no model, or no
	// recognized aggregate function. Such rules are dropped at registration.
	ErrInvalidRule = errors.New("tally: invalid aggregate rule")

	// ErrUnknownRelationship is returned when a relationship name is not
	// declared for the child type.
	ErrUnknownRelationship = errors.New("tally: unknown relationship")

	// ErrParentNotFound is returned when the parent holding the cache does not exist.
	ErrParentNotFound = errors.New("tally: parent record not found")

	// ErrQuery wraps failures of the aggregate query.
	ErrQuery = errors.New("tally: aggregate query failed")

	// ErrPersistence wraps failures writing recomputed values onto the parent.
	ErrPersistence = errors.New("tally: cache write failed")
)
