package aggregate

import (
	"context"
	"errors"
	"fmt"
)

// CacheWriter applies recomputed values onto existing parent records.
// It never creates parents.
type CacheWriter struct {
	store RecordStore
}

// NewCacheWriter creates a CacheWriter backed by store.
func NewCacheWriter(store RecordStore) *CacheWriter {
	return &CacheWriter{store: store}
}

// Apply merges values onto the parent. It returns ErrParentNotFound when the
// parent does not exist and wraps any other failure with ErrPersistence.
func (w *CacheWriter) Apply(ctx context.Context, parentType string, parentID any, values Result) error {
	ok, err := w.store.Exists(ctx, parentType, parentID)
	if err != nil {
		return fmt.Errorf("%w: %s %v: %w", ErrPersistence, parentType, parentID, err)
	}
	if !ok {
		return ErrParentNotFound
	}

	patch := make(map[string]any, len(values))
	for attr, v := range values {
		patch[attr] = v
	}
	if err := w.store.PatchAndSave(ctx, parentType, parentID, patch); err != nil {
		// Deleted between the existence check and the write.
		if errors.Is(err, ErrParentNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s %v: %w", ErrPersistence, parentType, parentID, err)
	}
	return nil
}
