package aggregate

import "fmt"

// Record is a child record passed through the lifecycle hooks.
type Record struct {
	// Type is the record's entity type (e.g. "comments").
	Type string

	// ID is the record's primary key value.
	ID any

	// Attrs holds the current attribute values, including pending changes.
	Attrs map[string]any

	// Original holds the persisted values before the pending write.
	// Nil for records that have never been stored.
	Original map[string]any
}

// Value returns the current value of attr.
func (r *Record) Value(attr string) any {
	return r.Attrs[attr]
}

// OriginalValue returns the persisted value of attr, falling back to the
// current value when the attribute was not loaded from storage.
func (r *Record) OriginalValue(attr string) any {
	if v, ok := r.Original[attr]; ok {
		return v
	}
	return r.Attrs[attr]
}

// SameKey reports whether two key values refer to the same parent. Values of
// different numeric types (int64 from SQL, float64 from JSON) compare by
// their formatted form.
func SameKey(a, b any) bool {
	if IsZeroKey(a) || IsZeroKey(b) {
		return IsZeroKey(a) && IsZeroKey(b)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// IsZeroKey reports whether v is an absent key (nil or empty string).
func IsZeroKey(v any) bool {
	switch k := v.(type) {
	case nil:
		return true
	case string:
		return k == ""
	case *string:
		return k == nil || *k == ""
	}
	return false
}
