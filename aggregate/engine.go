package aggregate

import (
	"context"
	"fmt"
	"maps"
)

// Query is a grouped aggregate query over child records.
type Query struct {
	// ChildType is the record type to aggregate over.
	ChildType string

	// Function is the aggregate to compute.
	Function Function

	// Field is the child attribute to aggregate.
	Field string

	// Filter holds equality conditions; it always includes GroupBy.
	Filter map[string]any

	// GroupBy is the foreign key attribute.
	GroupBy string

	// Depth is an optional hint for stores that join related records.
	Depth *int
}

// RecordStore is the data access capability the engine and cache writer use.
type RecordStore interface {
	// Exists reports whether the record exists.
	Exists(ctx context.Context, recordType string, id any) (bool, error)

	// PatchAndSave merges values onto an existing record and persists it.
	// It returns ErrParentNotFound if the record is missing.
	PatchAndSave(ctx context.Context, recordType string, id any, values map[string]any) error

	// Aggregate runs q. It returns false when no group matched or the
	// aggregate is NULL.
	Aggregate(ctx context.Context, q Query) (float64, bool, error)
}

// Result maps parent attributes to recomputed values.
type Result map[string]float64

// Engine recomputes the aggregates of one rule for one parent.
type Engine struct {
	store     RecordStore
	childType string
}

// NewEngine creates an Engine aggregating over childType records in store.
func NewEngine(store RecordStore, childType string) *Engine {
	return &Engine{store: store, childType: childType}
}

// Filter builds the query filter for parentID. Rule conditions replace the
// relationship defaults and are merged last, so they win on key collision.
func Filter(rule Rule, rel Relationship, parentID any) map[string]any {
	filter := map[string]any{rel.ForeignKey: parentID}
	if rule.Conditions != nil {
		maps.Copy(filter, rule.Conditions)
	} else {
		maps.Copy(filter, rel.Conditions)
	}
	return filter
}

// Recompute re-aggregates rule over the children of parentID. Aggregates of
// an empty group are 0.
func (e *Engine) Recompute(ctx context.Context, rule Rule, rel Relationship, parentID any) (Result, error) {
	filter := Filter(rule, rel, parentID)
	result := make(Result, len(rule.Bindings))
	for _, b := range rule.Bindings {
		v, ok, err := e.store.Aggregate(ctx, Query{
			ChildType: e.childType,
			Function:  b.Function,
			Field:     rule.Field,
			Filter:    filter,
			GroupBy:   rel.ForeignKey,
			Depth:     rule.Recursive,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s(%s.%s) for %s %v: %w",
				ErrQuery, b.Function, e.childType, rule.Field, rel.ParentType, parentID, err)
		}
		if !ok {
			v = 0
		}
		result[b.Attribute] = v
	}
	return result, nil
}
