package aggregate

import (
	"context"
	"fmt"
	"maps"
)

// Relationship describes a belongs-to relationship of a child type.
type Relationship struct {
	// Name is the relationship name rules refer to (e.g. "Posts").
	Name string `yaml:"name"`

	// ParentType is the record type holding the cached aggregates (e.g. "posts").
	ParentType string `yaml:"parent"`

	// ForeignKey is the child attribute referencing the parent (e.g. "post_id").
	ForeignKey string `yaml:"foreign_key"`

	// Conditions are the relationship's default equality filters.
	Conditions map[string]any `yaml:"conditions,omitempty"`
}

// Schema is implemented by the host data model. It declares the belongs-to
// relationships of each child type.
type Schema interface {
	BelongsTo(ctx context.Context, childType string) ([]Relationship, error)
}

// Resolver maps relationship names of one child type to their descriptors.
// It is loaded once and immutable afterward.
type Resolver struct {
	childType string
	ordered   []Relationship
	byName    map[string]Relationship
}

// NewResolver loads the relationships of childType from schema.
func NewResolver(ctx context.Context, schema Schema, childType string) (*Resolver, error) {
	rels, err := schema.BelongsTo(ctx, childType)
	if err != nil {
		return nil, fmt.Errorf("load relationships of %s: %w", childType, err)
	}
	r := &Resolver{
		childType: childType,
		byName:    make(map[string]Relationship, len(rels)),
	}
	for _, rel := range rels {
		rel.Conditions = maps.Clone(rel.Conditions)
		r.ordered = append(r.ordered, rel)
		r.byName[rel.Name] = rel
	}
	return r, nil
}

// Resolve returns the relationship called name.
func (r *Resolver) Resolve(name string) (Relationship, error) {
	rel, ok := r.byName[name]
	if !ok {
		return Relationship{}, fmt.Errorf("%w: %s has no relationship %q", ErrUnknownRelationship, r.childType, name)
	}
	return rel, nil
}

// All returns every relationship of the child type in declaration order.
func (r *Resolver) All() []Relationship {
	return r.ordered
}
