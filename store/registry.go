package store

import (
	"context"
	"maps"

	"github.com/jacentio/tally/aggregate"
)

// Relationship declares that records of ChildType belong to records of
// ParentType through ForeignKey.
type Relationship struct {
	// Name is the relationship name aggregate rules refer to (e.g. "Posts").
	Name string `yaml:"name"`

	// ChildType is the child record type (e.g. "comments").
	ChildType string `yaml:"child"`

	// ParentType is the parent record type (e.g. "posts").
	ParentType string `yaml:"parent"`

	// ForeignKey is the attribute in the child that references the parent (e.g. "post_id").
	ForeignKey string `yaml:"foreign_key"`

	// Conditions are default equality filters applied when aggregating
	// children through this relationship.
	Conditions map[string]any `yaml:"conditions,omitempty"`
}

// Registry holds all known relationships.
type Registry struct {
	relationships []Relationship
	byChild       map[string][]Relationship
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		relationships: []Relationship{},
		byChild:       make(map[string][]Relationship),
	}
}

// Register adds a relationship to the registry.
// This should be called at startup, before the registry is shared.
func (r *Registry) Register(rel Relationship) {
	r.relationships = append(r.relationships, rel)
	r.byChild[rel.ChildType] = append(r.byChild[rel.ChildType], rel)
}

// ParentsOf returns all parent relationships of a given child type.
func (r *Registry) ParentsOf(childType string) []Relationship {
	return r.byChild[childType]
}

// AllRelationships returns all registered relationships.
func (r *Registry) AllRelationships() []Relationship {
	return r.relationships
}

// BelongsTo implements aggregate.Schema.
func (r *Registry) BelongsTo(_ context.Context, childType string) ([]aggregate.Relationship, error) {
	rels := r.byChild[childType]
	out := make([]aggregate.Relationship, 0, len(rels))
	for _, rel := range rels {
		out = append(out, aggregate.Relationship{
			Name:       rel.Name,
			ParentType: rel.ParentType,
			ForeignKey: rel.ForeignKey,
			Conditions: maps.Clone(rel.Conditions),
		})
	}
	return out, nil
}
