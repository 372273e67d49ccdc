package aggregate

import (
	"errors"
	"fmt"
	"maps"
	"sort"
)

// RuleSpec is an unvalidated rule as supplied by configuration.
type RuleSpec struct {
	// Key is the lookup key the rule was declared under. It names the field
	// when Field is empty.
	Key string

	// Field is the child attribute to aggregate.
	Field string

	// Model is the belongs-to relationship name of the parent holding the cache.
	Model string

	// Functions maps each aggregate function to the parent attribute that
	// stores its value.
	Functions map[Function]string

	// Conditions are equality filters for the aggregate query. When nil the
	// relationship's default conditions are used instead.
	Conditions map[string]any

	// Recursive is an optional depth hint passed through to the query layer.
	Recursive *int
}

// Binding pairs an aggregate function with its destination attribute.
type Binding struct {
	Function  Function
	Attribute string
}

// Rule is a validated aggregate rule.
type Rule struct {
	Field      string
	Model      string
	Bindings   []Binding
	Conditions map[string]any
	Recursive  *int
}

// Attributes returns the destination attributes keyed by function.
func (r Rule) Attributes() map[Function]string {
	out := make(map[Function]string, len(r.Bindings))
	for _, b := range r.Bindings {
		out[b.Function] = b.Attribute
	}
	return out
}

// NewRule validates spec and returns the resulting Rule.
func NewRule(spec RuleSpec) (Rule, error) {
	field := spec.Field
	if field == "" {
		field = spec.Key
	}
	if field == "" {
		return Rule{}, fmt.Errorf("%w: no field", ErrInvalidRule)
	}
	if spec.Model == "" {
		return Rule{}, fmt.Errorf("%w: field %q has no model", ErrInvalidRule, field)
	}

	var bindings []Binding
	for _, fn := range functions {
		if attr := spec.Functions[fn]; attr != "" {
			bindings = append(bindings, Binding{Function: fn, Attribute: attr})
		}
	}
	if len(bindings) == 0 {
		return Rule{}, fmt.Errorf("%w: field %q has no aggregate function", ErrInvalidRule, field)
	}

	rule := Rule{
		Field:     field,
		Model:     spec.Model,
		Bindings:  bindings,
		Recursive: spec.Recursive,
	}
	if spec.Conditions != nil {
		rule.Conditions = maps.Clone(spec.Conditions)
	}
	return rule, nil
}

// Registry holds the aggregate rules of every child type.
// It is built at startup and read-only afterward.
type Registry struct {
	byChild map[string][]Rule
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{byChild: make(map[string][]Rule)}
}

// Register validates specs and indexes the valid ones under childType, in
// order. Invalid specs are dropped; the returned error joins the reasons and
// may be ignored by callers that prefer permissive configuration.
func (r *Registry) Register(childType string, specs ...RuleSpec) error {
	var errs []error
	for i, spec := range specs {
		rule, err := NewRule(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s rule %d: %w", childType, i, err))
			continue
		}
		r.byChild[childType] = append(r.byChild[childType], rule)
	}
	return errors.Join(errs...)
}

// RulesFor returns the rules registered for childType, or nil.
func (r *Registry) RulesFor(childType string) []Rule {
	return r.byChild[childType]
}

// ChildTypes returns every child type with at least one rule, sorted.
func (r *Registry) ChildTypes() []string {
	types := make([]string, 0, len(r.byChild))
	for t := range r.byChild {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
