package aggregate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RuleSet maps child types to their rule specs. It decodes from YAML where
// each child type holds either a sequence of entries or a mapping whose keys
// name the aggregated field:
//
//	comments:
//	  created:
//	    model: Posts
//	    max: latest_comment_date
//	reviews:
//	  - field: rating
//	    model: Posts
//	    avg: average_rating
//	    conditions: {visible: 1}
//	    recursive: -1
type RuleSet map[string][]RuleSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (rs *RuleSet) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: rules must be a mapping of child types", value.Line)
	}
	out := make(RuleSet)
	for i := 0; i+1 < len(value.Content); i += 2 {
		childType := value.Content[i].Value
		entries := value.Content[i+1]

		switch entries.Kind {
		case yaml.SequenceNode:
			for _, entry := range entries.Content {
				spec, err := specFromNode("", entry)
				if err != nil {
					return fmt.Errorf("%s: %w", childType, err)
				}
				out[childType] = append(out[childType], spec)
			}
		case yaml.MappingNode:
			for j := 0; j+1 < len(entries.Content); j += 2 {
				spec, err := specFromNode(entries.Content[j].Value, entries.Content[j+1])
				if err != nil {
					return fmt.Errorf("%s: %w", childType, err)
				}
				out[childType] = append(out[childType], spec)
			}
		default:
			return fmt.Errorf("line %d: %s: expected a sequence or mapping of rules", entries.Line, childType)
		}
	}
	*rs = out
	return nil
}

func specFromNode(key string, node *yaml.Node) (RuleSpec, error) {
	if node.Kind != yaml.MappingNode {
		return RuleSpec{}, fmt.Errorf("line %d: rule must be a mapping", node.Line)
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return RuleSpec{}, err
	}

	spec := RuleSpec{Key: key, Functions: make(map[Function]string)}
	for k, v := range raw {
		switch k {
		case "field":
			spec.Field, _ = scalar(v)
		case "model":
			spec.Model, _ = scalar(v)
		case "conditions":
			conds, ok := v.(map[string]any)
			if !ok && v != nil {
				return RuleSpec{}, fmt.Errorf("line %d: conditions must be a mapping", node.Line)
			}
			if conds == nil {
				conds = map[string]any{}
			}
			spec.Conditions = conds
		case "recursive":
			n, ok := v.(int)
			if !ok {
				return RuleSpec{}, fmt.Errorf("line %d: recursive must be an integer", node.Line)
			}
			spec.Recursive = &n
		default:
			// Unrecognized keys are ignored, like the functions they might name.
			fn, err := ParseFunction(k)
			if err != nil {
				continue
			}
			if dest, ok := scalar(v); ok {
				spec.Functions[fn] = dest
			}
		}
	}
	return spec, nil
}

// scalar renders a YAML scalar as a string. Nulls, mappings and sequences
// are treated as absent.
func scalar(v any) (string, bool) {
	switch v := v.(type) {
	case nil, map[string]any, []any:
		return "", false
	case string:
		return v, v != ""
	default:
		return fmt.Sprint(v), true
	}
}

// ParseRules decodes a YAML RuleSet from r.
func ParseRules(r io.Reader) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.NewDecoder(r).Decode(&rs); err != nil {
		if errors.Is(err, io.EOF) {
			return RuleSet{}, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return rs, nil
}

// LoadRules reads a YAML RuleSet from the file at path.
func LoadRules(path string) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRules(f)
}

// RegisterAll registers every child type of rs, in sorted order.
func (r *Registry) RegisterAll(rs RuleSet) error {
	childTypes := make([]string, 0, len(rs))
	for t := range rs {
		childTypes = append(childTypes, t)
	}
	sort.Strings(childTypes)

	var errs []error
	for _, t := range childTypes {
		if err := r.Register(t, rs[t]...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
