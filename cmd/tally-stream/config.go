package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/tally/aggregate"
	"github.com/jacentio/tally/store"
)

// fileConfig is the YAML document describing tables, relationships and
// aggregate rules.
type fileConfig struct {
	Tables        map[string]string    `yaml:"tables"`
	Indexes       map[string]string    `yaml:"indexes"`
	IDAttr        string               `yaml:"id_attribute"`
	Relationships []store.Relationship `yaml:"relationships"`
	Rules         aggregate.RuleSet    `yaml:"rules"`
}

func loadConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return parseConfig(f)
}

func parseConfig(r io.Reader) (*fileConfig, error) {
	var cfg fileConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i, rel := range cfg.Relationships {
		if rel.Name == "" || rel.ChildType == "" || rel.ParentType == "" || rel.ForeignKey == "" {
			return nil, fmt.Errorf("parse config: relationship %d: name, child, parent and foreign_key are required", i)
		}
	}
	return &cfg, nil
}

// storeConfig returns the store configuration for the document.
func (c *fileConfig) storeConfig() store.Config {
	sc := store.DefaultConfig()
	for k, v := range c.Tables {
		sc.Tables[k] = v
	}
	for k, v := range c.Indexes {
		sc.IndexNames[k] = v
	}
	if c.IDAttr != "" {
		sc.IDAttr = c.IDAttr
	}
	return sc
}

// tableTypes maps table names back to record types for stream ARNs.
func (c *fileConfig) tableTypes() map[string]string {
	out := make(map[string]string, len(c.Tables))
	for recordType, table := range c.Tables {
		out[table] = recordType
	}
	return out
}

// registries builds the relationship and rule registries. Invalid rules are
// dropped and reported through the returned error, along with rules whose
// model names no declared relationship of their child type.
func (c *fileConfig) registries() (*store.Registry, *aggregate.Registry, error) {
	rels := store.NewRegistry()
	for _, rel := range c.Relationships {
		rels.Register(rel)
	}
	rules := aggregate.NewRegistry()
	err := rules.RegisterAll(c.Rules)
	return rels, rules, errors.Join(err, checkModels(rels, rules))
}

// checkModels reports every registered rule whose model is not the name of a
// relationship declared for its child type.
func checkModels(rels *store.Registry, rules *aggregate.Registry) error {
	declared := make(map[string]map[string]bool)
	for _, rel := range rels.AllRelationships() {
		if declared[rel.ChildType] == nil {
			declared[rel.ChildType] = make(map[string]bool)
		}
		declared[rel.ChildType][rel.Name] = true
	}

	var errs []error
	for _, childType := range rules.ChildTypes() {
		for _, rule := range rules.RulesFor(childType) {
			if !declared[childType][rule.Model] {
				errs = append(errs, fmt.Errorf("%s rule %q: %w: %s", childType, rule.Field, aggregate.ErrUnknownRelationship, rule.Model))
			}
		}
	}
	return errors.Join(errs...)
}
