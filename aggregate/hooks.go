package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Config holds the collaborators of the Hooks orchestrator.
type Config struct {
	// Rules holds the aggregate rules per child type.
	Rules *Registry

	// Schema declares the belongs-to relationships of each child type.
	Schema Schema

	// Store runs aggregate queries and writes parent caches.
	Store RecordStore

	// Logger receives skipped rules and reportable failures.
	// Default: slog.Default()
	Logger *slog.Logger
}

// validate ensures the required collaborators are present.
func (c *Config) validate() error {
	if c.Rules == nil {
		c.Rules = NewRegistry()
	}
	if c.Schema == nil {
		return errors.New("tally: config has no schema")
	}
	if c.Store == nil {
		return errors.New("tally: config has no record store")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Hooks sequences snapshot, recomputation and cache writes around the
// host's write lifecycle. A Hooks value holds configuration only and is safe
// for concurrent use.
type Hooks struct {
	rules     *Registry
	resolvers map[string]*Resolver
	engines   map[string]*Engine
	writer    *CacheWriter
	logger    *slog.Logger
}

// New loads the relationships of every child type with rules and returns
// the orchestrator.
func New(ctx context.Context, cfg Config) (*Hooks, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Hooks{
		rules:     cfg.Rules,
		resolvers: make(map[string]*Resolver),
		engines:   make(map[string]*Engine),
		writer:    NewCacheWriter(cfg.Store),
		logger:    cfg.Logger,
	}
	for _, childType := range cfg.Rules.ChildTypes() {
		resolver, err := NewResolver(ctx, cfg.Schema, childType)
		if err != nil {
			return nil, err
		}
		h.resolvers[childType] = resolver
		h.engines[childType] = NewEngine(cfg.Store, childType)

		for _, rule := range cfg.Rules.RulesFor(childType) {
			if _, err := resolver.Resolve(rule.Model); err != nil {
				h.logger.Warn("aggregate rule will be skipped",
					"childType", childType,
					"field", rule.Field,
					"model", rule.Model,
					"error", err,
				)
			}
		}
	}
	return h, nil
}

// Tracks reports whether any rule is registered for recordType.
func (h *Hooks) Tracks(recordType string) bool {
	return len(h.rules.RulesFor(recordType)) > 0
}

// BeforeWrite captures the persisted foreign keys of rec ahead of a create
// or update.
func (h *Hooks) BeforeWrite(ctx context.Context, rec *Record) *Snapshot {
	return h.snapshot(rec, false)
}

// BeforeDelete captures the foreign keys of rec ahead of a delete.
func (h *Hooks) BeforeDelete(ctx context.Context, rec *Record) *Snapshot {
	return h.snapshot(rec, true)
}

func (h *Hooks) snapshot(rec *Record, forDelete bool) *Snapshot {
	resolver, ok := h.resolvers[rec.Type]
	if !ok {
		return &Snapshot{}
	}
	return TakeSnapshot(rec, resolver.All(), forDelete)
}

// AfterWrite recomputes every rule of rec's type for its current parent and,
// when an update moved rec to another parent, for the previous parent too.
// The returned error is reportable only; the write itself stands.
func (h *Hooks) AfterWrite(ctx context.Context, rec *Record, snap *Snapshot, isNew bool) error {
	resolver, ok := h.resolvers[rec.Type]
	if !ok {
		return nil
	}
	var errs []error
	for _, rule := range h.rules.RulesFor(rec.Type) {
		rel, err := resolver.Resolve(rule.Model)
		if err != nil {
			continue
		}
		current := rec.Value(rel.ForeignKey)
		if err := h.refresh(ctx, rec.Type, rule, rel, current); err != nil {
			errs = append(errs, err)
		}
		if isNew {
			continue
		}
		if prior, ok := snap.Prior(rel.Name); ok && !SameKey(prior, current) {
			if err := h.refresh(ctx, rec.Type, rule, rel, prior); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AfterDelete recomputes every rule of rec's type for the parent captured
// by BeforeDelete.
func (h *Hooks) AfterDelete(ctx context.Context, rec *Record, snap *Snapshot) error {
	resolver, ok := h.resolvers[rec.Type]
	if !ok {
		return nil
	}
	var errs []error
	for _, rule := range h.rules.RulesFor(rec.Type) {
		rel, err := resolver.Resolve(rule.Model)
		if err != nil {
			continue
		}
		parentID, ok := snap.Prior(rel.Name)
		if !ok {
			parentID = rec.Value(rel.ForeignKey)
		}
		if err := h.refresh(ctx, rec.Type, rule, rel, parentID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh recomputes every rule of childType stored through relationship
// for one parent. Use it to backfill caches outside the write path.
func (h *Hooks) Refresh(ctx context.Context, childType, relationship string, parentID any) error {
	resolver, ok := h.resolvers[childType]
	if !ok {
		return fmt.Errorf("%w: no rules for %s", ErrUnknownRelationship, childType)
	}
	rel, err := resolver.Resolve(relationship)
	if err != nil {
		return err
	}
	var errs []error
	for _, rule := range h.rules.RulesFor(childType) {
		if rule.Model != relationship {
			continue
		}
		if err := h.refresh(ctx, childType, rule, rel, parentID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refresh recomputes one rule for one parent and writes the result.
func (h *Hooks) refresh(ctx context.Context, childType string, rule Rule, rel Relationship, parentID any) error {
	if IsZeroKey(parentID) {
		return nil
	}

	values, err := h.engines[childType].Recompute(ctx, rule, rel, parentID)
	if err != nil {
		h.logger.Error("failed to recompute aggregates",
			"childType", childType,
			"field", rule.Field,
			"parentType", rel.ParentType,
			"parentID", parentID,
			"error", err,
		)
		return err
	}

	err = h.writer.Apply(ctx, rel.ParentType, parentID, values)
	if errors.Is(err, ErrParentNotFound) {
		h.logger.Debug("parent not found, cache skipped",
			"parentType", rel.ParentType,
			"parentID", parentID,
		)
		return nil
	}
	if err != nil {
		h.logger.Warn("failed to write aggregate cache",
			"parentType", rel.ParentType,
			"parentID", parentID,
			"error", err,
		)
		return err
	}
	return nil
}
