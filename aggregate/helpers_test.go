package aggregate_test

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/jacentio/tally/aggregate"
)

// memStore is an in-memory RecordStore keyed by type then id.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]any

	aggErr   error
	patchErr error
	queries  []aggregate.Query
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]map[string]map[string]any)}
}

func (m *memStore) put(recordType string, id any, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[recordType] == nil {
		m.records[recordType] = make(map[string]map[string]any)
	}
	m.records[recordType][fmt.Sprint(id)] = maps.Clone(attrs)
}

func (m *memStore) get(recordType string, id any) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.records[recordType][fmt.Sprint(id)])
}

func (m *memStore) remove(recordType string, id any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[recordType], fmt.Sprint(id))
}

func (m *memStore) Exists(_ context.Context, recordType string, id any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[recordType][fmt.Sprint(id)]
	return ok, nil
}

func (m *memStore) PatchAndSave(_ context.Context, recordType string, id any, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.patchErr != nil {
		return m.patchErr
	}
	rec, ok := m.records[recordType][fmt.Sprint(id)]
	if !ok {
		return aggregate.ErrParentNotFound
	}
	maps.Copy(rec, values)
	return nil
}

func (m *memStore) Aggregate(_ context.Context, q aggregate.Query) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.aggErr != nil {
		return 0, false, m.aggErr
	}

	var values []float64
	for _, rec := range m.records[q.ChildType] {
		if !matches(rec, q.Filter) {
			continue
		}
		if v, ok := toFloat(rec[q.Field]); ok {
			values = append(values, v)
		}
	}
	v, ok := aggregate.Compute(q.Function, values)
	return v, ok, nil
}

func matches(rec map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		if !aggregate.SameKey(rec[k], want) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// staticSchema declares relationships per child type.
type staticSchema map[string][]aggregate.Relationship

func (s staticSchema) BelongsTo(_ context.Context, childType string) ([]aggregate.Relationship, error) {
	return s[childType], nil
}

var blogSchema = staticSchema{
	"comments": {
		{Name: "Posts", ParentType: "posts", ForeignKey: "post_id"},
		{Name: "Authors", ParentType: "authors", ForeignKey: "author_id", Conditions: map[string]any{"visible": 1}},
	},
}

// host mimics a data layer calling the hooks around its writes.
type host struct {
	hooks *aggregate.Hooks
	store *memStore
}

func (h host) save(ctx context.Context, id string, attrs map[string]any) error {
	prev := h.store.get("comments", id)
	rec := &aggregate.Record{Type: "comments", ID: id, Attrs: attrs, Original: prev}
	snap := h.hooks.BeforeWrite(ctx, rec)
	h.store.put("comments", id, attrs)
	return h.hooks.AfterWrite(ctx, rec, snap, prev == nil)
}

func (h host) delete(ctx context.Context, id string) error {
	rec := &aggregate.Record{Type: "comments", ID: id, Attrs: h.store.get("comments", id)}
	snap := h.hooks.BeforeDelete(ctx, rec)
	h.store.remove("comments", id)
	return h.hooks.AfterDelete(ctx, rec, snap)
}
