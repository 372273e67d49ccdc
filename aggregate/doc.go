// Package aggregate keeps denormalized aggregate fields on parent records in
// sync with their child records.
//
// A parent (e.g. a post) caches values such as the average rating or the
// number of comments derived from its children. Whenever a child is created,
// updated, or deleted, the [Hooks] orchestrator recomputes the configured
// aggregates against the current child set and writes them back onto the
// parent.
//
// # Rules
//
// Rules are registered per child type on a [Registry]:
//
//	rules := aggregate.NewRegistry()
//	rules.Register("comments", aggregate.RuleSpec{
//	    Field: "rating",
//	    Model: "Posts",
//	    Functions: map[aggregate.Function]string{
//	        aggregate.Avg: "average_rating",
//	        aggregate.Max: "best_rating",
//	    },
//	    Conditions: map[string]any{"visible": 1},
//	})
//
// The Model names a belongs-to relationship of the child type, as reported by
// the host's [Schema]. Rules may also be loaded from YAML with [ParseRules].
//
// # Lifecycle
//
// The host calls the hooks around every write:
//
//	snap := hooks.BeforeWrite(ctx, rec)
//	// ... persist rec ...
//	err := hooks.AfterWrite(ctx, rec, snap, isNew)
//
// Deletes use [Hooks.BeforeDelete] and [Hooks.AfterDelete]. The [Snapshot]
// returned by the before-hook belongs to that single write; it is never
// stored on the Hooks value.
//
// # Semantics
//
// Every recomputation is a full re-aggregation, not a delta. When no child
// matches, every configured aggregate is written as 0, including min, max and
// avg. A missing parent is skipped silently. Errors returned by the
// after-hooks are reportable only: the child write has already happened and
// is never undone.
//
// # Errors
//
//   - [ErrInvalidRule] - rule rejected at registration
//   - [ErrUnknownRelationship] - rule names a relationship the schema lacks
//   - [ErrParentNotFound] - cache target does not exist (skipped)
//   - [ErrQuery] - aggregate query failed
//   - [ErrPersistence] - writing the cache failed
package aggregate
