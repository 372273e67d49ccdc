// Package store provides a DynamoDB data layer that keeps aggregate caches on
// parent records in sync with their children.
//
// The [Store] is both the host of the write lifecycle and the
// [aggregate.RecordStore] the recomputation engine runs against. Writes made
// through [Store.Create], [Store.Update] and [Store.Delete] invoke the
// configured [aggregate.Hooks] inline, before the call returns.
//
// # Tables
//
// Each record type maps to one table keyed by the Config.IDAttr attribute ("id" by default). Child tables
// need a global secondary index on every foreign key used by an aggregate
// rule; aggregates are computed by querying that index:
//
//	cfg := store.DefaultConfig()
//	cfg.Tables = map[string]string{"comments": "prod-comments"}
//	cfg.IndexNames = map[string]string{"post_id": "by-post"}
//
// Index names default to "<foreign key>-index".
//
// # Relationships
//
// A [Registry] declares belongs-to relationships and implements
// [aggregate.Schema]:
//
//	reg := store.NewRegistry()
//	reg.Register(store.Relationship{
//	    Name:       "Posts",
//	    ChildType:  "comments",
//	    ParentType: "posts",
//	    ForeignKey: "post_id",
//	})
//
// # Deletes
//
// Deletes are soft: the item's TTL is set to now, and every read and
// aggregate query filters out items whose TTL has passed.
//
// # Errors
//
//   - [ErrNotFound] - record doesn't exist or is deleted
//   - [ErrAlreadyExists] - record with ID already exists
//   - [ErrConcurrentModification] - optimistic lock failed
package store
