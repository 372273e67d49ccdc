// Package gormstore maintains aggregate caches for models persisted with gorm.
//
// A [Store] runs grouped SQL aggregates against child tables and patches
// parent rows; it also reads belongs-to relationships from gorm's parsed
// model schemas. A [Plugin] registers create, update and delete callbacks so
// that caches are refreshed inside the same transaction as the child write.
// Each cache statement runs under its own savepoint, so a failing rule
// leaves its sibling rules and the child write in place.
//
//	db, _ := gormstore.Open("postgres://localhost/app", nil)
//	hooks, err := gormstore.Install(ctx, db, rules, logger, &Post{}, &Comment{})
//
// Cache writes issued by the plugin use table-level updates and do not run
// the callbacks of the parent model, so caches never cascade.
package gormstore
