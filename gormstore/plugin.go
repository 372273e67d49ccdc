package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jacentio/tally/aggregate"
)

const (
	pluginName = "tally:aggregates"
	stagedKey  = "tally:staged"
	commitName = "gorm:commit_or_rollback_transaction"
)

// staged pairs a record loaded before a write with its key snapshot.
type staged struct {
	rec  *aggregate.Record
	snap *aggregate.Snapshot
}

// Plugin drives aggregate hooks from gorm's create, update and delete
// callbacks. Hook failures are logged and never fail the write.
type Plugin struct {
	hooks  *aggregate.Hooks
	logger *slog.Logger
}

// NewPlugin returns a Plugin for hooks.
func NewPlugin(hooks *aggregate.Hooks, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{hooks: hooks, logger: logger}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string { return pluginName }

// Initialize implements gorm.Plugin.
func (p *Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:after_create").Before(commitName).Register("tally:after_create", p.afterCreate); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tally:before_update", p.beforeUpdate); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:after_update").Before(commitName).Register("tally:after_update", p.afterUpdate); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tally:before_delete", p.beforeDelete); err != nil {
		return err
	}
	return cb.Delete().After("gorm:after_delete").Before(commitName).Register("tally:after_delete", p.afterDelete)
}

// Install builds a Store over models, aggregate hooks using it as both
// schema and record store, and registers the Plugin on db.
func Install(ctx context.Context, db *gorm.DB, rules *aggregate.Registry, logger *slog.Logger, models ...any) (*aggregate.Hooks, error) {
	store, err := New(db, models...)
	if err != nil {
		return nil, err
	}
	hooks, err := aggregate.New(ctx, aggregate.Config{
		Rules:  rules,
		Schema: store,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(NewPlugin(hooks, logger)); err != nil {
		return nil, fmt.Errorf("gormstore: register plugin: %w", err)
	}
	return hooks, nil
}

func (p *Plugin) tracked(db *gorm.DB) bool {
	return db.Error == nil &&
		db.Statement.Schema != nil &&
		db.Statement.Schema.PrioritizedPrimaryField != nil &&
		p.hooks.Tracks(db.Statement.Table)
}

func (p *Plugin) afterCreate(db *gorm.DB) {
	if !p.tracked(db) {
		return
	}
	ids := primaryKeys(db)
	if len(ids) == 0 {
		return
	}
	rows, err := reload(db, ids)
	if err != nil {
		p.warn(db, "failed to load created rows", err)
		return
	}
	p.guard(db, func(ctx context.Context) error {
		var errs []error
		for _, row := range rows {
			rec := p.record(db, row, nil)
			snap := p.hooks.BeforeWrite(ctx, rec)
			if err := p.hooks.AfterWrite(ctx, rec, snap, true); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (p *Plugin) beforeUpdate(db *gorm.DB) {
	if !p.tracked(db) {
		return
	}
	rows, err := selectRows(db)
	if err != nil {
		p.warn(db, "failed to load rows before update", err)
		return
	}
	ctx := db.Statement.Context
	batch := make([]staged, 0, len(rows))
	for _, row := range rows {
		rec := p.record(db, row, row)
		batch = append(batch, staged{rec: rec, snap: p.hooks.BeforeWrite(ctx, rec)})
	}
	db.InstanceSet(stagedKey, batch)
}

func (p *Plugin) afterUpdate(db *gorm.DB) {
	if !p.tracked(db) {
		return
	}
	batch := stagedBatch(db)
	if len(batch) == 0 {
		return
	}
	ids := make([]any, len(batch))
	for i, s := range batch {
		ids[i] = s.rec.ID
	}
	rows, err := reload(db, ids)
	if err != nil {
		p.warn(db, "failed to load updated rows", err)
		return
	}
	pk := db.Statement.Schema.PrioritizedPrimaryField.DBName
	current := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		current[fmt.Sprint(row[pk])] = row
	}

	p.guard(db, func(ctx context.Context) error {
		var errs []error
		for _, s := range batch {
			row, ok := current[fmt.Sprint(s.rec.ID)]
			if !ok {
				continue
			}
			s.rec.Attrs = row
			if err := p.hooks.AfterWrite(ctx, s.rec, s.snap, false); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (p *Plugin) beforeDelete(db *gorm.DB) {
	if !p.tracked(db) {
		return
	}
	rows, err := selectRows(db)
	if err != nil {
		p.warn(db, "failed to load rows before delete", err)
		return
	}
	ctx := db.Statement.Context
	batch := make([]staged, 0, len(rows))
	for _, row := range rows {
		rec := p.record(db, row, nil)
		batch = append(batch, staged{rec: rec, snap: p.hooks.BeforeDelete(ctx, rec)})
	}
	db.InstanceSet(stagedKey, batch)
}

func (p *Plugin) afterDelete(db *gorm.DB) {
	if !p.tracked(db) {
		return
	}
	batch := stagedBatch(db)
	if len(batch) == 0 {
		return
	}
	p.guard(db, func(ctx context.Context) error {
		var errs []error
		for _, s := range batch {
			if err := p.hooks.AfterDelete(ctx, s.rec, s.snap); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// guard runs fn on the statement's connection, which is the write's
// transaction unless the session skips it. Failures are logged only.
func (p *Plugin) guard(db *gorm.DB, fn func(ctx context.Context) error) {
	if err := fn(WithTx(db.Statement.Context, db)); err != nil {
		p.warn(db, "aggregate cache not updated", err)
	}
}

func (p *Plugin) record(db *gorm.DB, row, original map[string]any) *aggregate.Record {
	return &aggregate.Record{
		Type:     db.Statement.Table,
		ID:       row[db.Statement.Schema.PrioritizedPrimaryField.DBName],
		Attrs:    row,
		Original: original,
	}
}

func (p *Plugin) warn(db *gorm.DB, msg string, err error) {
	p.logger.Warn(msg,
		"table", db.Statement.Table,
		"error", err,
	)
}

func stagedBatch(db *gorm.DB) []staged {
	v, ok := db.InstanceGet(stagedKey)
	if !ok {
		return nil
	}
	batch, _ := v.([]staged)
	return batch
}

// primaryKeys returns the non-zero primary keys of the statement's model
// values.
func primaryKeys(db *gorm.DB) []any {
	stmt := db.Statement
	pk := stmt.Schema.PrioritizedPrimaryField
	var ids []any
	add := func(rv reflect.Value) {
		rv = reflect.Indirect(rv)
		if rv.Kind() != reflect.Struct || rv.Type() != stmt.Schema.ModelType {
			return
		}
		if id, zero := pk.ValueOf(stmt.Context, rv); !zero {
			ids = append(ids, id)
		}
	}
	switch stmt.ReflectValue.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < stmt.ReflectValue.Len(); i++ {
			add(stmt.ReflectValue.Index(i))
		}
	case reflect.Struct:
		add(stmt.ReflectValue)
	}
	return ids
}

func modelQuery(db *gorm.DB) *gorm.DB {
	model := reflect.New(db.Statement.Schema.ModelType).Interface()
	return db.Session(&gorm.Session{NewDB: true}).Model(model)
}

// selectRows loads the live rows a pending update or delete will touch:
// those of the statement's model primary keys and its WHERE clause.
func selectRows(db *gorm.DB) ([]map[string]any, error) {
	q := modelQuery(db)
	ids := primaryKeys(db)
	where, hasWhere := db.Statement.Clauses["WHERE"]
	hasWhere = hasWhere && where.Expression != nil
	if len(ids) == 0 && !hasWhere {
		return nil, nil
	}
	if len(ids) > 0 {
		q = q.Where(clause.IN{Column: clause.Column{Name: db.Statement.Schema.PrioritizedPrimaryField.DBName}, Values: ids})
	}
	if hasWhere {
		q = q.Clauses(where.Expression)
	}
	var rows []map[string]any
	return rows, q.Find(&rows).Error
}

// reload loads the live rows with the given primary keys.
func reload(db *gorm.DB, ids []any) ([]map[string]any, error) {
	q := modelQuery(db).Where(clause.IN{
		Column: clause.Column{Name: db.Statement.Schema.PrioritizedPrimaryField.DBName},
		Values: ids,
	})
	var rows []map[string]any
	return rows, q.Find(&rows).Error
}

var _ gorm.Plugin = (*Plugin)(nil)
