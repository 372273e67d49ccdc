package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/jacentio/tally/aggregate"
)

var deletedAtType = reflect.TypeOf(gorm.DeletedAt{})

// table describes a registered model.
type table struct {
	schema    *schema.Schema
	pk        string
	deletedAt string
}

// Store is an aggregate.RecordStore and aggregate.Schema backed by gorm.
type Store struct {
	db     *gorm.DB
	tables map[string]table
}

// New parses models and returns a Store. Record types are table names.
// Tables of unregistered types are addressed with an "id" primary key.
func New(db *gorm.DB, models ...any) (*Store, error) {
	s := &Store{db: db, tables: make(map[string]table, len(models))}
	for _, model := range models {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return nil, fmt.Errorf("gormstore: parse %T: %w", model, err)
		}
		t := table{schema: stmt.Schema, pk: "id"}
		if f := stmt.Schema.PrioritizedPrimaryField; f != nil {
			t.pk = f.DBName
		}
		for _, f := range stmt.Schema.Fields {
			if f.FieldType == deletedAtType {
				t.deletedAt = f.DBName
			}
		}
		s.tables[stmt.Schema.Table] = t
	}
	return s, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

type txKey struct{}

// WithTx returns a context whose store calls run on tx.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.Session(&gorm.Session{NewDB: true, Context: ctx})
	}
	return s.db.WithContext(ctx)
}

const savepointName = "tally_aggregate"

// run calls fn with a query on recordType restricted to rows that are not
// soft-deleted. Inside a transaction fn runs under its own savepoint, which
// is rolled back when fn fails so the transaction stays usable.
func (s *Store) run(ctx context.Context, recordType string, fn func(q *gorm.DB, t table) error) error {
	if _, inTx := s.conn(ctx).Statement.ConnPool.(gorm.TxCommitter); !inTx {
		q, t := s.scope(ctx, recordType)
		return fn(q, t)
	}

	if err := s.conn(ctx).SavePoint(savepointName).Error; err != nil {
		return fmt.Errorf("gormstore: savepoint: %w", err)
	}
	q, t := s.scope(ctx, recordType)
	if err := fn(q, t); err != nil {
		if rbErr := s.conn(ctx).RollbackTo(savepointName).Error; rbErr != nil {
			return errors.Join(err, fmt.Errorf("gormstore: rollback to savepoint: %w", rbErr))
		}
		return err
	}
	return s.conn(ctx).Exec("RELEASE SAVEPOINT " + savepointName).Error
}

// scope returns a query on recordType restricted to rows that are not
// soft-deleted.
func (s *Store) scope(ctx context.Context, recordType string) (*gorm.DB, table) {
	t, ok := s.tables[recordType]
	if !ok {
		t = table{pk: "id"}
	}
	q := s.conn(ctx).Table(recordType)
	if t.deletedAt != "" {
		q = q.Where(clause.Eq{Column: clause.Column{Name: t.deletedAt}, Value: nil})
	}
	return q, t
}

// Exists reports whether a live row with the given primary key exists.
func (s *Store) Exists(ctx context.Context, recordType string, id any) (bool, error) {
	var n int64
	err := s.run(ctx, recordType, func(q *gorm.DB, t table) error {
		return q.Where(clause.Eq{Column: clause.Column{Name: t.pk}, Value: id}).Count(&n).Error
	})
	if err != nil {
		return false, fmt.Errorf("gormstore: exists %s %v: %w", recordType, id, err)
	}
	return n > 0, nil
}

// PatchAndSave updates the given columns of one row. Callbacks of the
// parent model are not run.
func (s *Store) PatchAndSave(ctx context.Context, recordType string, id any, values map[string]any) error {
	var affected int64
	err := s.run(ctx, recordType, func(q *gorm.DB, t table) error {
		res := q.Where(clause.Eq{Column: clause.Column{Name: t.pk}, Value: id}).Updates(values)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("gormstore: update %s %v: %w", recordType, id, err)
	}
	if affected == 0 {
		return aggregate.ErrParentNotFound
	}
	return nil
}

type aggregateRow struct {
	Result sql.NullFloat64
}

// Aggregate runs q as a grouped SQL aggregate. An empty group yields no
// row and a group of NULL values yields NULL; both report false.
func (s *Store) Aggregate(ctx context.Context, q aggregate.Query) (float64, bool, error) {
	var rows []aggregateRow
	err := s.run(ctx, q.ChildType, func(tx *gorm.DB, _ table) error {
		tx = tx.Select(q.Function.SQL()+"(?) AS result", clause.Column{Name: q.Field}).
			Where(q.Filter)
		if q.GroupBy != "" {
			tx = tx.Group(q.GroupBy)
		}
		return tx.Scan(&rows).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("gormstore: %s(%s) on %s: %w", q.Function.SQL(), q.Field, q.ChildType, err)
	}
	if len(rows) == 0 || !rows[0].Result.Valid {
		return 0, false, nil
	}
	return rows[0].Result.Float64, true, nil
}

// BelongsTo returns the belongs-to relationships gorm parsed for
// childType. Relationship names are the association field names.
func (s *Store) BelongsTo(_ context.Context, childType string) ([]aggregate.Relationship, error) {
	t, ok := s.tables[childType]
	if !ok {
		return nil, nil
	}
	var rels []aggregate.Relationship
	for _, rel := range t.schema.Relationships.BelongsTo {
		if len(rel.References) == 0 || rel.References[0].ForeignKey == nil || rel.FieldSchema == nil {
			continue
		}
		rels = append(rels, aggregate.Relationship{
			Name:       rel.Name,
			ParentType: rel.FieldSchema.Table,
			ForeignKey: rel.References[0].ForeignKey.DBName,
		})
	}
	return rels, nil
}

var (
	_ aggregate.RecordStore = (*Store)(nil)
	_ aggregate.Schema      = (*Store)(nil)
)
