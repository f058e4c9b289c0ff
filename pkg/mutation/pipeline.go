// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package mutation wraps every write to a resource table: it reads before
// images, executes the SQL inside a transaction, and after commit appends
// changelog entries and hands them to the event router. No write reaches
// subscribers any other way.
package mutation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/events"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
)

var (
	mon = monkit.Package()

	// Error is the mutation error class.
	Error = errs.Class("mutation")
	// ErrNotFound is returned when the target record does not exist.
	ErrNotFound = errs.Class("record not found")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errs.Class("record conflict")
	// ErrValidation is returned for payloads the schema rejects.
	ErrValidation = errs.Class("mutation validation")
)

// Change is a before/after pair of one affected row.
type Change struct {
	Before resource.Record
	After  resource.Record
}

// Pipeline executes writes and publishes their effects.
type Pipeline struct {
	log     *zap.Logger
	db      *sql.DB
	catalog *resource.Catalog
	clog    *changelog.Log
	router  *events.Router
	hooks   []Hooks
}

// NewPipeline creates a pipeline. Hook sets are applied in the given
// order.
func NewPipeline(log *zap.Logger, db *sql.DB, catalog *resource.Catalog, clog *changelog.Log, router *events.Router, hooks ...Hooks) *Pipeline {
	return &Pipeline{log: log, db: db, catalog: catalog, clog: clog, router: router, hooks: hooks}
}

// DB exposes the backing database for read-only use by the query layers.
func (p *Pipeline) DB() *sql.DB { return p.db }

// Create inserts a record and returns it as committed. A missing primary
// key is generated.
func (p *Pipeline) Create(ctx context.Context, resourceName string, record resource.Record) (_ resource.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}
	record, err = p.prepareCreate(ctx, schema, record)
	if err != nil {
		return nil, err
	}

	var after resource.Record
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRecord(ctx, tx, schema, record); err != nil {
			return err
		}
		after, err = getByID(ctx, tx, schema, record.ID(schema))
		return err
	})
	if err != nil {
		return nil, err
	}

	p.publish(ctx, []changelog.Entry{{
		Resource: resourceName,
		Kind:     changelog.KindCreate,
		ObjectID: after.ID(schema),
		After:    after,
	}})
	p.afterCreate(ctx, schema, after)
	return after, nil
}

// BatchCreate inserts records atomically and returns them as committed.
func (p *Pipeline) BatchCreate(ctx context.Context, resourceName string, records []resource.Record) (_ []resource.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	prepared := make([]resource.Record, 0, len(records))
	for _, record := range records {
		ready, err := p.prepareCreate(ctx, schema, record)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, ready)
	}

	afters := make([]resource.Record, 0, len(prepared))
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		for _, record := range prepared {
			if err := insertRecord(ctx, tx, schema, record); err != nil {
				return err
			}
			after, err := getByID(ctx, tx, schema, record.ID(schema))
			if err != nil {
				return err
			}
			afters = append(afters, after)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]changelog.Entry, 0, len(afters))
	for _, after := range afters {
		entries = append(entries, changelog.Entry{
			Resource: resourceName,
			Kind:     changelog.KindCreate,
			ObjectID: after.ID(schema),
			After:    after,
		})
	}
	p.publish(ctx, entries)
	for _, after := range afters {
		p.afterCreate(ctx, schema, after)
	}
	return afters, nil
}

// Update applies a partial record to one row and returns the committed
// after image.
func (p *Pipeline) Update(ctx context.Context, resourceName, id string, partial resource.Record) (_ resource.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	var before, after resource.Record
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		before, err = getByID(ctx, tx, schema, id)
		if err != nil {
			return err
		}
		applied, err := p.beforeUpdate(ctx, schema, before, partial)
		if err != nil {
			return err
		}
		if err := validatePartial(schema, id, applied); err != nil {
			return err
		}
		if len(applied) == 0 || onlyPrimaryKey(schema, applied) {
			after = before
			return nil
		}
		if err := updateRecord(ctx, tx, schema, id, applied); err != nil {
			return err
		}
		after, err = getByID(ctx, tx, schema, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if after.ID(schema) == before.ID(schema) && sameRecord(before, after) {
		return after, nil
	}

	p.publish(ctx, []changelog.Entry{{
		Resource: resourceName,
		Kind:     changelog.KindUpdate,
		ObjectID: id,
		Before:   before,
		After:    after,
	}})
	p.afterUpdate(ctx, schema, before, after)
	return after, nil
}

// Replace overwrites one row with a full record: fields absent from the
// payload become null.
func (p *Pipeline) Replace(ctx context.Context, resourceName, id string, full resource.Record) (resource.Record, error) {
	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	complete := make(resource.Record, len(schema.Fields))
	for _, name := range schema.FieldNames() {
		if name == schema.PrimaryKey {
			continue
		}
		if value, ok := full[name]; ok {
			complete[name] = value
		} else {
			complete[name] = resource.NullValue()
		}
	}
	if pk, ok := full[schema.PrimaryKey]; ok && pk.Text() != id {
		return nil, ErrValidation.New("primary key is immutable")
	}
	return p.Update(ctx, resourceName, id, complete)
}

// Delete removes one row and returns its last committed image.
func (p *Pipeline) Delete(ctx context.Context, resourceName, id string) (_ resource.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	var before resource.Record
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		before, err = getByID(ctx, tx, schema, id)
		if err != nil {
			return err
		}
		if err := p.beforeDelete(ctx, schema, before); err != nil {
			return err
		}
		return deleteByID(ctx, tx, schema, id)
	})
	if err != nil {
		return nil, err
	}

	p.publish(ctx, []changelog.Entry{{
		Resource: resourceName,
		Kind:     changelog.KindDelete,
		ObjectID: id,
		Before:   before,
	}})
	p.afterDelete(ctx, schema, before)
	return before, nil
}

// BatchUpdate applies a partial record to every row matching the
// predicate. The affected set is the rows matching at read time; after
// images are re-read because updated columns may shift filter membership.
func (p *Pipeline) BatchUpdate(ctx context.Context, resourceName string, predicate *filter.Filter, partial resource.Record) (_ []Change, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	var changes []Change
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		befores, err := selectWhere(ctx, tx, schema, predicate, "", 0)
		if err != nil {
			return err
		}
		for _, before := range befores {
			id := before.ID(schema)
			applied, err := p.beforeUpdate(ctx, schema, before, partial)
			if err != nil {
				return err
			}
			if err := validatePartial(schema, id, applied); err != nil {
				return err
			}
			if len(applied) == 0 || onlyPrimaryKey(schema, applied) {
				continue
			}
			if err := updateRecord(ctx, tx, schema, id, applied); err != nil {
				return err
			}
			after, err := getByID(ctx, tx, schema, id)
			if err != nil {
				return err
			}
			changes = append(changes, Change{Before: before, After: after})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]changelog.Entry, 0, len(changes))
	for _, change := range changes {
		entries = append(entries, changelog.Entry{
			Resource: resourceName,
			Kind:     changelog.KindUpdate,
			ObjectID: change.After.ID(schema),
			Before:   change.Before,
			After:    change.After,
		})
	}
	p.publish(ctx, entries)
	for _, change := range changes {
		p.afterUpdate(ctx, schema, change.Before, change.After)
	}
	return changes, nil
}

// BatchDelete removes every row matching the predicate and returns the
// removed images.
func (p *Pipeline) BatchDelete(ctx context.Context, resourceName string, predicate *filter.Filter) (_ []resource.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}

	var befores []resource.Record
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		befores, err = selectWhere(ctx, tx, schema, predicate, "", 0)
		if err != nil {
			return err
		}
		for _, before := range befores {
			if err := p.beforeDelete(ctx, schema, before); err != nil {
				return err
			}
			if err := deleteByID(ctx, tx, schema, before.ID(schema)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]changelog.Entry, 0, len(befores))
	for _, before := range befores {
		entries = append(entries, changelog.Entry{
			Resource: resourceName,
			Kind:     changelog.KindDelete,
			ObjectID: before.ID(schema),
			Before:   before,
		})
	}
	p.publish(ctx, entries)
	for _, before := range befores {
		p.afterDelete(ctx, schema, before)
	}
	return befores, nil
}

// ExecRaw executes a caller-supplied mutation statement the pipeline
// cannot attribute to rows. It appends a sentinel changelog entry so every
// subscription on the resource is invalidated rather than silently left
// stale.
func (p *Pipeline) ExecRaw(ctx context.Context, resourceName, query string, args ...interface{}) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := p.catalog.Get(resourceName); err != nil {
		return 0, ErrValidation.Wrap(err)
	}
	if !isMutationSQL(query) {
		return 0, ErrValidation.New("raw statement is not a mutation")
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, _ := result.RowsAffected()

	p.publish(ctx, []changelog.Entry{{
		Resource: resourceName,
		Kind:     changelog.KindUpdate,
		ObjectID: changelog.SentinelObjectID,
	}})
	return affected, nil
}

// Get loads one record by primary key.
func (p *Pipeline) Get(ctx context.Context, resourceName, id string) (resource.Record, error) {
	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}
	return getByID(ctx, p.db, schema, id)
}

// Select loads records matching the predicate. orderBy is a ready SQL
// ORDER BY body, usually produced by the cursor package.
func (p *Pipeline) Select(ctx context.Context, resourceName string, predicate *filter.Filter, orderBy string, limit int) ([]resource.Record, error) {
	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}
	return selectWhere(ctx, p.db, schema, predicate, orderBy, limit)
}

// Count returns the number of records matching the predicate.
func (p *Pipeline) Count(ctx context.Context, resourceName string, predicate *filter.Filter) (int64, error) {
	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return 0, ErrValidation.Wrap(err)
	}

	if predicate != nil && predicate.NeedsRecheck() {
		records, err := selectWhere(ctx, p.db, schema, predicate, "", 0)
		if err != nil {
			return 0, err
		}
		return int64(len(records)), nil
	}

	whereSQL, args := "1=1", []interface{}(nil)
	if predicate != nil {
		whereSQL, args = predicate.ToSQL()
	}
	var count int64
	err = p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", filter.QuoteIdent(schema.Table), whereSQL),
		args...).Scan(&count)
	return count, Error.Wrap(err)
}

// AffectedIDs returns the primary keys currently matching the predicate,
// used by batch dry-runs.
func (p *Pipeline) AffectedIDs(ctx context.Context, resourceName string, predicate *filter.Filter) ([]string, error) {
	schema, err := p.catalog.Get(resourceName)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}
	records, err := selectWhere(ctx, p.db, schema, predicate, "", 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID(schema))
	}
	return ids, nil
}

func (p *Pipeline) prepareCreate(ctx context.Context, schema *resource.Schema, record resource.Record) (resource.Record, error) {
	record = record.Clone()
	if record == nil {
		record = resource.Record{}
	}
	if record[schema.PrimaryKey].IsNull() {
		record[schema.PrimaryKey] = resource.StringValue(uuid.NewString())
	}

	record, err := p.beforeCreate(ctx, schema, record)
	if err != nil {
		return nil, err
	}
	for name := range record {
		if !schema.HasField(name) {
			return nil, ErrValidation.New("unknown field %q on resource %q", name, schema.Name)
		}
	}
	return record, nil
}

// publish appends one changelog entry per affected row, then routes the
// committed entries. The write itself already committed, so routing
// failures are logged, not surfaced.
func (p *Pipeline) publish(ctx context.Context, entries []changelog.Entry) {
	if len(entries) == 0 {
		return
	}
	committed := make([]changelog.Entry, 0, len(entries))
	for _, entry := range entries {
		seq, err := p.clog.Append(ctx, entry)
		if err != nil {
			p.log.Error("changelog append failed after commit",
				zap.String("resource", entry.Resource),
				zap.String("objectId", entry.ObjectID),
				zap.Error(err))
			continue
		}
		entry.Seq = seq
		committed = append(committed, entry)
	}
	if err := p.router.Dispatch(ctx, committed); err != nil {
		p.log.Error("event dispatch failed", zap.Error(err))
	}
}

func (p *Pipeline) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return Error.Wrap(tx.Commit())
}

func insertRecord(ctx context.Context, q querier, schema *resource.Schema, record resource.Record) error {
	names := schema.FieldNames()
	quoted := make([]string, len(names))
	binds := make([]string, len(names))
	args := make([]interface{}, len(names))
	for i, name := range names {
		quoted[i] = filter.QuoteIdent(name)
		binds[i] = "?"
		args[i] = record[name].SQLParam()
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		filter.QuoteIdent(schema.Table), strings.Join(quoted, ", "), strings.Join(binds, ", "))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrConflict.New("%s %q already exists", schema.Name, record.ID(schema))
		}
		return Error.Wrap(err)
	}
	return nil
}

func updateRecord(ctx context.Context, q querier, schema *resource.Schema, id string, partial resource.Record) error {
	var sets []string
	var args []interface{}
	for _, name := range schema.FieldNames() {
		value, ok := partial[name]
		if !ok || name == schema.PrimaryKey {
			continue
		}
		sets = append(sets, filter.QuoteIdent(name)+" = ?")
		args = append(args, value.SQLParam())
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		filter.QuoteIdent(schema.Table), strings.Join(sets, ", "), filter.QuoteIdent(schema.PrimaryKey))
	_, err := q.ExecContext(ctx, query, args...)
	return Error.Wrap(err)
}

func deleteByID(ctx context.Context, q querier, schema *resource.Schema, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		filter.QuoteIdent(schema.Table), filter.QuoteIdent(schema.PrimaryKey))
	_, err := q.ExecContext(ctx, query, id)
	return Error.Wrap(err)
}

func validatePartial(schema *resource.Schema, id string, partial resource.Record) error {
	for name, value := range partial {
		if !schema.HasField(name) {
			return ErrValidation.New("unknown field %q on resource %q", name, schema.Name)
		}
		if name == schema.PrimaryKey && value.Text() != id {
			return ErrValidation.New("primary key is immutable")
		}
	}
	return nil
}

func onlyPrimaryKey(schema *resource.Schema, partial resource.Record) bool {
	for name := range partial {
		if name != schema.PrimaryKey {
			return false
		}
	}
	return true
}

func sameRecord(a, b resource.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for name, value := range a {
		if b[name].Text() != value.Text() || b[name].IsNull() != value.IsNull() {
			return false
		}
	}
	return true
}

// isMutationSQL reports whether a raw statement writes. Anything that is
// not a plain SELECT counts.
func isMutationSQL(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, keyword := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE"} {
		if strings.HasPrefix(head, keyword) {
			return true
		}
	}
	return false
}
