// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package mutation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// sqlite is the backing store for resource tables.
	_ "github.com/mattn/go-sqlite3"

	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
)

// OpenDB opens the resource database. The DSN pins case-sensitive LIKE so
// the SQL interpretation of filters matches the in-memory one on every
// pooled connection.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_case_sensitive_like=1&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return db, nil
}

// EnsureSchema creates the backing table for a resource when missing.
func EnsureSchema(ctx context.Context, db *sql.DB, schema *resource.Schema) error {
	var cols []string
	for _, name := range schema.FieldNames() {
		kind, _ := schema.FieldKind(name)
		col := filter.QuoteIdent(name) + " " + columnType(kind)
		if name == schema.PrimaryKey {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		filter.QuoteIdent(schema.Table), strings.Join(cols, ", "))
	_, err := db.ExecContext(ctx, query)
	return Error.Wrap(err)
}

func columnType(kind resource.Kind) string {
	switch kind {
	case resource.KindNumber:
		return "REAL"
	case resource.KindBool:
		return "INTEGER"
	default:
		// timestamps are stored as fixed-width text so that lexicographic
		// and chronological order agree
		return "TEXT"
	}
}

// querier is either *sql.DB or *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// selectWhere loads records matching the predicate. When the filter needs
// an in-memory recheck its SQL form is a superset and rows are re-tested.
func selectWhere(ctx context.Context, q querier, schema *resource.Schema, predicate *filter.Filter, orderBy string, limit int) ([]resource.Record, error) {
	whereSQL, args := "1=1", []interface{}(nil)
	if predicate != nil {
		whereSQL, args = predicate.ToSQL()
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columnList(schema), filter.QuoteIdent(schema.Table), whereSQL)
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 && !(predicate != nil && predicate.NeedsRecheck()) {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var records []resource.Record
	for rows.Next() {
		record, err := scanRecord(schema, rows)
		if err != nil {
			return nil, err
		}
		if predicate != nil && predicate.NeedsRecheck() && !predicate.Evaluate(record) {
			continue
		}
		records = append(records, record)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return records, nil
}

// getByID loads one record by primary key.
func getByID(ctx context.Context, q querier, schema *resource.Schema, id string) (resource.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		columnList(schema), filter.QuoteIdent(schema.Table), filter.QuoteIdent(schema.PrimaryKey))
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, Error.Wrap(err)
		}
		return nil, ErrNotFound.New("%s %q", schema.Name, id)
	}
	return scanRecord(schema, rows)
}

func columnList(schema *resource.Schema) string {
	names := schema.FieldNames()
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = filter.QuoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}

// scanRecord converts the current row into a Record, mapping driver values
// back to the schema's declared kinds.
func scanRecord(schema *resource.Schema, rows *sql.Rows) (resource.Record, error) {
	names := schema.FieldNames()
	values := make([]interface{}, len(names))
	for i := range values {
		values[i] = new(interface{})
	}
	if err := rows.Scan(values...); err != nil {
		return nil, Error.Wrap(err)
	}

	record := make(resource.Record, len(names))
	for i, name := range names {
		kind, _ := schema.FieldKind(name)
		value, err := valueFromDriver(*(values[i].(*interface{})), kind)
		if err != nil {
			return nil, Error.New("column %q: %v", name, err)
		}
		record[name] = value
	}
	return record, nil
}

func valueFromDriver(raw interface{}, kind resource.Kind) (resource.Value, error) {
	if raw == nil {
		return resource.NullValue(), nil
	}

	var value resource.Value
	switch typed := raw.(type) {
	case []byte:
		value = resource.StringValue(string(typed))
	case string:
		value = resource.StringValue(typed)
	case int64:
		if kind == resource.KindBool {
			return resource.BoolValue(typed != 0), nil
		}
		value = resource.NumberValue(float64(typed))
	case float64:
		value = resource.NumberValue(typed)
	case bool:
		value = resource.BoolValue(typed)
	case time.Time:
		value = resource.TimeValue(typed)
	default:
		return resource.Value{}, fmt.Errorf("unsupported driver type %T", raw)
	}
	return value.Coerce(kind), nil
}
