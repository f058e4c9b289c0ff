// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/internal/testrand"
	"github.com/livetable/livetable/pkg/resource"
)

func TestToSQLFragments(t *testing.T) {
	schema := testSchema()

	tests := []struct {
		expr     string
		wantSQL  string
		wantArgs []interface{}
	}{
		{`status=="active"`, `"status" = ?`, []interface{}{"active"}},
		{`score>50`, `"score" > ?`, []interface{}{float64(50)}},
		{`status=="a";score>1`, `("status" = ? AND "score" > ?)`, []interface{}{"a", float64(1)}},
		{`status=="a",status=="b"`, `("status" = ? OR "status" = ?)`, []interface{}{"a", "b"}},
		{`status=in=("a","b")`, `"status" IN (?,?)`, []interface{}{"a", "b"}},
		{`name=isnull=true`, `"name" IS NULL`, nil},
		{`name=isnull=false`, `"name" IS NOT NULL`, nil},
		{`score=between=[1,2]`, `("score" >= ? AND "score" <= ?)`, []interface{}{float64(1), float64(2)}},
		{`name=contains="a_b"`, `"name" LIKE ? ESCAPE '\'`, []interface{}{`%a\_b%`}},
		{`name=regex="^a"`, `1=1`, nil},
		{``, `1=1`, nil},
	}
	for _, test := range tests {
		compiled, err := Compile(schema, test.expr)
		require.NoError(t, err, "expression %q", test.expr)
		gotSQL, gotArgs := compiled.ToSQL()
		assert.Equal(t, test.wantSQL, gotSQL, "expression %q", test.expr)
		assert.Equal(t, test.wantArgs, gotArgs, "expression %q", test.expr)
	}
}

func TestNeedsRecheck(t *testing.T) {
	schema := testSchema()

	plain, err := Compile(schema, `score>1`)
	require.NoError(t, err)
	assert.False(t, plain.NeedsRecheck())

	re, err := Compile(schema, `name=regex="^a"`)
	require.NoError(t, err)
	assert.True(t, re.NeedsRecheck())

	assert.True(t, plain.And(re).NeedsRecheck())
}

// TestSQLEquivalence checks the core contract: for every record r and filter
// f, Evaluate(f, r) agrees with whether a SQL query filtered by ToSQL(f)
// returns r. Records are randomised; expressions cover every SQL-backed
// operator.
func TestSQLEquivalence(t *testing.T) {
	schema := testSchema()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`PRAGMA case_sensitive_like = ON`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		status TEXT, name TEXT, score REAL, active INTEGER, created TEXT, secret TEXT
	)`)
	require.NoError(t, err)

	records := map[string]resource.Record{}
	insert := func(rec resource.Record) {
		id := rec.ID(schema)
		records[id] = rec
		_, err := db.Exec(
			`INSERT INTO tasks (id, status, name, score, active, created, secret) VALUES (?,?,?,?,?,?,?)`,
			rec["id"].SQLParam(), rec["status"].SQLParam(), rec["name"].SQLParam(),
			rec["score"].SQLParam(), rec["active"].SQLParam(), rec["created"].SQLParam(),
			rec["secret"].SQLParam(),
		)
		require.NoError(t, err)
	}

	statuses := []string{"active", "inactive", "pending", "Active", ""}
	for i := 0; i < 120; i++ {
		rec := testrand.Record(schema, fmt.Sprintf("id-%03d", i))
		if !rec["status"].IsNull() {
			rec["status"] = resource.StringValue(statuses[i%len(statuses)])
		}
		insert(rec)
	}

	expressions := []string{
		`status=="active"`,
		`status!="active"`,
		`status=ieq="ACTIVE"`,
		`status=ine="ACTIVE"`,
		`score<0`,
		`score<=10`,
		`score>10`,
		`score>=-50`,
		`score=="10"`,
		`status=in=("active","pending")`,
		`status=out=("active","pending")`,
		`name=isnull=true`,
		`name=isnull=false`,
		`status=isempty=true`,
		`status=isempty=false`,
		`name%="a%"`,
		`name!%="a%"`,
		`name=ilike="A%"`,
		`name=nilike="A%"`,
		`name=contains="a"`,
		`name=icontains="A"`,
		`name=startswith="b"`,
		`name=endswith="c"`,
		`name=istartswith="B"`,
		`name=iendswith="C"`,
		`score=between=[-10,50]`,
		`score=nbetween=[-10,50]`,
		`name=length=3`,
		`name=minlength=5`,
		`name=maxlength=4`,
		`created>"2020-06-01T00:00:00Z"`,
		`created<="2020-06-01T00:00:00Z"`,
		`status=="active";score>0`,
		`status=="active",score>0`,
		`(status=="active",status=="pending");name=isnull=false`,
		`active==true`,
		`active==false;score>=0`,
	}

	for _, expr := range expressions {
		compiled, err := Compile(schema, expr)
		require.NoError(t, err, "expression %q", expr)

		whereSQL, args := compiled.ToSQL()
		rows, err := db.Query(`SELECT id FROM tasks WHERE `+whereSQL, args...)
		require.NoError(t, err, "expression %q", expr)

		sqlMatches := map[string]bool{}
		for rows.Next() {
			var id string
			require.NoError(t, rows.Scan(&id))
			sqlMatches[id] = true
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())

		for id, rec := range records {
			assert.Equal(t, sqlMatches[id], compiled.Evaluate(rec),
				"divergence on %q for record %v", expr, rec)
		}
	}
}
