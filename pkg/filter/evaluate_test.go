// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/pkg/resource"
)

func record(fields map[string]resource.Value) resource.Record {
	return resource.Record(fields)
}

func evalExpr(t *testing.T, expr string, rec resource.Record) bool {
	t.Helper()
	compiled, err := Compile(testSchema(), expr)
	require.NoError(t, err, "expression %q", expr)
	return compiled.Evaluate(rec)
}

func TestEvaluateBooleanAlgebra(t *testing.T) {
	expr := `status=="active";score>=50`

	assert.True(t, evalExpr(t, expr, record(map[string]resource.Value{
		"status": resource.StringValue("active"),
		"score":  resource.NumberValue(50),
	})))
	assert.False(t, evalExpr(t, expr, record(map[string]resource.Value{
		"status": resource.StringValue("active"),
		"score":  resource.NumberValue(49),
	})))
	assert.False(t, evalExpr(t, expr, record(map[string]resource.Value{
		"status": resource.StringValue("inactive"),
		"score":  resource.NumberValue(99),
	})))
}

func TestEvaluateOperators(t *testing.T) {
	base := map[string]resource.Value{
		"id":      resource.StringValue("a1"),
		"status":  resource.StringValue("active"),
		"name":    resource.StringValue("alice"),
		"score":   resource.NumberValue(42),
		"active":  resource.BoolValue(true),
		"created": resource.TimeValue(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`status=="active"`, true},
		{`status!="active"`, false},
		{`status=="Active"`, false},
		{`status=ieq="Active"`, true},
		{`status=ine="Active"`, false},

		{`score<50`, true},
		{`score<=42`, true},
		{`score>42`, false},
		{`score>=42`, true},
		{`score=lt=42`, false},
		{`score=le=42`, true},
		{`score=="42"`, true}, // numeric-looking string coerces

		{`status=in=("active","pending")`, true},
		{`status=in=("archived")`, false},
		{`status=out=("archived")`, true},
		{`score=in=(41,42)`, true},

		{`name%="al%"`, true},
		{`name%="al"`, false},
		{`name%="_lice"`, true},
		{`name!%="al%"`, false},
		{`name=ilike="AL%"`, true},
		{`name=nilike="AL%"`, false},

		{`name=contains="lic"`, true},
		{`name=contains="LIC"`, false},
		{`name=icontains="LIC"`, true},
		{`name=startswith="al"`, true},
		{`name=endswith="ce"`, true},
		{`name=istartswith="AL"`, true},
		{`name=iendswith="CE"`, true},

		{`score=between=[40,45]`, true},
		{`score=between=[43,45]`, false},
		{`score=nbetween=[43,45]`, true},
		{`score=nbetween=[40,45]`, false},

		{`name=length=5`, true},
		{`name=length=4`, false},
		{`name=minlength=5`, true},
		{`name=minlength=6`, false},
		{`name=maxlength=5`, true},
		{`name=maxlength=4`, false},

		{`name=regex="^a.*e$"`, true},
		{`name=regex="^b"`, false},
		{`name=iregex="^ALICE$"`, true},

		{`active==true`, true},
		{`active==false`, false},

		{`created>"2024-01-01T00:00:00Z"`, true},
		{`created<"2024-01-01T00:00:00Z"`, false},
		{`created=="2024-03-01T12:00:00Z"`, true},

		{`name=isnull=false`, true},
		{`name=isnull=true`, false},
		{`name=isempty=false`, true},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, evalExpr(t, test.expr, record(base)), "expression %q", test.expr)
	}
}

func TestEvaluateNullSemantics(t *testing.T) {
	rec := record(map[string]resource.Value{
		"name":  resource.NullValue(),
		"score": resource.NullValue(),
	})

	// null fails every comparison, like SQL
	for _, expr := range []string{
		`name=="x"`, `name!="x"`, `score<5`, `score>5`,
		`name%="%"`, `name=in=("x")`, `name=out=("x")`,
		`score=between=[0,100]`, `score=nbetween=[0,100]`,
		`name=length=0`,
	} {
		assert.False(t, evalExpr(t, expr, rec), "expression %q", expr)
	}

	assert.True(t, evalExpr(t, `name=isnull=true`, rec))
	assert.False(t, evalExpr(t, `name=isnull=false`, rec))
	assert.True(t, evalExpr(t, `name=isempty=true`, rec))

	// missing fields behave as null
	empty := record(map[string]resource.Value{})
	assert.True(t, evalExpr(t, `name=isnull=true`, empty))
	assert.False(t, evalExpr(t, `name=="x"`, empty))

	// empty string is empty but not null
	blank := record(map[string]resource.Value{"name": resource.StringValue("")})
	assert.True(t, evalExpr(t, `name=isempty=true`, blank))
	assert.False(t, evalExpr(t, `name=isnull=true`, blank))
}

func TestEvaluateCaseFoldIsASCIIOnly(t *testing.T) {
	rec := record(map[string]resource.Value{
		"name": resource.StringValue("École"),
	})

	// sqlite's LOWER() folds ASCII only; the in-memory fold must agree
	assert.True(t, evalExpr(t, `name=ieq="ÉCOLE"`, rec))
	assert.False(t, evalExpr(t, `name=ieq="école"`, rec))
	assert.True(t, evalExpr(t, `name=icontains="COLE"`, rec))
	assert.False(t, evalExpr(t, `name=icontains="éco"`, rec))
	assert.True(t, evalExpr(t, `name=ilike="É%"`, rec))
	assert.False(t, evalExpr(t, `name=ilike="é%"`, rec))
}

func TestFilterScopeTransition(t *testing.T) {
	// a record moving across the predicate boundary flips membership
	compiled, err := Compile(testSchema(), `score>50`)
	require.NoError(t, err)

	assert.False(t, compiled.Evaluate(record(map[string]resource.Value{"score": resource.NumberValue(30)})))
	assert.True(t, compiled.Evaluate(record(map[string]resource.Value{"score": resource.NumberValue(70)})))
	assert.True(t, compiled.Evaluate(record(map[string]resource.Value{"score": resource.NumberValue(80)})))
	assert.False(t, compiled.Evaluate(record(map[string]resource.Value{"score": resource.NumberValue(10)})))
}
