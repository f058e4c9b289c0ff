// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/pkg/resource"
)

func testSchema() *resource.Schema {
	return &resource.Schema{
		Name:       "tasks",
		Table:      "tasks",
		PrimaryKey: "id",
		Fields: map[string]resource.Kind{
			"id":      resource.KindString,
			"status":  resource.KindString,
			"name":    resource.KindString,
			"score":   resource.KindNumber,
			"active":  resource.KindBool,
			"created": resource.KindTime,
			"secret":  resource.KindString,
		},
		FilterableFields: []string{"id", "status", "name", "score", "active", "created"},
	}
}

func TestCompileValid(t *testing.T) {
	schema := testSchema()

	valid := []string{
		``,
		`status=="active"`,
		`status == "active"`,
		`status=='active'`,
		`score>50`,
		`score =gt= 50`,
		`score=ge=-1.5`,
		`status=="active";score>=50`,
		`status=="active" && score>=50`,
		`status=="active" and score>=50`,
		`status=="a",status=="b"`,
		`status=="a" || status=="b"`,
		`status=="a" or status=="b"`,
		`(status=="a",status=="b");score>10`,
		`status=in=("a","b","c")`,
		`status=out=("x")`,
		`score=between=[10,20]`,
		`score=nbetween=[10,20]`,
		`name=isnull=true`,
		`name=isempty=false`,
		`name%="al%"`,
		`name!%="al%"`,
		`name=ilike="AL%"`,
		`name=contains="li"`,
		`name=istartswith="AL"`,
		`name=length=5`,
		`name=minlength=2`,
		`name=regex="^a.*z$"`,
		`name=iregex="^A"`,
		`active==true`,
		`name=isnull=true;(score<10,score>90)`,
		`created>"2024-01-02T00:00:00Z"`,
	}
	for _, expr := range valid {
		_, err := Compile(schema, expr)
		assert.NoError(t, err, "expression %q", expr)
	}
}

func TestCompileErrors(t *testing.T) {
	schema := testSchema()

	t.Run("unknown field", func(t *testing.T) {
		_, err := Compile(schema, `nope=="x"`)
		require.True(t, ErrUnknownField.Has(err), "got %v", err)
	})

	t.Run("disallowed field", func(t *testing.T) {
		_, err := Compile(schema, `secret=="x"`)
		require.True(t, ErrDisallowedField.Has(err), "got %v", err)
	})

	t.Run("unknown operator", func(t *testing.T) {
		_, err := Compile(schema, `status=frobnicate="x"`)
		require.True(t, ErrUnknownOperator.Has(err), "got %v", err)
	})

	t.Run("disallowed operator", func(t *testing.T) {
		limits := DefaultLimits
		limits.DisallowedOperators = []Operator{OpRegex}
		_, err := CompileWithLimits(schema, `name=regex="a"`, limits)
		require.True(t, ErrDisallowedOperator.Has(err), "got %v", err)
	})

	t.Run("bare word value", func(t *testing.T) {
		_, err := Compile(schema, `status==active`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, parseErr.Suggestion, "quote")
	})

	t.Run("unterminated string", func(t *testing.T) {
		_, err := Compile(schema, `status=="act`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("position reported", func(t *testing.T) {
		_, err := Compile(schema, `status=="a";score>`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, len(`status=="a";score>`), parseErr.Pos)
		assert.Equal(t, `status=="a";score>`, parseErr.ParsedSoFar)
	})

	t.Run("trailing input", func(t *testing.T) {
		_, err := Compile(schema, `status=="a" status=="b"`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("set required", func(t *testing.T) {
		_, err := Compile(schema, `status=in="a"`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("bad regex", func(t *testing.T) {
		_, err := Compile(schema, `name=regex="["`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
	})
}

func TestComplexityLimits(t *testing.T) {
	schema := testSchema()

	t.Run("length", func(t *testing.T) {
		limits := Limits{MaxLength: 10}
		_, err := CompileWithLimits(schema, `status=="active"`, limits)
		require.True(t, ErrComplexityExceeded.Has(err))
	})

	t.Run("depth", func(t *testing.T) {
		expr := strings.Repeat("(", 11) + `score>1` + strings.Repeat(")", 11)
		_, err := Compile(schema, expr)
		require.True(t, ErrComplexityExceeded.Has(err), "got %v", err)
	})

	t.Run("nodes", func(t *testing.T) {
		atoms := make([]string, DefaultLimits.MaxNodes+1)
		for i := range atoms {
			atoms[i] = `score>1`
		}
		_, err := Compile(schema, strings.Join(atoms, ";"))
		require.True(t, ErrComplexityExceeded.Has(err), "got %v", err)
	})
}

func TestAndConjoin(t *testing.T) {
	schema := testSchema()

	user, err := Compile(schema, `score>10`)
	require.NoError(t, err)
	scope, err := Compile(schema, `status=="active"`)
	require.NoError(t, err)

	combined := user.And(scope)
	assert.True(t, combined.Evaluate(resource.Record{
		"status": resource.StringValue("active"),
		"score":  resource.NumberValue(11),
	}))
	assert.False(t, combined.Evaluate(resource.Record{
		"status": resource.StringValue("inactive"),
		"score":  resource.NumberValue(11),
	}))

	assert.Equal(t, user, user.And(nil))
	assert.Equal(t, user, user.And(True(schema)))
	assert.Equal(t, scope, True(schema).And(scope))
}

func TestCache(t *testing.T) {
	schema := testSchema()
	cache := NewCache(2, DefaultLimits)

	first, err := cache.Get(schema, `score>10`)
	require.NoError(t, err)
	again, err := cache.Get(schema, `score>10`)
	require.NoError(t, err)
	assert.Same(t, first, again)

	// filling the cache evicts the least recently used entry
	_, err = cache.Get(schema, `score>20`)
	require.NoError(t, err)
	_, err = cache.Get(schema, `score>30`)
	require.NoError(t, err)

	_, err = cache.Get(schema, `nope=="x"`)
	require.Error(t, err, "parse failures are not cached")
}
