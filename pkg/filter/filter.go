// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package filter implements the URL-safe predicate language used for list
// queries and live subscriptions. A compiled filter is an immutable tree
// with two interpreters: ToSQL produces a parameterised SQL fragment, and
// Evaluate decides membership for an in-memory record. For every record r
// the two must agree; divergences are design errors.
package filter

import (
	"regexp"

	"github.com/livetable/livetable/pkg/resource"
)

// Limits bounds expression complexity and optionally disables operators.
type Limits struct {
	MaxLength int
	MaxDepth  int
	MaxNodes  int

	// DisallowedOperators lists operators rejected at parse time.
	DisallowedOperators []Operator
}

// DefaultLimits are the default complexity limits.
var DefaultLimits = Limits{
	MaxLength: 4096,
	MaxDepth:  10,
	MaxNodes:  100,
}

// Node is a node of the compiled filter tree.
type Node interface {
	node()
}

// TrueNode matches every record.
type TrueNode struct{}

// AndNode is the conjunction of its children.
type AndNode struct {
	Left, Right Node
}

// OrNode is the disjunction of its children.
type OrNode struct {
	Left, Right Node
}

// Operand is the right-hand side of a comparison: a literal, a set, or a
// range.
type Operand struct {
	shape   operandShape
	Literal resource.Value
	Set     []resource.Value
	Lo, Hi  resource.Value

	re *regexp.Regexp // compiled pattern for the regex operators
}

// OpNode compares a field against an operand.
type OpNode struct {
	Field   string
	Op      Operator
	Operand Operand
}

func (TrueNode) node() {}
func (AndNode) node()  {}
func (OrNode) node()   {}
func (OpNode) node()   {}

// Filter is a compiled, immutable filter expression bound to a schema.
type Filter struct {
	schema *resource.Schema
	root   Node
	expr   string

	memoryOnly bool
}

// Compile parses expr against the schema using the default limits.
func Compile(schema *resource.Schema, expr string) (*Filter, error) {
	return CompileWithLimits(schema, expr, DefaultLimits)
}

// CompileWithLimits parses expr against the schema with explicit limits. An
// empty expression compiles to the always-true filter.
func CompileWithLimits(schema *resource.Schema, expr string, limits Limits) (*Filter, error) {
	if limits.MaxLength > 0 && len(expr) > limits.MaxLength {
		return nil, ErrComplexityExceeded.New("expression length %d exceeds limit %d", len(expr), limits.MaxLength)
	}
	if expr == "" {
		return &Filter{schema: schema, root: TrueNode{}, expr: ""}, nil
	}

	parser := newParser(schema, expr, limits)
	root, err := parser.parse()
	if err != nil {
		return nil, err
	}
	return &Filter{
		schema:     schema,
		root:       root,
		expr:       expr,
		memoryOnly: parser.sawMemoryOnly,
	}, nil
}

// True returns the always-true filter for a schema.
func True(schema *resource.Schema) *Filter {
	return &Filter{schema: schema, root: TrueNode{}}
}

// Root returns the root of the compiled tree.
func (f *Filter) Root() Node { return f.root }

// String returns the original expression text.
func (f *Filter) String() string { return f.expr }

// Schema returns the schema the filter is bound to.
func (f *Filter) Schema() *resource.Schema { return f.schema }

// NeedsRecheck reports whether the SQL form is an over-approximation (regex
// operators) and SQL results must be re-checked with Evaluate.
func (f *Filter) NeedsRecheck() bool { return f.memoryOnly }

// IsTrue reports whether the filter matches everything.
func (f *Filter) IsTrue() bool {
	_, ok := f.root.(TrueNode)
	return ok
}

// And conjoins two compiled filters. Either side may be nil or true, in
// which case the other side is returned. Used to attach scope filters.
func (f *Filter) And(other *Filter) *Filter {
	if other == nil || other.IsTrue() {
		return f
	}
	if f == nil || f.IsTrue() {
		return other
	}
	expr := f.expr + ";" + other.expr
	return &Filter{
		schema:     f.schema,
		root:       AndNode{Left: f.root, Right: other.root},
		expr:       expr,
		memoryOnly: f.memoryOnly || other.memoryOnly,
	}
}
