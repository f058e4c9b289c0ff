// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"github.com/livetable/livetable/pkg/resource"
)

// Comparison builds a single literal comparison node. It is used by the
// pagination layer to assemble keyset conditions without going through the
// parser.
func Comparison(field string, op Operator, literal resource.Value) OpNode {
	return OpNode{Field: field, Op: op, Operand: Operand{shape: shapeLiteral, Literal: literal}}
}

// NullCheck builds a node matching records where the field is null
// (isNull true) or non-null (isNull false).
func NullCheck(field string, isNull bool) OpNode {
	return Comparison(field, OpIsNull, resource.BoolValue(isNull))
}

// AllOf folds nodes into a conjunction. No nodes yields the always-true
// node.
func AllOf(nodes ...Node) Node {
	return fold(nodes, func(left, right Node) Node { return AndNode{Left: left, Right: right} })
}

// AnyOf folds nodes into a disjunction. No nodes yields the always-true
// node.
func AnyOf(nodes ...Node) Node {
	return fold(nodes, func(left, right Node) Node { return OrNode{Left: left, Right: right} })
}

func fold(nodes []Node, join func(left, right Node) Node) Node {
	if len(nodes) == 0 {
		return TrueNode{}
	}
	result := nodes[0]
	for _, node := range nodes[1:] {
		result = join(result, node)
	}
	return result
}

// FromNode wraps a hand-built tree into a compiled filter. The tree must
// only reference fields of the schema; callers are trusted, there is no
// re-validation.
func FromNode(schema *resource.Schema, root Node) *Filter {
	if root == nil {
		root = TrueNode{}
	}
	return &Filter{schema: schema, root: root}
}
