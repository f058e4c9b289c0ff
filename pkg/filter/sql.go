// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"strings"
)

// ToSQL renders the filter as a parameterised SQL predicate with '?'
// placeholders. Every literal is bound as a parameter; no literal is ever
// interpolated into the SQL text. The regex operators render as an
// always-true fragment and callers must re-check rows with Evaluate (see
// NeedsRecheck).
func (f *Filter) ToSQL() (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}
	sqlNode(f.root, &sb, &args)
	return sb.String(), args
}

func sqlNode(node Node, sb *strings.Builder, args *[]interface{}) {
	switch node := node.(type) {
	case TrueNode:
		sb.WriteString("1=1")
	case AndNode:
		sb.WriteString("(")
		sqlNode(node.Left, sb, args)
		sb.WriteString(" AND ")
		sqlNode(node.Right, sb, args)
		sb.WriteString(")")
	case OrNode:
		sb.WriteString("(")
		sqlNode(node.Left, sb, args)
		sb.WriteString(" OR ")
		sqlNode(node.Right, sb, args)
		sb.WriteString(")")
	case OpNode:
		sqlOp(node, sb, args)
	}
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlOp(node OpNode, sb *strings.Builder, args *[]interface{}) {
	column := QuoteIdent(node.Field)
	bind := func(value interface{}) {
		*args = append(*args, value)
	}

	switch node.Op {
	case OpEq:
		sb.WriteString(column + " = ?")
		bind(node.Operand.Literal.SQLParam())
	case OpNe:
		sb.WriteString(column + " <> ?")
		bind(node.Operand.Literal.SQLParam())
	case OpLt:
		sb.WriteString(column + " < ?")
		bind(node.Operand.Literal.SQLParam())
	case OpLe:
		sb.WriteString(column + " <= ?")
		bind(node.Operand.Literal.SQLParam())
	case OpGt:
		sb.WriteString(column + " > ?")
		bind(node.Operand.Literal.SQLParam())
	case OpGe:
		sb.WriteString(column + " >= ?")
		bind(node.Operand.Literal.SQLParam())

	case OpIEq:
		sb.WriteString("LOWER(" + column + ") = LOWER(?)")
		bind(node.Operand.Literal.SQLParam())
	case OpINe:
		sb.WriteString("LOWER(" + column + ") <> LOWER(?)")
		bind(node.Operand.Literal.SQLParam())

	case OpIn, OpOut:
		if node.Op == OpIn {
			sb.WriteString(column + " IN (")
		} else {
			sb.WriteString(column + " NOT IN (")
		}
		for i, member := range node.Operand.Set {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("?")
			bind(member.SQLParam())
		}
		sb.WriteString(")")

	case OpIsNull:
		if node.Operand.Literal.Bool() {
			sb.WriteString(column + " IS NULL")
		} else {
			sb.WriteString(column + " IS NOT NULL")
		}
	case OpIsEmpty:
		if node.Operand.Literal.Bool() {
			sb.WriteString("(" + column + " IS NULL OR " + column + " = '')")
		} else {
			sb.WriteString("(" + column + " IS NOT NULL AND " + column + " <> '')")
		}

	case OpLike:
		sb.WriteString(column + ` LIKE ? ESCAPE '\'`)
		bind(node.Operand.Literal.Str())
	case OpNotLike:
		sb.WriteString(column + ` NOT LIKE ? ESCAPE '\'`)
		bind(node.Operand.Literal.Str())
	case OpILike:
		sb.WriteString("LOWER(" + column + `) LIKE LOWER(?) ESCAPE '\'`)
		bind(node.Operand.Literal.Str())
	case OpNILike:
		sb.WriteString("LOWER(" + column + `) NOT LIKE LOWER(?) ESCAPE '\'`)
		bind(node.Operand.Literal.Str())

	case OpContains:
		sb.WriteString(column + ` LIKE ? ESCAPE '\'`)
		bind("%" + EscapeLike(node.Operand.Literal.Str()) + "%")
	case OpIContains:
		sb.WriteString("LOWER(" + column + `) LIKE LOWER(?) ESCAPE '\'`)
		bind("%" + EscapeLike(node.Operand.Literal.Str()) + "%")
	case OpStartsWith:
		sb.WriteString(column + ` LIKE ? ESCAPE '\'`)
		bind(EscapeLike(node.Operand.Literal.Str()) + "%")
	case OpIStartsWith:
		sb.WriteString("LOWER(" + column + `) LIKE LOWER(?) ESCAPE '\'`)
		bind(EscapeLike(node.Operand.Literal.Str()) + "%")
	case OpEndsWith:
		sb.WriteString(column + ` LIKE ? ESCAPE '\'`)
		bind("%" + EscapeLike(node.Operand.Literal.Str()))
	case OpIEndsWith:
		sb.WriteString("LOWER(" + column + `) LIKE LOWER(?) ESCAPE '\'`)
		bind("%" + EscapeLike(node.Operand.Literal.Str()))

	case OpBetween:
		sb.WriteString("(" + column + " >= ? AND " + column + " <= ?)")
		bind(node.Operand.Lo.SQLParam())
		bind(node.Operand.Hi.SQLParam())
	case OpNBetween:
		sb.WriteString("(" + column + " < ? OR " + column + " > ?)")
		bind(node.Operand.Lo.SQLParam())
		bind(node.Operand.Hi.SQLParam())

	case OpLength:
		sb.WriteString("LENGTH(" + column + ") = ?")
		bind(int(node.Operand.Literal.Num()))
	case OpMinLength:
		sb.WriteString("LENGTH(" + column + ") >= ?")
		bind(int(node.Operand.Literal.Num()))
	case OpMaxLength:
		sb.WriteString("LENGTH(" + column + ") <= ?")
		bind(int(node.Operand.Literal.Num()))

	case OpRegex, OpIRegex:
		// evaluated in memory only; SQL returns a superset
		sb.WriteString("1=1")
	}
}

// EscapeLike escapes the LIKE metacharacters in a literal so it matches
// itself inside a pattern.
func EscapeLike(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
