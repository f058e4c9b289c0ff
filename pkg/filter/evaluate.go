// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/livetable/livetable/pkg/resource"
)

// Evaluate decides whether the record matches the filter. It follows SQL
// semantics: a null or missing field fails every comparison except the
// null and emptiness tests.
func (f *Filter) Evaluate(record resource.Record) bool {
	return evalNode(f.root, record)
}

func evalNode(node Node, record resource.Record) bool {
	switch node := node.(type) {
	case TrueNode:
		return true
	case AndNode:
		return evalNode(node.Left, record) && evalNode(node.Right, record)
	case OrNode:
		return evalNode(node.Left, record) || evalNode(node.Right, record)
	case OpNode:
		return evalOp(node, record)
	default:
		return false
	}
}

func evalOp(node OpNode, record resource.Record) bool {
	value := record[node.Field]

	switch node.Op {
	case OpIsNull:
		return value.IsNull() == node.Operand.Literal.Bool()
	case OpIsEmpty:
		empty := value.IsNull() || (value.IsString() && value.Str() == "")
		return empty == node.Operand.Literal.Bool()
	}

	// SQL three-valued logic: null fails every remaining comparison.
	if value.IsNull() {
		return false
	}

	switch node.Op {
	case OpEq:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return ok && cmp == 0
	case OpNe:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return !ok || cmp != 0
	case OpLt:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return ok && cmp < 0
	case OpLe:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return ok && cmp <= 0
	case OpGt:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return ok && cmp > 0
	case OpGe:
		cmp, ok := compareValues(value, node.Operand.Literal)
		return ok && cmp >= 0

	case OpIEq:
		return asciiLower(value.Text()) == asciiLower(node.Operand.Literal.Text())
	case OpINe:
		return asciiLower(value.Text()) != asciiLower(node.Operand.Literal.Text())

	case OpIn:
		return inSet(value, node.Operand.Set)
	case OpOut:
		return !inSet(value, node.Operand.Set)

	case OpLike:
		return likeMatch(value.Text(), node.Operand.Literal.Str(), false)
	case OpNotLike:
		return !likeMatch(value.Text(), node.Operand.Literal.Str(), false)
	case OpILike:
		return likeMatch(value.Text(), node.Operand.Literal.Str(), true)
	case OpNILike:
		return !likeMatch(value.Text(), node.Operand.Literal.Str(), true)

	case OpContains:
		return strings.Contains(value.Text(), node.Operand.Literal.Str())
	case OpIContains:
		return strings.Contains(asciiLower(value.Text()), asciiLower(node.Operand.Literal.Str()))
	case OpStartsWith:
		return strings.HasPrefix(value.Text(), node.Operand.Literal.Str())
	case OpIStartsWith:
		return strings.HasPrefix(asciiLower(value.Text()), asciiLower(node.Operand.Literal.Str()))
	case OpEndsWith:
		return strings.HasSuffix(value.Text(), node.Operand.Literal.Str())
	case OpIEndsWith:
		return strings.HasSuffix(asciiLower(value.Text()), asciiLower(node.Operand.Literal.Str()))

	case OpBetween:
		return betweenMatch(value, node.Operand.Lo, node.Operand.Hi)
	case OpNBetween:
		cmpLo, okLo := compareValues(value, node.Operand.Lo)
		cmpHi, okHi := compareValues(value, node.Operand.Hi)
		return okLo && okHi && (cmpLo < 0 || cmpHi > 0)

	case OpLength:
		return utf8.RuneCountInString(value.Text()) == int(node.Operand.Literal.Num())
	case OpMinLength:
		return utf8.RuneCountInString(value.Text()) >= int(node.Operand.Literal.Num())
	case OpMaxLength:
		return utf8.RuneCountInString(value.Text()) <= int(node.Operand.Literal.Num())

	case OpRegex, OpIRegex:
		return node.Operand.re != nil && node.Operand.re.MatchString(value.Text())
	}
	return false
}

func betweenMatch(value, lo, hi resource.Value) bool {
	cmpLo, okLo := compareValues(value, lo)
	cmpHi, okHi := compareValues(value, hi)
	return okLo && okHi && cmpLo >= 0 && cmpHi <= 0
}

// inSet compares by normalised string form. Null set members never match,
// like SQL IN with NULL.
func inSet(value resource.Value, set []resource.Value) bool {
	text := value.Text()
	for _, member := range set {
		if member.IsNull() {
			continue
		}
		if member.Text() == text {
			return true
		}
	}
	return false
}

// compareValues compares two scalars with SQL-compatible coercion: numbers
// against numeric-looking strings compare numerically, date-like strings
// compare as instants when both sides parse, strings compare by codepoint.
// The second result is false when the values are incomparable.
func compareValues(a, b resource.Value) (int, bool) {
	if a.IsNull() || b.IsNull() {
		return 0, false
	}

	// Numeric coercion applies only across kinds; two strings compare as
	// strings so that the SQL text comparison agrees.
	if a.IsNumber() || b.IsNumber() {
		if an, aok := numericOf(a); aok {
			if bn, bok := numericOf(b); bok {
				return compareFloat(an, bn), true
			}
		}
	}

	if at, aok := instantOf(a); aok {
		if bt, bok := instantOf(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if a.IsBool() && b.IsBool() {
		return compareFloat(boolNum(a.Bool()), boolNum(b.Bool())), true
	}

	if a.IsString() && b.IsString() {
		return strings.Compare(a.Str(), b.Str()), true
	}

	return 0, false
}

func numericOf(v resource.Value) (float64, bool) {
	if v.IsNumber() {
		return v.Num(), true
	}
	if v.IsString() {
		if num, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64); err == nil {
			return num, true
		}
	}
	return 0, false
}

func instantOf(v resource.Value) (time.Time, bool) {
	if v.IsTime() {
		return v.Time(), true
	}
	if v.IsString() {
		if t, err := time.Parse(time.RFC3339Nano, v.Str()); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, v.Str()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// likePattern converts a SQL LIKE pattern ('%' any run, '_' one character,
// '\' escapes) into an anchored regular expression.
func likePattern(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString(`(?s)\A`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`\z`)
	return regexp.MustCompile(sb.String())
}

func likeMatch(text, pattern string, insensitive bool) bool {
	if insensitive {
		text = asciiLower(text)
		pattern = asciiLower(pattern)
	}
	return likePattern(pattern).MatchString(text)
}

// asciiLower folds ASCII letters only. The SQL side of the case-insensitive
// operators goes through sqlite's LOWER(), which does not fold past ASCII,
// and both evaluations must agree on the same rows.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}
