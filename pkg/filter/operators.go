// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

// Operator is one of the closed set of comparison operators.
type Operator string

// The closed, ordered operator set.
const (
	OpEq  Operator = "=="
	OpNe  Operator = "!="
	OpLt  Operator = "<"
	OpLe  Operator = "<="
	OpGt  Operator = ">"
	OpGe  Operator = ">="
	OpIn  Operator = "=in="
	OpOut Operator = "=out="

	OpIsNull  Operator = "=isnull="
	OpIsEmpty Operator = "=isempty="

	OpLike    Operator = "%="
	OpNotLike Operator = "!%="
	OpILike   Operator = "=ilike="
	OpNILike  Operator = "=nilike="

	OpIEq Operator = "=ieq="
	OpINe Operator = "=ine="

	OpContains    Operator = "=contains="
	OpIContains   Operator = "=icontains="
	OpStartsWith  Operator = "=startswith="
	OpIStartsWith Operator = "=istartswith="
	OpEndsWith    Operator = "=endswith="
	OpIEndsWith   Operator = "=iendswith="

	OpBetween  Operator = "=between="
	OpNBetween Operator = "=nbetween="

	OpLength    Operator = "=length="
	OpMinLength Operator = "=minlength="
	OpMaxLength Operator = "=maxlength="

	OpRegex  Operator = "=regex="
	OpIRegex Operator = "=iregex="
)

// namedOperators maps the =name= spelling (without the surrounding '=') to
// operators, including the named aliases for the ordered comparisons.
var namedOperators = map[string]Operator{
	"lt": OpLt,
	"le": OpLe,
	"gt": OpGt,
	"ge": OpGe,

	"in":  OpIn,
	"out": OpOut,

	"isnull":  OpIsNull,
	"isempty": OpIsEmpty,

	"ilike":  OpILike,
	"nilike": OpNILike,

	"ieq": OpIEq,
	"ine": OpINe,

	"contains":    OpContains,
	"icontains":   OpIContains,
	"startswith":  OpStartsWith,
	"istartswith": OpIStartsWith,
	"endswith":    OpEndsWith,
	"iendswith":   OpIEndsWith,

	"between":  OpBetween,
	"nbetween": OpNBetween,

	"length":    OpLength,
	"minlength": OpMinLength,
	"maxlength": OpMaxLength,

	"regex":  OpRegex,
	"iregex": OpIRegex,
}

type operandShape int

const (
	shapeLiteral operandShape = iota
	shapeSet
	shapeRange
)

// operandShapeOf returns the operand shape an operator requires.
func operandShapeOf(op Operator) operandShape {
	switch op {
	case OpIn, OpOut:
		return shapeSet
	case OpBetween, OpNBetween:
		return shapeRange
	default:
		return shapeLiteral
	}
}

// memoryOnly reports whether the operator can only be evaluated in memory.
// Its SQL form is an over-approximation and rows must be re-checked.
func memoryOnly(op Operator) bool {
	return op == OpRegex || op == OpIRegex
}
