// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/livetable/livetable/pkg/resource"
)

// parser is a recursive-descent parser over the filter grammar:
//
//	expr    := or
//	or      := and ((',' | '||' | 'or') and)*
//	and     := primary ((';' | '&&' | 'and') primary)*
//	primary := '(' or ')' | IDENT op operand
//	operand := literal | '(' literal (',' literal)* ')' | '[' literal ',' literal ']'
type parser struct {
	schema *resource.Schema
	input  string
	pos    int
	limits Limits

	nodes         int
	depth         int
	sawMemoryOnly bool
}

func newParser(schema *resource.Schema, input string, limits Limits) *parser {
	return &parser{schema: schema, input: input, limits: limits}
}

func (p *parser) parse() (Node, error) {
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, p.errorf("unexpected input %q", "remove trailing input or join it with ';' or ','", p.rest())
	}
	return node, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptConnective(",", "||", "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = OrNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.acceptConnective(";", "&&", "and") {
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = AndNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Node, error) {
	p.skipSpace()
	if p.accept("(") {
		p.depth++
		if p.limits.MaxDepth > 0 && p.depth > p.limits.MaxDepth {
			return nil, ErrComplexityExceeded.New("nesting depth exceeds limit %d", p.limits.MaxDepth)
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.depth--
		p.skipSpace()
		if !p.accept(")") {
			return nil, p.errorf("missing closing parenthesis", "add ')'")
		}
		return node, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Node, error) {
	p.skipSpace()
	field, err := p.scanIdent()
	if err != nil {
		return nil, err
	}

	if !p.schema.HasField(field) {
		return nil, ErrUnknownField.New("%q is not a field of resource %q", field, p.schema.Name)
	}
	if !p.schema.Filterable(field) {
		return nil, ErrDisallowedField.New("filtering on %q is not allowed", field)
	}

	op, err := p.scanOperator()
	if err != nil {
		return nil, err
	}
	for _, disallowed := range p.limits.DisallowedOperators {
		if op == disallowed {
			return nil, ErrDisallowedOperator.New("operator %q is disabled", op)
		}
	}
	if memoryOnly(op) {
		p.sawMemoryOnly = true
	}

	operand, err := p.scanOperand(op)
	if err != nil {
		return nil, err
	}
	if err := p.checkOperand(field, op, &operand); err != nil {
		return nil, err
	}

	p.nodes++
	if p.limits.MaxNodes > 0 && p.nodes > p.limits.MaxNodes {
		return nil, ErrComplexityExceeded.New("atomic node count exceeds limit %d", p.limits.MaxNodes)
	}
	return OpNode{Field: field, Op: op, Operand: operand}, nil
}

// checkOperand validates literal types against the operator and coerces
// literals to the declared field kind.
func (p *parser) checkOperand(field string, op Operator, operand *Operand) error {
	kind, _ := p.schema.FieldKind(field)

	switch op {
	case OpIsNull, OpIsEmpty:
		if !operand.Literal.IsBool() {
			return p.errorf("operator %q requires true or false", "use e.g. "+field+string(op)+"true", op)
		}
		return nil
	case OpLength, OpMinLength, OpMaxLength:
		if !operand.Literal.IsNumber() {
			return p.errorf("operator %q requires a number", "use e.g. "+field+string(op)+"3", op)
		}
		return nil
	case OpLike, OpNotLike, OpILike, OpNILike, OpRegex, OpIRegex,
		OpContains, OpIContains, OpStartsWith, OpIStartsWith, OpEndsWith, OpIEndsWith:
		if !operand.Literal.IsString() {
			return p.errorf("operator %q requires a quoted string", "quote the pattern", op)
		}
		if op == OpRegex || op == OpIRegex {
			pattern := operand.Literal.Str()
			if op == OpIRegex {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return p.errorf("invalid regular expression: %v", "fix the pattern syntax", err)
			}
			operand.re = re
		}
		return nil
	}

	switch operand.shape {
	case shapeLiteral:
		operand.Literal = operand.Literal.Coerce(kind)
	case shapeSet:
		for i := range operand.Set {
			operand.Set[i] = operand.Set[i].Coerce(kind)
		}
	case shapeRange:
		operand.Lo = operand.Lo.Coerce(kind)
		operand.Hi = operand.Hi.Coerce(kind)
	}
	return nil
}

// scanOperator scans the symbolic and =name= operator spellings.
func (p *parser) scanOperator() (Operator, error) {
	p.skipSpace()
	rest := p.rest()
	switch {
	case strings.HasPrefix(rest, "=="):
		p.pos += 2
		return OpEq, nil
	case strings.HasPrefix(rest, "!="):
		p.pos += 2
		return OpNe, nil
	case strings.HasPrefix(rest, "!%="):
		p.pos += 3
		return OpNotLike, nil
	case strings.HasPrefix(rest, "%="):
		p.pos += 2
		return OpLike, nil
	case strings.HasPrefix(rest, "<="):
		p.pos += 2
		return OpLe, nil
	case strings.HasPrefix(rest, ">="):
		p.pos += 2
		return OpGe, nil
	case strings.HasPrefix(rest, "<"):
		p.pos++
		return OpLt, nil
	case strings.HasPrefix(rest, ">"):
		p.pos++
		return OpGt, nil
	case strings.HasPrefix(rest, "="):
		end := strings.Index(rest[1:], "=")
		if end < 0 {
			return "", p.errorf("unterminated operator", "named operators look like =in=")
		}
		name := rest[1 : 1+end]
		op, ok := namedOperators[strings.ToLower(name)]
		if !ok {
			return "", ErrUnknownOperator.New("=%s= is not a known operator", name)
		}
		p.pos += 2 + len(name)
		return op, nil
	}
	return "", p.errorf("expected an operator", "use ==, !=, <, <=, >, >= or a named operator like =in=")
}

func (p *parser) scanOperand(op Operator) (Operand, error) {
	p.skipSpace()
	switch operandShapeOf(op) {
	case shapeSet:
		return p.scanSet(op)
	case shapeRange:
		return p.scanRange(op)
	default:
		literal, err := p.scanLiteral()
		if err != nil {
			return Operand{}, err
		}
		return Operand{shape: shapeLiteral, Literal: literal}, nil
	}
}

func (p *parser) scanSet(op Operator) (Operand, error) {
	if !p.accept("(") {
		return Operand{}, p.errorf("operator %q requires a set", "write "+string(op)+"(v1,v2)", op)
	}
	var values []resource.Value
	for {
		p.skipSpace()
		value, err := p.scanLiteral()
		if err != nil {
			return Operand{}, err
		}
		values = append(values, value)
		p.skipSpace()
		if p.accept(",") {
			continue
		}
		if p.accept(")") {
			break
		}
		return Operand{}, p.errorf("expected ',' or ')' in set", "close the set with ')'")
	}
	return Operand{shape: shapeSet, Set: values}, nil
}

func (p *parser) scanRange(op Operator) (Operand, error) {
	if !p.accept("[") {
		return Operand{}, p.errorf("operator %q requires a range", "write "+string(op)+"[lo,hi]", op)
	}
	p.skipSpace()
	lo, err := p.scanLiteral()
	if err != nil {
		return Operand{}, err
	}
	p.skipSpace()
	if !p.accept(",") {
		return Operand{}, p.errorf("expected ',' in range", "ranges look like [lo,hi]")
	}
	p.skipSpace()
	hi, err := p.scanLiteral()
	if err != nil {
		return Operand{}, err
	}
	p.skipSpace()
	if !p.accept("]") {
		return Operand{}, p.errorf("missing closing bracket", "close the range with ']'")
	}
	return Operand{shape: shapeRange, Lo: lo, Hi: hi}, nil
}

// scanLiteral scans a quoted string, a signed number, or true/false/null.
func (p *parser) scanLiteral() (resource.Value, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return resource.Value{}, p.errorf("expected a value", "add a quoted string, number, true, false or null")
	}

	switch c := p.input[p.pos]; {
	case c == '"' || c == '\'':
		return p.scanQuoted(c)
	case c == '+' || c == '-' || (c >= '0' && c <= '9'):
		return p.scanNumber()
	default:
		word, err := p.scanIdent()
		if err != nil {
			return resource.Value{}, p.errorf("expected a value", "quote string values")
		}
		switch strings.ToLower(word) {
		case "true":
			return resource.BoolValue(true), nil
		case "false":
			return resource.BoolValue(false), nil
		case "null":
			return resource.NullValue(), nil
		default:
			return resource.Value{}, p.errorf("bare word %q is not a value", "quote string values, e.g. \""+word+"\"", word)
		}
	}
}

func (p *parser) scanQuoted(quote byte) (resource.Value, error) {
	start := p.pos
	p.pos++ // opening quote
	var sb strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.input) {
				return resource.Value{}, p.errorAt(start, "unterminated escape", "finish the escape sequence")
			}
			next := p.input[p.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			p.pos += 2
		case quote:
			p.pos++
			return resource.StringValue(sb.String()), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return resource.Value{}, p.errorAt(start, "unterminated string", "close the string with a matching quote")
}

func (p *parser) scanNumber() (resource.Value, error) {
	start := p.pos
	if c := p.input[p.pos]; c == '+' || c == '-' {
		p.pos++
	}
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' ||
			((c == '+' || c == '-') && (p.input[p.pos-1] == 'e' || p.input[p.pos-1] == 'E')) {
			p.pos++
			continue
		}
		break
	}
	num, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return resource.Value{}, p.errorAt(start, "invalid number", "use a decimal number like 42 or -1.5")
	}
	return resource.NumberValue(num), nil
}

func (p *parser) scanIdent() (string, error) {
	start := p.pos
	for p.pos < len(p.input) {
		r, size := utf8.DecodeRuneInString(p.input[p.pos:])
		if r == '_' || unicode.IsLetter(r) || (p.pos > start && unicode.IsDigit(r)) {
			p.pos += size
			continue
		}
		break
	}
	if p.pos == start {
		return "", p.errorf("expected an identifier", "field names start with a letter or underscore")
	}
	return p.input[start:p.pos], nil
}

// acceptConnective consumes one of the spellings of a boolean connective.
// Word spellings are case-insensitive and must end at a word boundary.
func (p *parser) acceptConnective(symbol, symbol2, word string) bool {
	p.skipSpace()
	if p.accept(symbol) || p.accept(symbol2) {
		return true
	}
	rest := p.rest()
	if len(rest) < len(word) || !strings.EqualFold(rest[:len(word)], word) {
		return false
	}
	if len(rest) > len(word) {
		r, _ := utf8.DecodeRuneInString(rest[len(word):])
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	p.pos += len(word)
	return true
}

func (p *parser) accept(prefix string) bool {
	if strings.HasPrefix(p.rest(), prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			break
		}
		p.pos++
	}
}

func (p *parser) rest() string { return p.input[p.pos:] }

func (p *parser) errorf(message, suggestion string, args ...interface{}) error {
	return p.errorAt(p.pos, message, suggestion, args...)
}

func (p *parser) errorAt(pos int, message, suggestion string, args ...interface{}) error {
	return parseErrorAt(pos, p.input[:pos], suggestion, message, args...)
}
