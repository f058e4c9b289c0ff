// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the filter error class.
var Error = errs.Class("filter")

var (
	// ErrUnknownField is returned when an expression references a field the
	// schema does not declare.
	ErrUnknownField = errs.Class("unknown field")
	// ErrUnknownOperator is returned for operators outside the closed set.
	ErrUnknownOperator = errs.Class("unknown operator")
	// ErrDisallowedField is returned when a field is excluded by the
	// schema's filter allow-list.
	ErrDisallowedField = errs.Class("disallowed field")
	// ErrDisallowedOperator is returned when an operator is disabled by
	// configuration.
	ErrDisallowedOperator = errs.Class("disallowed operator")
	// ErrComplexityExceeded is returned when an expression exceeds the
	// configured length, depth or node limits.
	ErrComplexityExceeded = errs.Class("complexity exceeded")
)

// ParseError describes a syntax error with its byte position, the part of
// the expression parsed so far, and a remedy suggestion.
type ParseError struct {
	Pos         int
	Message     string
	ParsedSoFar string
	Suggestion  string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

func parseErrorAt(pos int, parsed, suggestion, format string, args ...interface{}) error {
	return &ParseError{
		Pos:         pos,
		Message:     fmt.Sprintf(format, args...),
		ParsedSoFar: parsed,
		Suggestion:  suggestion,
	}
}
