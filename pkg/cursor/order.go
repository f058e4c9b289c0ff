// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package cursor implements signed keyset pagination: opaque tokens that
// bind a sort order to a position and expand into a filter condition
// selecting everything strictly after that position.
package cursor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zeebo/errs"

	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
)

// Error is the cursor error class.
var Error = errs.Class("cursor")

// Direction is a sort direction.
type Direction string

// Sort directions.
const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderField is one element of an orderBy list.
type OrderField struct {
	Field string
	Dir   Direction
}

// Order is a parsed orderBy list. The primary key tie-breaker is implicit
// and always ascending; it is not part of the list.
type Order []OrderField

// ParseOrder parses a comma-separated orderBy parameter. Each element is
// "field", "field:asc", "field:desc" or "-field". Fields must exist in the
// schema; the primary key may not be listed because it is the implicit
// tie-breaker.
func ParseOrder(schema *resource.Schema, spec string) (Order, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}

	var order Order
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, Error.New("empty orderBy element")
		}

		field := part
		dir := Asc
		switch {
		case strings.HasPrefix(part, "-"):
			field, dir = part[1:], Desc
		case strings.Contains(part, ":"):
			name, suffix, _ := strings.Cut(part, ":")
			field = name
			switch strings.ToLower(suffix) {
			case "asc":
				dir = Asc
			case "desc":
				dir = Desc
			default:
				return nil, Error.New("unknown sort direction %q", suffix)
			}
		}

		if field == schema.PrimaryKey {
			return nil, Error.New("primary key %q is the implicit tie-breaker and cannot be ordered explicitly", field)
		}
		if !schema.HasField(field) {
			return nil, Error.New("unknown orderBy field %q", field)
		}
		for _, existing := range order {
			if existing.Field == field {
				return nil, Error.New("duplicate orderBy field %q", field)
			}
		}
		order = append(order, OrderField{Field: field, Dir: dir})
	}
	return order, nil
}

// String returns the canonical form of the order, stable across
// equivalent spellings of the same orderBy parameter.
func (order Order) String() string {
	parts := make([]string, 0, len(order))
	for _, field := range order {
		parts = append(parts, field.Field+":"+string(field.Dir))
	}
	return strings.Join(parts, ",")
}

// Hash returns a short digest of the canonical order, stored in cursors so
// a cursor minted under one orderBy is rejected under another.
func (order Order) Hash() string {
	sum := sha256.Sum256([]byte(order.String()))
	return hex.EncodeToString(sum[:8])
}

// SQL returns the ORDER BY clause body for the order, including the
// primary key tie-breaker.
func (order Order) SQL(schema *resource.Schema, nullsLast bool) string {
	var sb strings.Builder
	for _, field := range order {
		sb.WriteString(filter.QuoteIdent(field.Field))
		if field.Dir == Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
		if nullsLast {
			sb.WriteString(" NULLS LAST")
		} else {
			sb.WriteString(" NULLS FIRST")
		}
		sb.WriteString(", ")
	}
	sb.WriteString(filter.QuoteIdent(schema.PrimaryKey))
	sb.WriteString(" ASC")
	return sb.String()
}

// Compare orders two records under the order plus the implicit primary key
// tie-breaker. It returns a negative number when a sorts before b.
func Compare(schema *resource.Schema, order Order, nullsLast bool, a, b resource.Record) int {
	for _, field := range order {
		kind, _ := schema.FieldKind(field.Field)
		av := a[field.Field].Coerce(kind)
		bv := b[field.Field].Coerce(kind)

		if av.IsNull() || bv.IsNull() {
			if av.IsNull() == bv.IsNull() {
				continue
			}
			aNull := av.IsNull()
			// null placement ignores direction
			if aNull == nullsLast {
				return 1
			}
			return -1
		}

		cmp := compareScalar(av, bv)
		if cmp == 0 {
			continue
		}
		if field.Dir == Desc {
			return -cmp
		}
		return cmp
	}
	return strings.Compare(a.ID(schema), b.ID(schema))
}

func compareScalar(a, b resource.Value) int {
	switch {
	case a.IsNumber() && b.IsNumber():
		switch {
		case a.Num() < b.Num():
			return -1
		case a.Num() > b.Num():
			return 1
		}
		return 0
	case a.IsTime() && b.IsTime():
		switch {
		case a.Time().Before(b.Time()):
			return -1
		case a.Time().After(b.Time()):
			return 1
		}
		return 0
	case a.IsBool() && b.IsBool():
		switch {
		case !a.Bool() && b.Bool():
			return -1
		case a.Bool() && !b.Bool():
			return 1
		}
		return 0
	default:
		return strings.Compare(a.Text(), b.Text())
	}
}
