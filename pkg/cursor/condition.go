// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package cursor

import (
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
)

// Condition expands a position into the keyset predicate selecting every
// row strictly after it under the order. The result is a regular filter,
// so it participates in both SQL querying and in-memory cross-checks.
//
// The shape is the lexicographic tuple expansion: one branch per sort
// field requiring equality on all earlier fields and strict advance on
// this one, plus a final branch advancing the primary key tie-breaker.
func Condition(schema *resource.Schema, order Order, pos Position, nullsLast bool) *filter.Filter {
	var branches []filter.Node
	var equals []filter.Node

	for _, field := range order {
		kind, _ := schema.FieldKind(field.Field)
		value := pos.SortKey[field.Field].Coerce(kind)

		if after := afterNode(field, value, nullsLast); after != nil {
			branch := append(append([]filter.Node{}, equals...), after)
			branches = append(branches, filter.AllOf(branch...))
		}
		equals = append(equals, equalNode(field.Field, value))
	}

	tieBreaker := filter.Comparison(schema.PrimaryKey, filter.OpGt, resource.StringValue(pos.ID))
	branch := append(append([]filter.Node{}, equals...), filter.Node(tieBreaker))
	branches = append(branches, filter.AllOf(branch...))

	return filter.FromNode(schema, filter.AnyOf(branches...))
}

// afterNode matches rows whose value for the field sorts strictly after
// the cursor value. A nil result means no row can advance on this field
// alone, which happens when the cursor sits in the trailing null region.
func afterNode(field OrderField, value resource.Value, nullsLast bool) filter.Node {
	op := filter.OpGt
	if field.Dir == Desc {
		op = filter.OpLt
	}

	if value.IsNull() {
		if nullsLast {
			// nulls are the final region, nothing follows on this field
			return nil
		}
		return filter.NullCheck(field.Field, false)
	}

	cmp := filter.Comparison(field.Field, op, value)
	if nullsLast {
		return filter.AnyOf(cmp, filter.NullCheck(field.Field, true))
	}
	return cmp
}

func equalNode(field string, value resource.Value) filter.Node {
	if value.IsNull() {
		return filter.NullCheck(field, true)
	}
	return filter.Comparison(field, filter.OpEq, value)
}
