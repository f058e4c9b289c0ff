// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/livetable/livetable/pkg/resource"
)

type aggregateGroup struct {
	Group map[string]resource.Value `json:"group,omitempty"`
	Count int64                     `json:"count"`

	Sum map[string]float64        `json:"sum,omitempty"`
	Avg map[string]float64        `json:"avg,omitempty"`
	Min map[string]resource.Value `json:"min,omitempty"`
	Max map[string]resource.Value `json:"max,omitempty"`
}

type aggregateRequest struct {
	groupBy  string
	sum, avg []string
	min, max []string
}

// handleAggregate groups matching rows and computes the requested
// aggregations. Null values do not contribute to any aggregate.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}

	agg, ok := s.aggregateParams(w, r, schema)
	if !ok {
		return
	}
	predicate, err := s.requestFilter(r, schema, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.pipeline.Select(ctx, schema.Name, predicate, "", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	grouped := map[string][]resource.Record{}
	var keys []string
	for _, record := range records {
		key := ""
		if agg.groupBy != "" {
			key = record[agg.groupBy].Text()
		}
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], record)
	}
	sort.Strings(keys)

	groups := []aggregateGroup{}
	for _, key := range keys {
		rows := grouped[key]
		group := aggregateGroup{Count: int64(len(rows))}
		if agg.groupBy != "" {
			group.Group = map[string]resource.Value{agg.groupBy: rows[0][agg.groupBy]}
		}
		for _, field := range agg.sum {
			group.setSum(field, rows)
		}
		for _, field := range agg.avg {
			group.setAvg(field, rows)
		}
		for _, field := range agg.min {
			group.setExtreme(field, rows, true)
		}
		for _, field := range agg.max {
			group.setExtreme(field, rows, false)
		}
		groups = append(groups, group)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

func (s *Server) aggregateParams(w http.ResponseWriter, r *http.Request, schema *resource.Schema) (aggregateRequest, bool) {
	query := r.URL.Query()
	agg := aggregateRequest{
		groupBy: query.Get("groupBy"),
		sum:     splitParam(query.Get("sum")),
		avg:     splitParam(query.Get("avg")),
		min:     splitParam(query.Get("min")),
		max:     splitParam(query.Get("max")),
	}

	reject := func(detail string) (aggregateRequest, bool) {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid aggregation", detail))
		return aggregateRequest{}, false
	}

	if agg.groupBy != "" && !schema.HasField(agg.groupBy) {
		return reject("unknown groupBy field " + strconv.Quote(agg.groupBy))
	}
	for _, field := range append(append([]string{}, agg.sum...), agg.avg...) {
		kind, ok := schema.FieldKind(field)
		if !ok {
			return reject("unknown field " + strconv.Quote(field))
		}
		if kind != resource.KindNumber {
			return reject("field " + strconv.Quote(field) + " is not numeric")
		}
	}
	for _, field := range append(append([]string{}, agg.min...), agg.max...) {
		if !schema.HasField(field) {
			return reject("unknown field " + strconv.Quote(field))
		}
	}
	return agg, true
}

func (g *aggregateGroup) setSum(field string, rows []resource.Record) {
	if g.Sum == nil {
		g.Sum = map[string]float64{}
	}
	var sum float64
	for _, row := range rows {
		if value := row[field]; !value.IsNull() {
			sum += value.Num()
		}
	}
	g.Sum[field] = sum
}

func (g *aggregateGroup) setAvg(field string, rows []resource.Record) {
	if g.Avg == nil {
		g.Avg = map[string]float64{}
	}
	var sum float64
	var n int
	for _, row := range rows {
		if value := row[field]; !value.IsNull() {
			sum += value.Num()
			n++
		}
	}
	if n > 0 {
		g.Avg[field] = sum / float64(n)
	} else {
		g.Avg[field] = 0
	}
}

func (g *aggregateGroup) setExtreme(field string, rows []resource.Record, min bool) {
	var best resource.Value
	found := false
	for _, row := range rows {
		value := row[field]
		if value.IsNull() {
			continue
		}
		if !found || (min && lessValue(value, best)) || (!min && lessValue(best, value)) {
			best, found = value, true
		}
	}
	if !found {
		return
	}
	if min {
		if g.Min == nil {
			g.Min = map[string]resource.Value{}
		}
		g.Min[field] = best
	} else {
		if g.Max == nil {
			g.Max = map[string]resource.Value{}
		}
		g.Max[field] = best
	}
}

func lessValue(a, b resource.Value) bool {
	switch {
	case a.IsNumber() && b.IsNumber():
		return a.Num() < b.Num()
	case a.IsTime() && b.IsTime():
		return a.Time().Before(b.Time())
	case a.IsBool() && b.IsBool():
		return !a.Bool() && b.Bool()
	default:
		return a.Text() < b.Text()
	}
}
