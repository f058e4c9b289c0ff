// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/livetable/livetable/pkg/cursor"
	"github.com/livetable/livetable/pkg/mutation"
	"github.com/livetable/livetable/pkg/resource"
)

// Keyset ordering places nulls after every concrete value.
const nullsLast = true

type listResponse struct {
	Items      []map[string]interface{} `json:"items"`
	NextCursor string                   `json:"nextCursor,omitempty"`
	TotalCount *int64                   `json:"totalCount,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	predicate, err := s.requestFilter(r, schema, query.Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := cursor.ParseOrder(schema, query.Get("orderBy"))
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid orderBy", err.Error()))
		return
	}
	limit, ok := s.pageLimit(w, r, query.Get("limit"))
	if !ok {
		return
	}
	selected, includes, ok := s.projection(w, r, schema)
	if !ok {
		return
	}

	// the cursor narrows the page, not the logical result set, so the
	// total is counted against the plain predicate
	basePredicate := predicate
	if token := query.Get("cursor"); token != "" {
		pos, err := s.cursors.Decode(token, order)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		predicate = predicate.And(cursor.Condition(schema, order, pos, nullsLast))
	}

	records, err := s.pipeline.Select(ctx, schema.Name, predicate, order.SQL(schema, nullsLast), limit+1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response := listResponse{Items: []map[string]interface{}{}}
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		next, err := s.cursors.Encode(order, cursor.PositionFromRecord(schema, order, last))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		response.NextCursor = next
	}
	for _, record := range records {
		item, err := s.renderItem(ctx, schema, record, selected, includes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		response.Items = append(response.Items, item)
	}

	if query.Get("totalCount") == "true" {
		total, err := s.pipeline.Count(ctx, schema.Name, basePredicate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		response.TotalCount = &total
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}

	predicate, err := s.requestFilter(r, schema, r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := s.pipeline.Count(ctx, schema.Name, predicate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) pageLimit(w http.ResponseWriter, r *http.Request, raw string) (int, bool) {
	if raw == "" {
		return s.config.DefaultPageSize, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid limit", "limit must be a positive integer"))
		return 0, false
	}
	if limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}
	return limit, true
}

// projection parses the select and include parameters.
func (s *Server) projection(w http.ResponseWriter, r *http.Request, schema *resource.Schema) (selected []string, includes [][]string, ok bool) {
	query := r.URL.Query()

	for _, name := range splitParam(query.Get("select")) {
		if !schema.HasField(name) {
			s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
				"invalid select", "unknown field "+strconv.Quote(name)))
			return nil, nil, false
		}
		selected = append(selected, name)
	}

	includes, err := parseIncludes(s.catalog, schema, query.Get("include"), s.config.MaxIncludeDepth)
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid include", err.Error()))
		return nil, nil, false
	}
	return selected, includes, true
}

// renderItem projects a record and loads its requested relations.
func (s *Server) renderItem(ctx context.Context, schema *resource.Schema, record resource.Record, selected []string, includes [][]string) (map[string]interface{}, error) {
	item := make(map[string]interface{}, len(record))
	if selected == nil {
		for name, value := range record {
			item[name] = value
		}
	} else {
		for _, name := range selected {
			item[name] = record[name]
		}
	}
	for _, path := range includes {
		if err := s.attachInclude(ctx, schema, record, item, path); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (s *Server) attachInclude(ctx context.Context, schema *resource.Schema, record resource.Record, item map[string]interface{}, path []string) error {
	name := path[0]
	relation := schema.Relations[name]

	idValue, ok := record[relation.LocalField]
	if !ok || idValue.IsNull() {
		item[name] = nil
		return nil
	}
	related, err := s.pipeline.Get(ctx, relation.Resource, idValue.Text())
	if err != nil {
		if mutation.ErrNotFound.Has(err) {
			item[name] = nil
			return nil
		}
		return err
	}

	sub, exists := item[name].(map[string]interface{})
	if !exists {
		sub = make(map[string]interface{}, len(related))
		for fieldName, value := range related {
			sub[fieldName] = value
		}
		item[name] = sub
	}
	if len(path) > 1 {
		relatedSchema, err := s.catalog.Get(relation.Resource)
		if err != nil {
			return err
		}
		return s.attachInclude(ctx, relatedSchema, related, sub, path[1:])
	}
	return nil
}

// parseIncludes validates comma-separated dot paths against declared
// relations, bounding depth and rejecting cyclic paths.
func parseIncludes(catalog *resource.Catalog, schema *resource.Schema, raw string, maxDepth int) ([][]string, error) {
	var includes [][]string
	for _, spec := range splitParam(raw) {
		path := splitPath(spec)
		if len(path) > maxDepth {
			return nil, Error.New("include %q exceeds maximum depth %d", spec, maxDepth)
		}
		current := schema
		visited := map[string]bool{schema.Name: true}
		for _, name := range path {
			relation, ok := current.Relations[name]
			if !ok {
				return nil, Error.New("resource %q has no relation %q", current.Name, name)
			}
			if visited[relation.Resource] {
				return nil, Error.New("include %q is cyclic", spec)
			}
			visited[relation.Resource] = true
			next, err := catalog.Get(relation.Resource)
			if err != nil {
				return nil, err
			}
			current = next
		}
		includes = append(includes, path)
	}
	return includes, nil
}

func splitParam(raw string) []string {
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func splitPath(spec string) []string {
	var parts []string
	for _, part := range strings.Split(spec, ".") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
