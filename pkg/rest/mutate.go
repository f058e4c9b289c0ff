// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/livetable/livetable/pkg/resource"
)

// maxBodyBytes bounds mutation request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	selected, includes, ok := s.projection(w, r, schema)
	if !ok {
		return
	}

	record, err := s.pipeline.Get(ctx, schema.Name, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.inScope(w, r, schema, record) {
		return
	}
	item, err := s.renderItem(ctx, schema, record, selected, includes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	record, ok := s.decodeRecord(w, r, schema)
	if !ok {
		return
	}

	created, err := s.pipeline.Create(ctx, schema.Name, record)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	partial, ok := s.decodeRecord(w, r, schema)
	if !ok {
		return
	}
	if !s.scopedTarget(w, r, schema) {
		return
	}

	updated, err := s.pipeline.Update(ctx, schema.Name, mux.Vars(r)["id"], partial)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	full, ok := s.decodeRecord(w, r, schema)
	if !ok {
		return
	}
	if !s.scopedTarget(w, r, schema) {
		return
	}

	replaced, err := s.pipeline.Replace(ctx, schema.Name, mux.Vars(r)["id"], full)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, replaced)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	if !s.scopedTarget(w, r, schema) {
		return
	}

	deleted, err := s.pipeline.Delete(ctx, schema.Name, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleted)
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request, schema *resource.Schema) (resource.Record, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"unreadable request body", err.Error()))
		return nil, false
	}
	record, err := resource.DecodeRecordJSON(schema, body)
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid record body", err.Error()))
		return nil, false
	}
	return record, true
}

// scopedTarget enforces the scope filter on single-record mutations: the
// record must exist and be in scope before it may be touched. Out-of-scope
// records read, and therefore mutate, as absent.
func (s *Server) scopedTarget(w http.ResponseWriter, r *http.Request, schema *resource.Schema) bool {
	if _, scopeExpr := s.scopeOf(r); scopeExpr == "" {
		return true
	}
	record, err := s.pipeline.Get(r.Context(), schema.Name, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	return s.inScope(w, r, schema, record)
}

// inScope enforces the scope filter on single-record reads.
func (s *Server) inScope(w http.ResponseWriter, r *http.Request, schema *resource.Schema, record resource.Record) bool {
	_, scopeExpr := s.scopeOf(r)
	if scopeExpr == "" {
		return true
	}
	scope, err := s.filters.Get(schema, scopeExpr)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if !scope.Evaluate(record) {
		s.writeProblem(w, r, newProblem(http.StatusNotFound, CodeNotFound,
			"record not found", "no record "+mux.Vars(r)["id"]))
		return false
	}
	return true
}
