// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/livetable/livetable/pkg/confirm"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/resource"
)

// Confirm protocol headers.
const (
	HeaderConfirmToken  = "X-Confirm-Token"
	HeaderConfirmBypass = "X-Confirm-Bypass"

	confirmBypassValue = "dangerously"
)

type dryRunResponse struct {
	Count        int               `json:"count"`
	SampleIDs    []string          `json:"sampleIds"`
	SampleItems  []resource.Record `json:"sampleItems"`
	ConfirmToken string            `json:"confirmToken"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type batchResponse struct {
	Count int               `json:"count"`
	Items []resource.Record `json:"items,omitempty"`
}

// handleBatch serves batch create, update and delete. Updates and deletes
// are guarded by the dry-run/confirm protocol.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handleBatchCreate(w, r)
		return
	}

	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	filterExpr := query.Get("filter")
	predicate, err := s.requestFilter(r, schema, filterExpr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	op := confirm.OpBatchUpdate
	var partial resource.Record
	if r.Method == http.MethodDelete {
		op = confirm.OpBatchDelete
	} else {
		partial, ok = s.decodeRecord(w, r, schema)
		if !ok {
			return
		}
	}

	if query.Get("dryRun") == "true" {
		s.handleDryRun(w, r, op, schema, filterExpr, predicate)
		return
	}

	affected, err := s.pipeline.AffectedIDs(ctx, schema.Name, predicate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(affected) > s.confirms.MaxAffected() {
		s.writeError(w, r, confirm.ErrLimitExceeded.New(
			"%d records exceed the limit of %d", len(affected), s.confirms.MaxAffected()))
		return
	}

	if !s.confirmed(w, r, op, schema.Name, filterExpr, affected) {
		return
	}

	switch op {
	case confirm.OpBatchDelete:
		deleted, err := s.pipeline.BatchDelete(ctx, schema.Name, predicate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, batchResponse{Count: len(deleted)})
	default:
		changes, err := s.pipeline.BatchUpdate(ctx, schema.Name, predicate, partial)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		response := batchResponse{Count: len(changes)}
		for _, change := range changes {
			response.Items = append(response.Items, change.After)
		}
		s.writeJSON(w, http.StatusOK, response)
	}
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request, op confirm.Operation, schema *resource.Schema, filterExpr string, predicate *filter.Filter) {
	ctx := r.Context()

	affected, err := s.pipeline.AffectedIDs(ctx, schema.Name, predicate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, expiresAt, err := s.confirms.Issue(op, schema.Name, filterExpr, affected)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response := dryRunResponse{
		Count:        len(affected),
		SampleIDs:    confirm.Sample(affected, confirm.SampleSize),
		SampleItems:  []resource.Record{},
		ConfirmToken: token,
		ExpiresAt:    expiresAt,
	}
	for _, id := range response.SampleIDs {
		record, err := s.pipeline.Get(ctx, schema.Name, id)
		if err != nil {
			continue // deleted since the id scan, the token still covers it
		}
		response.SampleItems = append(response.SampleItems, record)
	}
	s.writeJSON(w, http.StatusOK, response)
}

// confirmed enforces the confirm token unless the caller explicitly and
// audibly bypasses it.
func (s *Server) confirmed(w http.ResponseWriter, r *http.Request, op confirm.Operation, resourceName, filterExpr string, affected []string) bool {
	if r.Header.Get(HeaderConfirmBypass) == confirmBypassValue {
		userID, _ := s.scopeOf(r)
		s.log.Warn("confirm protocol bypassed",
			zap.String("resource", resourceName),
			zap.String("operation", string(op)),
			zap.String("filter", filterExpr),
			zap.String("user", userID),
			zap.String("remote", r.RemoteAddr),
			zap.Int("affected", len(affected)))
		return true
	}

	token := r.Header.Get(HeaderConfirmToken)
	if token == "" {
		s.writeProblem(w, r, newProblem(http.StatusPreconditionRequired, CodePrecond,
			"confirm token required",
			"run the request with dryRun=true and supply the returned token"))
		return false
	}
	attested, err := s.confirms.Verify(token, op, resourceName, filterExpr)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if err := s.confirms.CheckAffected(attested, affected); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"unreadable request body", err.Error()))
		return
	}
	var raw struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
			"invalid batch body", err.Error()))
		return
	}

	records := make([]resource.Record, 0, len(raw.Items))
	for _, item := range raw.Items {
		record, err := resource.DecodeRecordJSON(schema, item)
		if err != nil {
			s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
				"invalid record in batch", err.Error()))
			return
		}
		records = append(records, record)
	}

	created, err := s.pipeline.BatchCreate(ctx, schema.Name, records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, batchResponse{Count: len(created), Items: created})
}
