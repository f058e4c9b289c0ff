// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/livetable/livetable/pkg/confirm"
	"github.com/livetable/livetable/pkg/cursor"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/mutation"
	"github.com/livetable/livetable/pkg/stream"
)

// Stable machine-readable problem codes. Clients switch on these without
// parsing detail strings.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeFilterParse = "FILTER_PARSE_ERROR"
	CodeFilter      = "FILTER_INVALID"
	CodeCursor      = "CURSOR_INVALID"
	CodeCursorAge   = "CURSOR_EXPIRED"
	CodePrecond     = "PRECONDITION_FAILED"
	CodeIdempotency = "IDEMPOTENCY_MISMATCH"
	CodeBatchLimit  = "BATCH_LIMIT_EXCEEDED"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL_ERROR"
)

// Problem is an RFC 7807 style error document.
type Problem struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Code     string                 `json:"code"`
	Instance string                 `json:"instance,omitempty"`
	Errors   map[string]interface{} `json:"errors,omitempty"`
	Debug    string                 `json:"debug,omitempty"`
}

func newProblem(status int, code, title, detail string) Problem {
	return Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	}
}

// problemFromError maps internal error classes onto problem documents.
// Unrecognised errors become opaque 500s; detail stays in Debug so it only
// leaves the process when debug responses are enabled.
func problemFromError(err error) Problem {
	if parseErr, ok := asParseError(err); ok {
		problem := newProblem(http.StatusBadRequest, CodeFilterParse,
			"filter expression does not parse", parseErr.Error())
		problem.Errors = map[string]interface{}{
			"position":    parseErr.Pos,
			"parsedSoFar": parseErr.ParsedSoFar,
			"suggestion":  parseErr.Suggestion,
		}
		return problem
	}

	switch {
	case filter.ErrUnknownField.Has(err),
		filter.ErrUnknownOperator.Has(err),
		filter.ErrDisallowedField.Has(err),
		filter.ErrDisallowedOperator.Has(err),
		filter.ErrComplexityExceeded.Has(err):
		return newProblem(http.StatusBadRequest, CodeFilter,
			"filter expression rejected", err.Error())

	case cursor.ErrExpired.Has(err):
		return newProblem(http.StatusBadRequest, CodeCursorAge,
			"cursor expired, restart pagination", err.Error())
	case cursor.ErrMalformed.Has(err),
		cursor.ErrVersionMismatch.Has(err),
		cursor.ErrOrderByMismatch.Has(err),
		cursor.ErrTampered.Has(err):
		return newProblem(http.StatusBadRequest, CodeCursor,
			"cursor rejected, restart pagination", err.Error())

	case mutation.ErrNotFound.Has(err):
		return newProblem(http.StatusNotFound, CodeNotFound,
			"record not found", err.Error())
	case mutation.ErrConflict.Has(err):
		return newProblem(http.StatusConflict, CodeConflict,
			"record conflicts with existing data", err.Error())
	case mutation.ErrValidation.Has(err):
		return newProblem(http.StatusBadRequest, CodeValidation,
			"request failed validation", err.Error())

	case confirm.ErrIdempotencyMismatch.Has(err):
		return newProblem(http.StatusConflict, CodeIdempotency,
			"affected set changed since the token was issued", err.Error())
	case confirm.ErrLimitExceeded.Has(err):
		return newProblem(http.StatusUnprocessableEntity, CodeBatchLimit,
			"batch affects too many records", err.Error())
	case confirm.ErrInvalidSignature.Has(err),
		confirm.ErrExpired.Has(err),
		confirm.ErrOperationMismatch.Has(err),
		confirm.ErrFilterMismatch.Has(err):
		return newProblem(http.StatusPreconditionFailed, CodePrecond,
			"confirm token rejected, redo the dry run", err.Error())

	case stream.ErrLimitReached.Has(err):
		return newProblem(http.StatusTooManyRequests, CodeRateLimited,
			"too many open streams", err.Error())
	}

	problem := newProblem(http.StatusInternalServerError, CodeInternal,
		"internal error", "")
	problem.Debug = err.Error()
	return problem
}

func asParseError(err error) (*filter.ParseError, bool) {
	var parseErr *filter.ParseError
	if errors.As(err, &parseErr) {
		return parseErr, true
	}
	return nil, false
}

func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, problem Problem) {
	problem.Instance = r.URL.Path
	if !s.config.DebugErrors {
		problem.Debug = ""
	}
	if problem.Status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", problem.Code),
			zap.String("detail", problem.Detail))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		s.log.Warn("problem write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeProblem(w, r, problemFromError(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response write failed", zap.Error(err))
	}
}
