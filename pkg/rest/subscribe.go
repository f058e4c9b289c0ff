// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package rest

import (
	"net/http"
	"strconv"

	"github.com/livetable/livetable/pkg/stream"
)

// handleSubscribe upgrades the request to an SSE stream. Everything that
// can be rejected is rejected before the first byte of the stream; after
// that, failures surface as invalidate events, never as HTTP errors.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schema, ok := s.schemaFor(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	filterExpr := query.Get("filter")
	if _, err := s.filters.Get(schema, filterExpr); err != nil {
		s.writeError(w, r, err)
		return
	}

	resumeFrom := int64(0)
	rawResume := query.Get("resumeFrom")
	if rawResume == "" {
		rawResume = r.Header.Get("Last-Event-ID")
	}
	if rawResume != "" {
		parsed, err := strconv.ParseInt(rawResume, 10, 64)
		if err != nil || parsed < 0 {
			s.writeProblem(w, r, newProblem(http.StatusBadRequest, CodeValidation,
				"invalid resume position", "resumeFrom must be a non-negative integer"))
			return
		}
		resumeFrom = parsed
	}

	userID, scopeExpr := s.scopeOf(r)
	err := s.streams.Serve(ctx, w, stream.Request{
		Resource:     schema.Name,
		Filter:       filterExpr,
		ScopeFilter:  scopeExpr,
		UserID:       userID,
		RemoteAddr:   r.RemoteAddr,
		ResumeFrom:   resumeFrom,
		SkipExisting: query.Get("skipExisting") == "true",
		KnownIDs:     splitParam(query.Get("knownIds")),
	})
	if err != nil {
		s.writeError(w, r, err)
	}
}
