// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package rest exposes catalogued resources over HTTP: list with keyset
// pagination, single and batch mutations with the confirm protocol, and
// SSE subscription streams.
package rest

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetable/livetable/pkg/confirm"
	"github.com/livetable/livetable/pkg/cursor"
	"github.com/livetable/livetable/pkg/filter"
	"github.com/livetable/livetable/pkg/mutation"
	"github.com/livetable/livetable/pkg/resource"
	"github.com/livetable/livetable/pkg/stream"
)

var (
	mon = monkit.Package()

	// Error is the rest error class.
	Error = errs.Class("rest")
)

// Config configures the HTTP server.
type Config struct {
	Address string

	DefaultPageSize int
	MaxPageSize     int
	MaxIncludeDepth int
	DebugErrors     bool
}

func (config Config) withDefaults() Config {
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 50
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 500
	}
	if config.MaxIncludeDepth <= 0 {
		config.MaxIncludeDepth = 3
	}
	return config
}

// Scope derives per-request identity and an implicit row filter, typically
// from auth middleware. The scope filter is conjoined with the client's
// filter everywhere: lists, mutations and streams.
type Scope func(r *http.Request) (userID, scopeFilter string)

// Server is the HTTP front of the framework.
type Server struct {
	log      *zap.Logger
	catalog  *resource.Catalog
	pipeline *mutation.Pipeline
	streams  *stream.Manager
	cursors  *cursor.Codec
	confirms *confirm.Manager
	filters  *filter.Cache
	scope    Scope
	config   Config

	router *mux.Router
}

// NewServer wires the HTTP surface.
func NewServer(log *zap.Logger, catalog *resource.Catalog, pipeline *mutation.Pipeline, streams *stream.Manager, cursors *cursor.Codec, confirms *confirm.Manager, filters *filter.Cache, config Config) *Server {
	s := &Server{
		log:      log,
		catalog:  catalog,
		pipeline: pipeline,
		streams:  streams,
		cursors:  cursors,
		confirms: confirms,
		filters:  filters,
		config:   config.withDefaults(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/{resource}/count", s.handleCount).Methods(http.MethodGet)
	router.HandleFunc("/{resource}/aggregate", s.handleAggregate).Methods(http.MethodGet)
	router.HandleFunc("/{resource}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	router.HandleFunc("/{resource}/batch", s.handleBatch).
		Methods(http.MethodPost, http.MethodPatch, http.MethodDelete)
	router.HandleFunc("/{resource}/{id}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/{resource}/{id}", s.handleUpdate).Methods(http.MethodPatch)
	router.HandleFunc("/{resource}/{id}", s.handleReplace).Methods(http.MethodPut)
	router.HandleFunc("/{resource}/{id}", s.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/{resource}", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/{resource}", s.handleCreate).Methods(http.MethodPost)
	s.router = router

	return s
}

// SetScope installs the request scope hook. Without one, requests carry no
// user identity and no implicit filter.
func (s *Server) SetScope(scope Scope) { s.scope = scope }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("http server starting", zap.String("address", listener.Addr().String()))

	server := &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		err := server.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// schemaFor resolves the resource named in the route.
func (s *Server) schemaFor(w http.ResponseWriter, r *http.Request) (*resource.Schema, bool) {
	name := mux.Vars(r)["resource"]
	schema, err := s.catalog.Get(name)
	if err != nil {
		s.writeProblem(w, r, newProblem(http.StatusNotFound, CodeNotFound,
			"unknown resource", "no resource named "+name))
		return nil, false
	}
	return schema, true
}

// requestFilter compiles the client filter conjoined with the scope filter.
func (s *Server) requestFilter(r *http.Request, schema *resource.Schema, expr string) (*filter.Filter, error) {
	compiled, err := s.filters.Get(schema, expr)
	if err != nil {
		return nil, err
	}
	_, scopeExpr := s.scopeOf(r)
	if scopeExpr != "" {
		scope, err := s.filters.Get(schema, scopeExpr)
		if err != nil {
			return nil, err
		}
		compiled = compiled.And(scope)
	}
	return compiled, nil
}

func (s *Server) scopeOf(r *http.Request) (userID, scopeFilter string) {
	if s.scope == nil {
		return "", ""
	}
	return s.scope(r)
}
