// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package process

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"
)

var debugAddr = flag.String("debug.addr", "127.0.0.1:0", "address to listen on for debug endpoints, empty disables them")

// StartDebug serves pprof, monkit and health endpoints in the background
// until ctx is cancelled.
func StartDebug(ctx context.Context, log *zap.Logger) error {
	if *debugAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/mon/", http.StripPrefix("/mon", present.HTTP(monkit.Default)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	})

	listener, err := net.Listen("tcp", *debugAddr)
	if err != nil {
		return Error.Wrap(err)
	}
	server := &http.Server{Handler: mux}

	go func() {
		log.Debug("debug server listening", zap.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("debug server died", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return nil
}
