// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package serve runs the bridge's HTTP listeners.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Endpoint remembers the listener a server was bound to.
type Endpoint struct {
	mu sync.Mutex
	ln net.Listener
}

// Bind listens on addr. Port 0 picks a free port; Addr reports it.
func (e *Endpoint) Bind(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()
	return ln, nil
}

// Addr returns the bound address, or "" before Bind.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Run serves srv on ln until ctx is done or Serve fails. On cancellation srv
// gets timeout to finish in-flight requests. Events are logged as
// <name>_starting, <name>_stopped and <name>_shutdown_error.
func Run(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, name string, logger *slog.Logger) error {
	logger.Info(name+"_starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(name+"_shutdown_error", slog.String("error", err.Error()))
		return err
	}

	logger.Info(name + "_stopped")
	return nil
}
