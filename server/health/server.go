// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and broker readiness for orchestrators.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/mqtt-service/bridge"
	"github.com/absmach/mqtt-service/internal/serve"
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// SessionState reports the broker session state. *bridge.Session implements it.
type SessionState interface {
	State() bridge.State
}

// Status is the body of both endpoints. Broker is omitted on /health.
type Status struct {
	Status  string `json:"status"`
	Broker  string `json:"broker,omitempty"`
	Details string `json:"details,omitempty"`
}

// Server answers GET /health while the process runs and GET /ready while the
// broker link is up.
type Server struct {
	config   Config
	session  SessionState
	logger   *slog.Logger
	server   *http.Server
	endpoint serve.Endpoint
}

func New(cfg Config, session SessionState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:  cfg,
		session: session,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's address, or "" before Listen.
func (s *Server) Addr() string {
	return s.endpoint.Addr()
}

// Listen serves the health endpoints until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := s.endpoint.Bind(s.config.Address)
	if err != nil {
		return err
	}
	return serve.Run(ctx, s.server, ln, s.config.ShutdownTimeout, "health", s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, Status{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeStatus(w, http.StatusServiceUnavailable, Status{
			Status:  "not_ready",
			Broker:  "unknown",
			Details: "broker session not initialized",
		})
		return
	}

	state := s.session.State()
	if state != bridge.StateConnected {
		writeStatus(w, http.StatusServiceUnavailable, Status{
			Status:  "not_ready",
			Broker:  state.String(),
			Details: "broker link is not connected",
		})
		return
	}

	writeStatus(w, http.StatusOK, Status{Status: "ready", Broker: state.String()})
}

func writeStatus(w http.ResponseWriter, code int, st Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(st)
}
