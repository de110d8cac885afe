// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package ops serves the operational HTTP surface: liveness and readiness
// probes plus the Prometheus scrape endpoint. It is deliberately separate
// from any application traffic; bind it to an internal address.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
)

// Config holds ops server settings.
type Config struct {
	// Addr is the listen address as host:port.
	Addr string

	// ReadTimeout and WriteTimeout bound each request.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown once Serve's context ends.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults bound to localhost.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:9090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the ops HTTP server. It implements suture's Service contract via
// Serve, so the Bus runs it under its supervision tree.
type Server struct {
	cfg     Config
	checker *health.Checker
	srv     *http.Server
}

// New creates an ops server reporting readiness from checker.
func New(cfg Config, checker *health.Checker) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{cfg: cfg, checker: checker}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleLive)
	r.Get("/readyz", s.handleReady)
	r.Get("/readyz/{component}", s.handleReadyComponent)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// handleLive answers liveness probes: the process serves, so it is alive.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady answers readiness probes by folding every registered
// component. Degraded still reports ready: the Bus serves traffic while a
// breaker recovers or a broker reconnects.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	overall := s.checker.CheckAll(r.Context())

	status := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, overall)
}

// handleReadyComponent reports one component by name.
func (s *Server) handleReadyComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	ch := s.checker.Check(r.Context(), name)

	status := http.StatusOK
	if !ch.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, ch)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("ops response write failed")
	}
}

// Serve runs the listener until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("Ops server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	logging.Info().Msg("Ops server stopped")
	return ctx.Err()
}

// Handler exposes the router for embedding the ops surface into an existing
// server instead of running a second listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
