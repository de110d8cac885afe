// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package natsjs

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/tomtom215/herald/logging"
)

// EmbeddedServer runs a NATS server with JetStream inside the process.
type EmbeddedServer struct {
	srv *server.Server
	cfg ServerConfig
}

// StartEmbeddedServer boots an in-process NATS server and blocks until it
// accepts connections or the ready timeout elapses.
func StartEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	cfg = cfg.withDefaults()

	opts := &server.Options{
		ServerName:         cfg.Name,
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		DontListen:         false,
		MaxPayload:         cfg.MaxPayload,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	srv.ConfigureLogger()
	go srv.Start()

	if !srv.ReadyForConnections(cfg.ReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", cfg.ReadyTimeout)
	}

	if !srv.JetStreamEnabled() {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server started without jetstream")
	}

	logging.Info().
		Str("url", srv.ClientURL()).
		Str("store_dir", cfg.StoreDir).
		Msg("Embedded NATS server ready")

	return &EmbeddedServer{srv: srv, cfg: cfg}, nil
}

// ClientURL returns the URL clients should connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.srv.ClientURL()
}

// Running reports whether the server is accepting connections.
func (s *EmbeddedServer) Running() bool {
	return s.srv.Running()
}

// Shutdown stops the server and waits for it to finish, up to timeout.
func (s *EmbeddedServer) Shutdown(timeout time.Duration) error {
	s.srv.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Msg("Embedded NATS server stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("embedded nats server shutdown timed out after %s", timeout)
	}
}
