// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package natsjs

import (
	"context"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/herald/logging"
)

// ensureStream creates the stream if it is missing and updates its limits
// if it exists. Subject filters, age, and size limits converge on the
// configured values across restarts.
func ensureStream(ctx context.Context, nc *natsgo.Conn, cfg StreamConfig) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		MaxMsgs:     cfg.MaxMsgs,
		Duplicates:  cfg.DuplicateWindow,
		Replicas:    cfg.Replicas,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	_, err = js.Stream(ctx, cfg.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %q: %w", cfg.Name, err)
		}
		logging.Debug().
			Str("stream", cfg.Name).
			Strs("subjects", cfg.Subjects).
			Msg("Stream updated")
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %q: %w", cfg.Name, err)
		}
		logging.Info().
			Str("stream", cfg.Name).
			Strs("subjects", cfg.Subjects).
			Dur("max_age", cfg.MaxAge).
			Msg("Stream created")
	default:
		return fmt.Errorf("lookup stream %q: %w", cfg.Name, err)
	}

	return nil
}
