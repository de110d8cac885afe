// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestInitAndLevels(t *testing.T) {
	t.Run("parse level", func(t *testing.T) {
		cases := map[string]zerolog.Level{
			"trace":    zerolog.TraceLevel,
			"debug":    zerolog.DebugLevel,
			"info":     zerolog.InfoLevel,
			"warn":     zerolog.WarnLevel,
			"warning":  zerolog.WarnLevel,
			"error":    zerolog.ErrorLevel,
			"fatal":    zerolog.FatalLevel,
			"disabled": zerolog.Disabled,
			"garbage":  zerolog.InfoLevel,
			"":         zerolog.InfoLevel,
		}
		for input, want := range cases {
			if got := parseLevel(input); got != want {
				t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
			}
		}
	})

	t.Run("structured output", func(t *testing.T) {
		var buf bytes.Buffer
		Init(Config{Level: "debug", Format: "json", Output: &buf, Timestamp: false})
		defer Init(DefaultConfig())

		Info().Str("subject", "orders.created").Msg("subscribed")

		out := buf.String()
		if !strings.Contains(out, `"subject":"orders.created"`) {
			t.Errorf("output missing field: %s", out)
		}
		if !strings.Contains(out, `"message":"subscribed"`) {
			t.Errorf("output missing message: %s", out)
		}
	})
}

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()

	t.Run("correlation id", func(t *testing.T) {
		ctx := ContextWithCorrelationID(ctx, "abc12345")
		if got := CorrelationIDFromContext(ctx); got != "abc12345" {
			t.Errorf("CorrelationIDFromContext = %q", got)
		}
	})

	t.Run("message id", func(t *testing.T) {
		ctx := ContextWithMessageID(ctx, "01HX000")
		if got := MessageIDFromContext(ctx); got != "01HX000" {
			t.Errorf("MessageIDFromContext = %q", got)
		}
	})

	t.Run("missing values", func(t *testing.T) {
		if got := CorrelationIDFromContext(ctx); got != "" {
			t.Errorf("expected empty correlation id, got %q", got)
		}
		if got := MessageIDFromContext(ctx); got != "" {
			t.Errorf("expected empty message id, got %q", got)
		}
	})

	t.Run("generated ids are unique", func(t *testing.T) {
		a, b := GenerateCorrelationID(), GenerateCorrelationID()
		if a == b {
			t.Errorf("generated identical correlation ids: %q", a)
		}
		if len(a) != 8 {
			t.Errorf("correlation id length = %d, want 8", len(a))
		}
	})
}

func TestCtxAddsFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	ctx = ContextWithMessageID(ctx, "msg-1")
	Ctx(ctx).Info().Msg("processing")

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"corr-1"`) {
		t.Errorf("missing correlation_id: %s", out)
	}
	if !strings.Contains(out, `"message_id":"msg-1"`) {
		t.Errorf("missing message_id: %s", out)
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewSlogHandlerWithLogger(NewTestLogger(&buf))
	slogger := slog.New(handler)

	slogger.Info("service started", "supervisor", "root", "restarts", int64(2))

	out := buf.String()
	if !strings.Contains(out, `"supervisor":"root"`) {
		t.Errorf("missing attr: %s", out)
	}
	if !strings.Contains(out, `"restarts":2`) {
		t.Errorf("missing int attr: %s", out)
	}
	if !strings.Contains(out, `"message":"service started"`) {
		t.Errorf("missing message: %s", out)
	}
}

func TestSlogHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	handler := NewSlogHandlerWithLogger(NewTestLogger(&buf))
	slogger := slog.New(handler).WithGroup("tree").With("name", "messaging")

	slogger.Warn("service backoff")

	out := buf.String()
	if !strings.Contains(out, `"tree.name":"messaging"`) {
		t.Errorf("group-qualified key missing: %s", out)
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillAdapterWithLogger(NewTestLogger(&buf))

	child := adapter.With(watermill.LogFields{"topic": "orders"})
	child.Info("message published", watermill.LogFields{"uuid": "m-1"})

	out := buf.String()
	if !strings.Contains(out, `"topic":"orders"`) {
		t.Errorf("missing inherited field: %s", out)
	}
	if !strings.Contains(out, `"uuid":"m-1"`) {
		t.Errorf("missing call field: %s", out)
	}
}
