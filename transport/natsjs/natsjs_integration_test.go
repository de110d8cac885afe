// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

//go:build integration

package natsjs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/internal/testinfra"
)

// This file tests the JetStream transport against a real NATS server in a
// container. The unit tests cover config defaulting and the ack protocol;
// these validate the broker-side contract:
//   - queue groups compete, plain subscriptions fan out
//   - durable consumers resume from the ack floor after detaching
//   - the stream's duplicate window collapses republished message IDs
//
// Usage:
//   go test -tags integration -run TestJetStreamTransport ./transport/natsjs/...

func TestJetStreamTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testinfra.SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	broker, err := testinfra.NewNATSContainer(ctx)
	if err != nil {
		t.Skipf("Skipping: could not create container: %v", err)
	}
	defer testinfra.CleanupContainer(t, ctx, broker.Container)

	tr, err := New(ctx, Config{URL: broker.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := tr.Close(closeCtx); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	t.Run("reports healthy against a live broker", func(t *testing.T) {
		h := tr.HealthCheck(ctx)
		if !h.Healthy {
			t.Fatalf("Expected healthy transport, got error: %s", h.Error)
		}
		if h.Details["stream"] != "HERALD" {
			t.Errorf("Expected stream HERALD in details, got %v", h.Details["stream"])
		}
	})

	t.Run("send reaches a group member", func(t *testing.T) {
		got := make(chan *envelope.Envelope, 1)
		sub, err := tr.Subscribe(ctx, "herald.itest.send", "workers", func(_ context.Context, env *envelope.Envelope) error {
			got <- env
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer sub.Unsubscribe() //nolint:errcheck

		env := envelope.New("order.created", "application/json", []byte(`{"id":1}`))
		if err := tr.Send(ctx, "herald.itest.send", env); err != nil {
			t.Fatalf("Send: %v", err)
		}

		select {
		case received := <-got:
			if received.MessageID != env.MessageID {
				t.Errorf("MessageID = %s, want %s", received.MessageID, env.MessageID)
			}
			if received.MessageType != "order.created" {
				t.Errorf("MessageType = %s, want order.created", received.MessageType)
			}
		case <-time.After(15 * time.Second):
			t.Fatal("Timed out waiting for delivery")
		}
	})

	t.Run("competing group delivers each message once", func(t *testing.T) {
		var delivered atomic.Int64
		handler := func(context.Context, *envelope.Envelope) error {
			delivered.Add(1)
			return nil
		}

		subA, err := tr.Subscribe(ctx, "herald.itest.compete", "workers", handler)
		if err != nil {
			t.Fatalf("Subscribe A: %v", err)
		}
		defer subA.Unsubscribe() //nolint:errcheck

		subB, err := tr.Subscribe(ctx, "herald.itest.compete", "workers", handler)
		if err != nil {
			t.Fatalf("Subscribe B: %v", err)
		}
		defer subB.Unsubscribe() //nolint:errcheck

		const n = 10
		for i := 0; i < n; i++ {
			env := envelope.New("order.created", "application/json", []byte(`{}`))
			if err := tr.Send(ctx, "herald.itest.compete", env); err != nil {
				t.Fatalf("Send %d: %v", i, err)
			}
		}

		waitForCount(t, &delivered, n, 30*time.Second)

		// A settle window catches duplicate deliveries across the group.
		time.Sleep(500 * time.Millisecond)
		if got := delivered.Load(); got != n {
			t.Errorf("Delivered = %d after settle, want exactly %d", got, n)
		}
	})

	t.Run("broadcast reaches every subscription", func(t *testing.T) {
		var a, b atomic.Int64
		subA, err := tr.Subscribe(ctx, "herald.itest.fanout", "", func(context.Context, *envelope.Envelope) error {
			a.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe A: %v", err)
		}
		defer subA.Unsubscribe() //nolint:errcheck

		subB, err := tr.Subscribe(ctx, "herald.itest.fanout", "", func(context.Context, *envelope.Envelope) error {
			b.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe B: %v", err)
		}
		defer subB.Unsubscribe() //nolint:errcheck

		env := envelope.New("audit.noted", "application/json", []byte(`{}`))
		if err := tr.Publish(ctx, "herald.itest.fanout", env); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		waitForCount(t, &a, 1, 15*time.Second)
		waitForCount(t, &b, 1, 15*time.Second)
	})

	t.Run("durable group resumes from the ack floor", func(t *testing.T) {
		var first atomic.Int64
		sub, err := tr.Subscribe(ctx, "herald.itest.resume", "resume", func(context.Context, *envelope.Envelope) error {
			first.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		env1 := envelope.New("order.created", "application/json", []byte(`{"seq":1}`))
		if err := tr.Send(ctx, "herald.itest.resume", env1); err != nil {
			t.Fatalf("Send 1: %v", err)
		}
		waitForCount(t, &first, 1, 15*time.Second)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe: %v", err)
		}

		// Published while no group member is attached; the durable consumer
		// retains it server-side.
		env2 := envelope.New("order.created", "application/json", []byte(`{"seq":2}`))
		if err := tr.Send(ctx, "herald.itest.resume", env2); err != nil {
			t.Fatalf("Send 2: %v", err)
		}

		got := make(chan *envelope.Envelope, 1)
		resumed, err := tr.Subscribe(ctx, "herald.itest.resume", "resume", func(_ context.Context, env *envelope.Envelope) error {
			got <- env
			return nil
		})
		if err != nil {
			t.Fatalf("Resubscribe: %v", err)
		}
		defer resumed.Unsubscribe() //nolint:errcheck

		select {
		case received := <-got:
			if received.MessageID != env2.MessageID {
				t.Errorf("Resumed MessageID = %s, want %s", received.MessageID, env2.MessageID)
			}
		case <-time.After(30 * time.Second):
			t.Fatal("Timed out waiting for resumed delivery")
		}
	})

	t.Run("duplicate message id collapses inside the window", func(t *testing.T) {
		var delivered atomic.Int64
		sub, err := tr.Subscribe(ctx, "herald.itest.dupes", "dedupe", func(context.Context, *envelope.Envelope) error {
			delivered.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer sub.Unsubscribe() //nolint:errcheck

		env := envelope.New("order.created", "application/json", []byte(`{}`),
			envelope.WithMessageID("itest-dup-1"))
		if err := tr.Publish(ctx, "herald.itest.dupes", env); err != nil {
			t.Fatalf("Publish 1: %v", err)
		}
		if err := tr.Publish(ctx, "herald.itest.dupes", env); err != nil {
			t.Fatalf("Publish 2: %v", err)
		}

		waitForCount(t, &delivered, 1, 15*time.Second)

		time.Sleep(500 * time.Millisecond)
		if got := delivered.Load(); got != 1 {
			t.Errorf("Delivered = %d after republish, want exactly 1", got)
		}
	})
}

// waitForCount polls an atomic counter until it reaches want or the deadline
// passes.
func waitForCount(t *testing.T, counter *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Timed out: counter = %d, want %d", counter.Load(), want)
}
