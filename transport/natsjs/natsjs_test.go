// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package natsjs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Expected default URL nats://127.0.0.1:4222, got %s", cfg.URL)
	}
	if cfg.Embedded {
		t.Error("Expected embedded server off by default")
	}
	if cfg.Stream.Name != "HERALD" {
		t.Errorf("Expected stream HERALD, got %s", cfg.Stream.Name)
	}
	if len(cfg.Stream.Subjects) != 1 || cfg.Stream.Subjects[0] != "herald.>" {
		t.Errorf("Expected subjects [herald.>], got %v", cfg.Stream.Subjects)
	}
	if !cfg.Publisher.TrackMsgID {
		t.Error("Expected message ID tracking on by default")
	}
	if cfg.Publisher.MaxReconnects != -1 {
		t.Errorf("Expected unlimited reconnects, got %d", cfg.Publisher.MaxReconnects)
	}
	if !cfg.Breaker.Enabled {
		t.Error("Expected publish breaker on by default")
	}
	if cfg.Subscriber.MaxDeliver != 5 {
		t.Errorf("Expected MaxDeliver=5, got %d", cfg.Subscriber.MaxDeliver)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Run("zero config fills everything", func(t *testing.T) {
		cfg := Config{}.withDefaults()

		if cfg.URL == "" {
			t.Error("Expected URL to be defaulted")
		}
		if cfg.Subscriber.SubscribersCount != 4 {
			t.Errorf("Expected SubscribersCount=4, got %d", cfg.Subscriber.SubscribersCount)
		}
		if cfg.Stream.DuplicateWindow != 2*time.Minute {
			t.Errorf("Expected DuplicateWindow=2m, got %s", cfg.Stream.DuplicateWindow)
		}
		if cfg.Server.MaxPayload != 8*1024*1024 {
			t.Errorf("Expected MaxPayload=8MB, got %d", cfg.Server.MaxPayload)
		}
		if cfg.CloseTimeout != 30*time.Second {
			t.Errorf("Expected CloseTimeout=30s, got %s", cfg.CloseTimeout)
		}
	})

	t.Run("overrides survive", func(t *testing.T) {
		cfg := Config{
			URL: "nats://broker:4333",
			Stream: StreamConfig{
				Name:     "ORDERS",
				Subjects: []string{"orders.>", "billing.>"},
				Replicas: 3,
			},
			Subscriber: SubscriberConfig{MaxDeliver: 10},
		}.withDefaults()

		if cfg.URL != "nats://broker:4333" {
			t.Errorf("URL override lost: %s", cfg.URL)
		}
		if cfg.Stream.Name != "ORDERS" || cfg.Stream.Replicas != 3 {
			t.Errorf("Stream override lost: %+v", cfg.Stream)
		}
		if len(cfg.Stream.Subjects) != 2 {
			t.Errorf("Subjects override lost: %v", cfg.Stream.Subjects)
		}
		if cfg.Subscriber.MaxDeliver != 10 {
			t.Errorf("MaxDeliver override lost: %d", cfg.Subscriber.MaxDeliver)
		}
		// Untouched fields still fill in.
		if cfg.Stream.MaxAge != 7*24*time.Hour {
			t.Errorf("Expected defaulted MaxAge, got %s", cfg.Stream.MaxAge)
		}
	})
}

func TestPublishBreakerTrips(t *testing.T) {
	cb := newPublishBreaker(BreakerConfig{
		Name:             "trip-test",
		MaxRequests:      1,
		Interval:         time.Second,
		Timeout:          time.Minute,
		FailureThreshold: 2,
	})

	failErr := errors.New("broker down")
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, failErr })
		if !errors.Is(err, failErr) {
			t.Fatalf("Attempt %d: expected broker error, got %v", i, err)
		}
	}

	_, err := cb.Execute(func() (interface{}, error) {
		t.Fatal("Function must not run while circuit is open")
		return nil, nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected ErrOpenState, got %v", err)
	}
}

func TestPublishBreakerRecovery(t *testing.T) {
	cb := newPublishBreaker(BreakerConfig{
		Name:             "recovery-test",
		MaxRequests:      1,
		Interval:         50 * time.Millisecond,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 1,
	})

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("fail") })
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("Expected open state, got %s", cb.State())
	}

	time.Sleep(80 * time.Millisecond)

	// Half-open probe succeeds and closes the circuit.
	if _, err := cb.Execute(func() (interface{}, error) { return nil, nil }); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("Expected closed state after probe, got %s", cb.State())
	}
}

func TestClosedTransportRejectsOperations(t *testing.T) {
	tr := &Transport{cfg: DefaultConfig().withDefaults()}
	tr.closed.Store(true)

	env := envelope.New("order.created", "application/json", []byte(`{}`))

	if err := tr.Send(context.Background(), "herald.orders", env); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send: expected ErrClosed, got %v", err)
	}
	if err := tr.Publish(context.Background(), "herald.orders", env); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	if _, err := tr.Subscribe(context.Background(), "herald.orders", "g", func(context.Context, *envelope.Envelope) error { return nil }); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close on closed transport: expected nil, got %v", err)
	}
}

func TestPublishRejectsBadInput(t *testing.T) {
	// Validation runs before the broker connection is touched.
	tr := &Transport{cfg: DefaultConfig().withDefaults()}

	env := envelope.New("order.created", "application/json", []byte(`{}`))
	if err := tr.Publish(context.Background(), "", env); err == nil {
		t.Error("Expected error for empty subject")
	}

	bad := &envelope.Envelope{MessageID: "m-1"} // missing type and content type
	if err := tr.Publish(context.Background(), "herald.orders", bad); err == nil {
		t.Error("Expected error for invalid envelope")
	}

	if _, err := tr.Subscribe(context.Background(), "herald.orders", "g", nil); err == nil {
		t.Error("Expected error for nil handler")
	}
	if _, err := tr.Subscribe(context.Background(), "", "g", func(context.Context, *envelope.Envelope) error { return nil }); err == nil {
		t.Error("Expected error for empty subject subscribe")
	}
}

func TestSubscriptionAckProtocol(t *testing.T) {
	newMsg := func() *envelope.Envelope {
		return envelope.New("order.created", "application/json", []byte(`{"id":1}`))
	}

	t.Run("success acks", func(t *testing.T) {
		s := &subscription{subject: "herald.orders", handler: func(context.Context, *envelope.Envelope) error {
			return nil
		}}
		msg := newMsg().ToMessage()
		s.handle(msg)

		select {
		case <-msg.Acked():
		default:
			t.Error("Expected message to be acked")
		}
	})

	t.Run("handler error nacks", func(t *testing.T) {
		s := &subscription{subject: "herald.orders", handler: func(context.Context, *envelope.Envelope) error {
			return errors.New("downstream unavailable")
		}}
		msg := newMsg().ToMessage()
		s.handle(msg)

		select {
		case <-msg.Nacked():
		default:
			t.Error("Expected message to be nacked")
		}
	})

	t.Run("handler panic nacks", func(t *testing.T) {
		s := &subscription{subject: "herald.orders", handler: func(context.Context, *envelope.Envelope) error {
			panic("boom")
		}}
		msg := newMsg().ToMessage()
		s.handle(msg)

		select {
		case <-msg.Nacked():
		default:
			t.Error("Expected message to be nacked after panic")
		}
	})

	t.Run("undecodable message acks", func(t *testing.T) {
		called := false
		s := &subscription{subject: "herald.orders", handler: func(context.Context, *envelope.Envelope) error {
			called = true
			return nil
		}}
		// No identity metadata: FromMessage fails and redelivery cannot help.
		msg := newMsg().ToMessage()
		msg.Metadata = nil
		s.handle(msg)

		select {
		case <-msg.Acked():
		default:
			t.Error("Expected undecodable message to be acked away")
		}
		if called {
			t.Error("Handler must not run for undecodable messages")
		}
	})
}

func TestSubscriptionInvokePanicIsolation(t *testing.T) {
	s := &subscription{handler: func(context.Context, *envelope.Envelope) error {
		panic("unreachable state")
	}}

	err := s.invoke(context.Background(), envelope.New("t", "application/json", nil))
	if err == nil {
		t.Fatal("Expected error from panicking handler")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Expected panic to surface in error, got %v", err)
	}
}

func TestHealthCheckStates(t *testing.T) {
	t.Run("closed is unhealthy", func(t *testing.T) {
		tr := &Transport{cfg: DefaultConfig().withDefaults()}
		tr.closed.Store(true)

		h := tr.HealthCheck(context.Background())
		if h.Healthy {
			t.Error("Expected unhealthy for closed transport")
		}
		if h.Error == "" {
			t.Error("Expected error detail for closed transport")
		}
	})

	t.Run("open breaker degrades", func(t *testing.T) {
		tr := &Transport{
			cfg:  DefaultConfig().withDefaults(),
			subs: make(map[*subscription]struct{}),
			breaker: newPublishBreaker(BreakerConfig{
				Name:             "health-test",
				MaxRequests:      1,
				Interval:         time.Second,
				Timeout:          time.Minute,
				FailureThreshold: 1,
			}),
		}
		_, _ = tr.breaker.Execute(func() (interface{}, error) { return nil, errors.New("fail") })

		h := tr.HealthCheck(context.Background())
		if !h.Healthy {
			t.Errorf("Expected healthy-degraded, got unhealthy: %s", h.Error)
		}
		if !h.Degraded {
			t.Error("Expected degraded with open breaker")
		}
	})
}
