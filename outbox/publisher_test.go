// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []string // message IDs in publish order
	failWith  error
	calls     int
}

func (f *fakeTransport) Publish(_ context.Context, _ string, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, env.MessageID)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	return f.Publish(ctx, subject, env)
}

func (f *fakeTransport) Subscribe(context.Context, string, string, transport.Handler) (transport.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) Close(context.Context) error { return nil }

func (f *fakeTransport) publishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) publishedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func (f *fakeTransport) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func testPublisherConfig(maxAttempts int) PublisherConfig {
	return PublisherConfig{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      16,
		MaxAttempts:    maxAttempts,
		LeaseTTL:       time.Minute,
		PublishTimeout: time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSweepPublishesPendingOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	tr := &fakeTransport{}
	p := NewPublisher(s, tr, nil, testPublisherConfig(5))
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")
	time.Sleep(2 * time.Millisecond)
	mustEnqueue(t, s, "orders", "m2")

	p.sweep(ctx)

	ids := tr.publishedIDs()
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("published = %v, want [m1 m2]", ids)
	}

	stats, _ := s.Stats(ctx)
	if stats.Pending != 0 || stats.Published != 2 {
		t.Errorf("store stats = %+v, want 2 published", stats)
	}
	if got := p.Stats().Published; got != 2 {
		t.Errorf("publisher Published = %d, want 2", got)
	}
}

func TestSweepBacksOffAfterFailure(t *testing.T) {
	s := NewMemoryStore()
	tr := &fakeTransport{failWith: errors.New("broker down")}
	cfg := testPublisherConfig(5)
	cfg.BaseDelay = time.Hour // no retry within this test
	cfg.MaxDelay = time.Hour
	p := NewPublisher(s, tr, nil, cfg)
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")

	p.sweep(ctx)
	if tr.publishCalls() != 1 {
		t.Fatalf("calls = %d after first sweep, want 1", tr.publishCalls())
	}

	pending, _ := s.ReadPending(ctx, 0)
	if len(pending) != 1 || pending[0].AttemptCount != 1 || pending[0].LastError != "broker down" {
		t.Fatalf("record = %+v, want one recorded attempt", pending[0])
	}

	// Inside the backoff window the record is skipped, not re-attempted.
	p.sweep(ctx)
	if tr.publishCalls() != 1 {
		t.Errorf("calls = %d after second sweep, want still 1", tr.publishCalls())
	}
	if p.Stats().Skipped == 0 {
		t.Error("Skipped counter not advanced")
	}
}

func TestSweepRetriesAfterBackoffElapses(t *testing.T) {
	s := NewMemoryStore()
	tr := &fakeTransport{failWith: errors.New("broker down")}
	p := NewPublisher(s, tr, nil, testPublisherConfig(5))
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")

	p.sweep(ctx)
	time.Sleep(5 * time.Millisecond)
	tr.setFailure(nil)
	p.sweep(ctx)

	if tr.publishCalls() != 2 {
		t.Fatalf("calls = %d, want 2", tr.publishCalls())
	}
	stats, _ := s.Stats(ctx)
	if stats.Published != 1 {
		t.Errorf("store stats = %+v, want the record published on retry", stats)
	}
}

func TestExhaustedRecordIsDeadLettered(t *testing.T) {
	s := NewMemoryStore()
	letters := dlq.NewMemoryStore(0)
	tr := &fakeTransport{failWith: errors.New("permanent outage")}
	p := NewPublisher(s, tr, letters, testPublisherConfig(2))
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")

	p.sweep(ctx) // attempt 1
	time.Sleep(5 * time.Millisecond)
	p.sweep(ctx) // attempt 2
	time.Sleep(15 * time.Millisecond)
	p.sweep(ctx) // attempts exhausted, parks the record

	entries, err := letters.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Source != dlq.SourceOutbox || entry.Attempts != 2 {
		t.Errorf("entry = %+v, want outbox source with 2 attempts", entry)
	}
	if entry.Reason != "permanent outage" {
		t.Errorf("Reason = %q", entry.Reason)
	}

	stats, _ := s.Stats(ctx)
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("store stats = %+v, want 1 failed", stats)
	}
	if p.Stats().DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", p.Stats().DeadLettered)
	}

	// Terminal records never publish again, even once the broker recovers.
	tr.setFailure(nil)
	before := tr.publishCalls()
	p.sweep(ctx)
	if tr.publishCalls() != before {
		t.Error("failed record was re-published")
	}
}

type flakyDeadLetters struct {
	*dlq.MemoryStore
	mu     sync.Mutex
	addErr error
}

func (f *flakyDeadLetters) Add(ctx context.Context, e *dlq.Entry) error {
	f.mu.Lock()
	err := f.addErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Add(ctx, e)
}

func (f *flakyDeadLetters) setErr(err error) {
	f.mu.Lock()
	f.addErr = err
	f.mu.Unlock()
}

func (f *flakyDeadLetters) count(ctx context.Context) int {
	entries, _ := f.List(ctx, 0)
	return len(entries)
}

func TestDeadLetterFailureKeepsRecordPending(t *testing.T) {
	s := NewMemoryStore()
	letters := &flakyDeadLetters{MemoryStore: dlq.NewMemoryStore(0)}
	letters.setErr(errors.New("dlq unavailable"))
	tr := &fakeTransport{failWith: errors.New("outage")}
	p := NewPublisher(s, tr, letters, testPublisherConfig(1))
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")

	p.sweep(ctx) // attempt 1 fails
	time.Sleep(5 * time.Millisecond)
	p.sweep(ctx) // exhausted, but parking fails: record must stay pending

	stats, _ := s.Stats(ctx)
	if stats.Pending != 1 || stats.Failed != 0 {
		t.Fatalf("store stats = %+v, want the record still pending", stats)
	}

	// Once the dead-letter store recovers, the next sweep parks it.
	letters.setErr(nil)
	p.sweep(ctx)

	stats, _ = s.Stats(ctx)
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("store stats = %+v, want 1 failed after recovery", stats)
	}
	if n := letters.count(ctx); n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}
}

func TestLeaseConflictSkipsRecord(t *testing.T) {
	s := NewMemoryStore()
	tr := &fakeTransport{}
	p := NewPublisher(s, tr, nil, testPublisherConfig(5))
	ctx := context.Background()

	mustEnqueue(t, s, "orders", "m1")
	if claimed, _ := s.Claim(ctx, "m1", "another-publisher", time.Minute); !claimed {
		t.Fatal("setup claim refused")
	}

	p.sweep(ctx)

	if tr.publishCalls() != 0 {
		t.Errorf("calls = %d, want 0 while another publisher holds the lease", tr.publishCalls())
	}
	if p.Stats().Skipped == 0 {
		t.Error("Skipped counter not advanced")
	}
}

func TestServeDrainsInBackground(t *testing.T) {
	s := NewMemoryStore()
	tr := &fakeTransport{}
	p := NewPublisher(s, tr, nil, testPublisherConfig(5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- p.Serve(ctx) }()

	mustEnqueue(t, s, "orders", "m1")
	waitUntil(t, 5*time.Second, func() bool {
		return p.Stats().Published == 1
	})

	h := p.HealthCheck(ctx)
	if !h.Healthy {
		t.Errorf("HealthCheck while serving: %+v, want healthy", h)
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHealthCheckWhenStopped(t *testing.T) {
	s := NewMemoryStore()
	p := NewPublisher(s, &fakeTransport{}, nil, testPublisherConfig(5))

	h := p.HealthCheck(context.Background())
	if h.Healthy {
		t.Errorf("HealthCheck = %+v, want unhealthy before Serve", h)
	}
}
