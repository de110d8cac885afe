// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/herald/envelope"
)

func testEnvelope(t *testing.T, body string) *envelope.Envelope {
	t.Helper()
	return envelope.New("test.message", "application/json", []byte(body))
}

// recorder collects deliveries across goroutines.
type recorder struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 1024)}
}

func (r *recorder) handler(_ context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) await(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = string(env.Payload)
	}
	return out
}

func TestInMemoryPublishFanOut(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	plain1 := newRecorder()
	plain2 := newRecorder()
	groupA := newRecorder()
	groupB := newRecorder()

	mustSubscribe(t, tr, ctx, "orders.created", "", plain1.handler)
	mustSubscribe(t, tr, ctx, "orders.created", "", plain2.handler)
	mustSubscribe(t, tr, ctx, "orders.created", "billing", groupA.handler)
	mustSubscribe(t, tr, ctx, "orders.created", "billing", groupA.handler)
	mustSubscribe(t, tr, ctx, "orders.created", "shipping", groupB.handler)

	if err := tr.Publish(ctx, "orders.created", testEnvelope(t, `{"id":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Every plain subscriber, exactly one member of each group.
	plain1.await(t, 1)
	plain2.await(t, 1)
	groupA.await(t, 1)
	groupB.await(t, 1)

	time.Sleep(50 * time.Millisecond)
	if got := groupA.count(); got != 1 {
		t.Errorf("group billing received %d deliveries, want 1", got)
	}
}

func TestInMemorySendRoundRobin(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	var first, second atomic.Int64

	mustSubscribe(t, tr, ctx, "jobs", "workers", func(_ context.Context, _ *envelope.Envelope) error {
		first.Add(1)
		return nil
	})
	mustSubscribe(t, tr, ctx, "jobs", "workers", func(_ context.Context, _ *envelope.Envelope) error {
		second.Add(1)
		return nil
	})

	const n = 10
	for i := 0; i < n; i++ {
		if err := tr.Send(ctx, "jobs", testEnvelope(t, fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return first.Load()+second.Load() == n
	})
	if first.Load() != n/2 || second.Load() != n/2 {
		t.Errorf("round robin split %d/%d, want %d/%d", first.Load(), second.Load(), n/2, n/2)
	}
}

func TestInMemorySendFallsBackToPlain(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	rec := newRecorder()
	mustSubscribe(t, tr, ctx, "pings", "", rec.handler)

	if err := tr.Send(ctx, "pings", testEnvelope(t, `{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	rec.await(t, 1)
}

func TestInMemorySendWithoutSubscribersDrops(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	if err := tr.Send(context.Background(), "nobody.home", testEnvelope(t, `{}`)); err != nil {
		t.Fatalf("Send to empty subject: %v", err)
	}
	if got := tr.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestInMemoryRejectBackpressure(t *testing.T) {
	cfg := MemoryConfig{BufferSize: 1, Overflow: OverflowReject}
	tr := NewInMemory(cfg)
	defer tr.Close(context.Background())

	ctx := context.Background()
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	mustSubscribe(t, tr, ctx, "slow", "", func(_ context.Context, _ *envelope.Envelope) error {
		entered <- struct{}{}
		<-gate
		return nil
	})

	// First envelope occupies the worker; wait for it so the buffer is empty.
	if err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":1}`)); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// Second fills the single buffer slot.
	if err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":2}`)); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	// Third has nowhere to go.
	err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":3}`))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Send 3 error = %v, want ErrBackpressure", err)
	}

	close(gate)
}

func TestInMemoryBlockBackpressureTimesOut(t *testing.T) {
	cfg := MemoryConfig{BufferSize: 1, Overflow: OverflowBlock, PublishTimeout: 100 * time.Millisecond}
	tr := NewInMemory(cfg)
	defer tr.Close(context.Background())

	ctx := context.Background()
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	mustSubscribe(t, tr, ctx, "slow", "", func(_ context.Context, _ *envelope.Envelope) error {
		entered <- struct{}{}
		<-gate
		return nil
	})

	if err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":1}`)); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	if err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":2}`)); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	start := time.Now()
	err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":3}`))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Send 3 error = %v, want ErrBackpressure", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("blocked send returned after %s, want at least the publish timeout", elapsed)
	}

	close(gate)
}

func TestInMemoryBlockRespectsContext(t *testing.T) {
	cfg := MemoryConfig{BufferSize: 1, Overflow: OverflowBlock, PublishTimeout: 30 * time.Second}
	tr := NewInMemory(cfg)
	defer tr.Close(context.Background())

	bg := context.Background()
	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	mustSubscribe(t, tr, bg, "slow", "", func(_ context.Context, _ *envelope.Envelope) error {
		entered <- struct{}{}
		<-gate
		return nil
	})

	if err := tr.Send(bg, "slow", testEnvelope(t, `{"n":1}`)); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	if err := tr.Send(bg, "slow", testEnvelope(t, `{"n":2}`)); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(bg, 100*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, "slow", testEnvelope(t, `{"n":3}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send 3 error = %v, want context.DeadlineExceeded", err)
	}

	close(gate)
}

func TestInMemorySendBatchRejectAtomicity(t *testing.T) {
	cfg := MemoryConfig{BufferSize: 4, Overflow: OverflowReject}
	tr := NewInMemory(cfg)
	defer tr.Close(context.Background())

	ctx := context.Background()
	var delivered atomic.Int64
	gate := make(chan struct{})
	mustSubscribe(t, tr, ctx, "bulk", "loaders", func(_ context.Context, _ *envelope.Envelope) error {
		<-gate
		delivered.Add(1)
		return nil
	})

	oversized := make([]*envelope.Envelope, 5)
	for i := range oversized {
		oversized[i] = testEnvelope(t, fmt.Sprintf(`{"n":%d}`, i))
	}
	err := tr.SendBatch(ctx, "bulk", oversized)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("oversized batch error = %v, want ErrBackpressure", err)
	}

	fits := oversized[:3]
	if err := tr.SendBatch(ctx, "bulk", fits); err != nil {
		t.Fatalf("batch within capacity: %v", err)
	}

	close(gate)
	waitFor(t, 5*time.Second, func() bool { return delivered.Load() == 3 })

	// The rejected batch must not have leaked partial deliveries.
	time.Sleep(50 * time.Millisecond)
	if got := delivered.Load(); got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}
}

func TestInMemoryCloseDrainsBuffered(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())

	ctx := context.Background()
	var delivered atomic.Int64
	mustSubscribe(t, tr, ctx, "drain", "", func(_ context.Context, _ *envelope.Envelope) error {
		time.Sleep(5 * time.Millisecond)
		delivered.Add(1)
		return nil
	})

	const n = 10
	for i := 0; i < n; i++ {
		if err := tr.Publish(ctx, "drain", testEnvelope(t, fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := delivered.Load(); got != n {
		t.Errorf("delivered = %d after close, want %d", got, n)
	}
}

func TestInMemoryClosedRejectsOperations(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	ctx := context.Background()
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := tr.Send(ctx, "x", testEnvelope(t, `{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
	if err := tr.Publish(ctx, "x", testEnvelope(t, `{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := tr.Subscribe(ctx, "x", "", func(context.Context, *envelope.Envelope) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestInMemoryUnsubscribe(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	rec := newRecorder()
	sub := mustSubscribe(t, tr, ctx, "quiet", "", rec.handler)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := tr.Stats().Subscribers; got != 0 {
		t.Fatalf("Subscribers = %d after unsubscribe, want 0", got)
	}

	if err := tr.Send(ctx, "quiet", testEnvelope(t, `{}`)); err != nil {
		t.Fatalf("Send after unsubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("deliveries after unsubscribe = %d, want 0", got)
	}
}

func TestInMemoryCloneIsolation(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	mutated := make(chan struct{})
	observed := make(chan string, 1)

	mustSubscribe(t, tr, ctx, "shared", "", func(_ context.Context, env *envelope.Envelope) error {
		copy(env.Payload, []byte(`XXXX`))
		env.SetHeader("tampered", "yes")
		close(mutated)
		return nil
	})
	mustSubscribe(t, tr, ctx, "shared", "", func(_ context.Context, env *envelope.Envelope) error {
		<-mutated
		if env.Header("tampered") != "" {
			t.Error("header mutation leaked across subscribers")
		}
		observed <- string(env.Payload)
		return nil
	})

	original := testEnvelope(t, `{"a":1}`)
	if err := tr.Publish(ctx, "shared", original); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-observed:
		if got != `{"a":1}` {
			t.Errorf("second subscriber saw %q, want original payload", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second subscriber")
	}
	if string(original.Payload) != `{"a":1}` {
		t.Errorf("publisher's envelope mutated to %q", original.Payload)
	}
}

func TestInMemoryHandlerPanicIsolated(t *testing.T) {
	tr := NewInMemory(DefaultMemoryConfig())
	defer tr.Close(context.Background())

	ctx := context.Background()
	rec := newRecorder()
	mustSubscribe(t, tr, ctx, "boom", "", func(context.Context, *envelope.Envelope) error {
		panic("handler exploded")
	})
	mustSubscribe(t, tr, ctx, "boom", "", rec.handler)

	if err := tr.Publish(ctx, "boom", testEnvelope(t, `{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec.await(t, 1)

	// The panicking subscriber's worker must survive for the next delivery.
	if err := tr.Publish(ctx, "boom", testEnvelope(t, `{}`)); err != nil {
		t.Fatalf("Publish after panic: %v", err)
	}
	rec.await(t, 1)
}

func mustSubscribe(t *testing.T, tr Transport, ctx context.Context, subject, group string, h Handler) Subscription {
	t.Helper()
	sub, err := tr.Subscribe(ctx, subject, group, h)
	if err != nil {
		t.Fatalf("Subscribe %s/%s: %v", subject, group, err)
	}
	return sub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
