// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
)

// BatcherConfig holds publish batching tuning.
type BatcherConfig struct {
	// MaxBatch flushes a subject's buffer once it holds this many envelopes.
	MaxBatch int

	// FlushInterval bounds how long an envelope can sit buffered before the
	// background loop flushes it.
	FlushInterval time.Duration

	// FlushTimeout bounds each flush call against the inner transport.
	FlushTimeout time.Duration
}

// DefaultBatcherConfig returns production defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatch:      64,
		FlushInterval: 50 * time.Millisecond,
		FlushTimeout:  5 * time.Second,
	}
}

// Batcher decorates a Transport so Publish calls accumulate and flush in
// groups, amortizing per-message transport overhead for high-rate event
// streams. Publish returns once the envelope is buffered; delivery errors
// found at flush time are logged and counted rather than returned, so the
// wrapper suits fire-and-forget event fan-out only. Send and SendBatch pass
// straight through: callers that need delivery confirmation, such as the
// outbox relay, keep the synchronous path.
type Batcher struct {
	inner Transport
	cfg   BatcherConfig

	mu      sync.Mutex
	pending map[string][]*envelope.Envelope
	closed  bool

	flushErrors atomic.Int64
	published   atomic.Int64

	quit chan struct{}
	done chan struct{}
}

// NewBatcher wraps the transport and starts the background flush loop.
func NewBatcher(inner Transport, cfg BatcherConfig) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	b := &Batcher{
		inner:   inner,
		cfg:     cfg,
		pending: make(map[string][]*envelope.Envelope),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

func (b *Batcher) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	return b.inner.Send(ctx, subject, env)
}

func (b *Batcher) SendBatch(ctx context.Context, subject string, envs []*envelope.Envelope) error {
	if bs, ok := b.inner.(BatchSender); ok {
		return bs.SendBatch(ctx, subject, envs)
	}
	for i, env := range envs {
		if err := b.inner.Send(ctx, subject, env); err != nil {
			return fmt.Errorf("batch send aborted at %d of %d: %w", i, len(envs), err)
		}
	}
	return nil
}

// Publish buffers the envelope for the subject. A full buffer flushes
// inline on the caller's goroutine.
func (b *Batcher) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending[subject] = append(b.pending[subject], env)
	var full []*envelope.Envelope
	if len(b.pending[subject]) >= b.cfg.MaxBatch {
		full = b.pending[subject]
		delete(b.pending, subject)
	}
	b.mu.Unlock()

	if full != nil {
		b.flushSubject(subject, full, "size")
	}
	return nil
}

func (b *Batcher) Subscribe(ctx context.Context, subject, group string, h Handler) (Subscription, error) {
	return b.inner.Subscribe(ctx, subject, group, h)
}

// Flush synchronously drains every buffered subject. Useful before shutdown
// and in tests.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[string][]*envelope.Envelope)
	b.mu.Unlock()

	var firstErr error
	for subject, envs := range drained {
		if err := b.publishAll(ctx, subject, envs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the flush loop, drains the remaining buffers, and closes the
// inner transport.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.mu.Unlock()

	close(b.quit)
	<-b.done

	flushErr := b.Flush(ctx)
	closeErr := b.inner.Close(ctx)
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stats reports flush-loop counters.
func (b *Batcher) Stats() (published, flushErrors int64) {
	return b.published.Load(), b.flushErrors.Load()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			b.mu.Lock()
			drained := b.pending
			b.pending = make(map[string][]*envelope.Envelope)
			b.mu.Unlock()

			for subject, envs := range drained {
				b.flushSubject(subject, envs, "interval")
			}
		}
	}
}

// flushSubject delivers one subject's batch, logging failures. The publish
// caller has already returned, so errors cannot propagate to it.
func (b *Batcher) flushSubject(subject string, envs []*envelope.Envelope, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	metrics.RecordBatchFlush(trigger, len(envs))
	if err := b.publishAll(ctx, subject, envs); err != nil {
		b.flushErrors.Add(1)
		logging.Error().
			Err(err).
			Str("subject", subject).
			Int("batch_size", len(envs)).
			Str("trigger", trigger).
			Msg("Batch flush failed")
	}
}

func (b *Batcher) publishAll(ctx context.Context, subject string, envs []*envelope.Envelope) error {
	for i, env := range envs {
		if err := b.inner.Publish(ctx, subject, env); err != nil {
			return fmt.Errorf("publish %d of %d: %w", i, len(envs), err)
		}
		b.published.Add(1)
	}
	return nil
}
