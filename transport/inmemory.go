// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
)

const memoryTransportName = "inmemory"

// MemoryConfig holds in-memory transport tuning.
type MemoryConfig struct {
	// BufferSize is the per-subscriber queue depth.
	BufferSize int

	// Overflow selects the back-pressure policy for full buffers.
	Overflow OverflowMode

	// PublishTimeout bounds how long a blocked publisher waits in block mode.
	PublishTimeout time.Duration

	// DrainTimeout bounds Close's wait for in-flight deliveries.
	DrainTimeout time.Duration
}

// DefaultMemoryConfig returns production defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		BufferSize:     256,
		Overflow:       OverflowBlock,
		PublishTimeout: 5 * time.Second,
		DrainTimeout:   10 * time.Second,
	}
}

// InMemory is a channel-based transport for tests, development, and
// single-process deployments. Delivery is at-most-once: envelopes accepted
// into a subscriber buffer survive unsubscribe draining but not process exit,
// and envelopes with no subscriber are dropped with a counter.
type InMemory struct {
	mu       sync.RWMutex
	cfg      MemoryConfig
	subjects map[string]*subjectState
	closed   bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// subjectState tracks the subscribers of one subject.
type subjectState struct {
	// plain receives publishes only.
	plain []*memorySub

	// groups are competing-consumer sets; sends go to exactly one member of
	// the merged set, publishes to one member per group.
	groups map[string]*memoryGroup

	// rr is the merged round-robin cursor used by Send.
	rr int
}

type memoryGroup struct {
	subs []*memorySub
	rr   int
}

type memorySub struct {
	transport *InMemory
	subject   string
	group     string
	handler   Handler
	ch        chan *envelope.Envelope
	quit      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// NewInMemory creates an in-memory transport.
func NewInMemory(cfg MemoryConfig) *InMemory {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultMemoryConfig().BufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultMemoryConfig().PublishTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultMemoryConfig().DrainTimeout
	}
	return &InMemory{
		cfg:      cfg,
		subjects: make(map[string]*subjectState),
	}
}

// Subscribe binds a handler. Each subscriber gets its own buffered queue and
// worker goroutine, so one slow handler cannot stall siblings beyond the
// back-pressure policy.
func (t *InMemory) Subscribe(_ context.Context, subject, group string, h Handler) (Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("subscribe: empty subject")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		transport: t,
		subject:   subject,
		group:     group,
		handler:   h,
		ch:        make(chan *envelope.Envelope, t.cfg.BufferSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	state := t.subjects[subject]
	if state == nil {
		state = &subjectState{groups: make(map[string]*memoryGroup)}
		t.subjects[subject] = state
	}
	if group == "" {
		state.plain = append(state.plain, sub)
	} else {
		g := state.groups[group]
		if g == nil {
			g = &memoryGroup{}
			state.groups[group] = g
		}
		g.subs = append(g.subs, sub)
	}

	go sub.run()
	return sub, nil
}

// Send delivers to exactly one subscriber on the subject: round-robin over
// the merged competing set (all group members, ordered by group name then
// join order), falling back to plain subscribers when no group exists.
// No subscriber at all drops the envelope with a counter.
func (t *InMemory) Send(ctx context.Context, subject string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("send %s: %w", subject, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	target := t.pickSendTarget(subject)
	t.mu.Unlock()

	t.published.Add(1)
	if target == nil {
		t.dropped.Add(1)
		metrics.RecordDropped(memoryTransportName)
		logging.Debug().Str("subject", subject).Str("message_id", env.MessageID).
			Msg("send dropped: no subscribers")
		return nil
	}

	start := time.Now()
	if err := t.enqueue(ctx, target, env); err != nil {
		metrics.RecordTransportPublishError(memoryTransportName)
		return err
	}
	metrics.RecordTransportPublish(memoryTransportName, "send", time.Since(start))
	return nil
}

// Publish delivers to every plain subscriber and one member per group.
// Partial back-pressure failures stop at the first rejection; already
// enqueued deliveries are not recalled (at-most-once, not atomic fan-out).
func (t *InMemory) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	targets := t.pickPublishTargets(subject)
	t.mu.Unlock()

	t.published.Add(1)
	if len(targets) == 0 {
		t.dropped.Add(1)
		metrics.RecordDropped(memoryTransportName)
		return nil
	}

	start := time.Now()
	for _, target := range targets {
		if err := t.enqueue(ctx, target, env); err != nil {
			metrics.RecordTransportPublishError(memoryTransportName)
			return err
		}
	}
	metrics.RecordTransportPublish(memoryTransportName, "publish", time.Since(start))
	return nil
}

// SendBatch accepts all envelopes or none. In reject mode the target queue's
// free capacity is checked up front; in block mode the batch enqueues
// sequentially under the publish timeout, which can only be partial if the
// timeout expires mid-batch, reported in the returned error.
func (t *InMemory) SendBatch(ctx context.Context, subject string, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("send batch %s: %w", subject, err)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	target := t.pickSendTarget(subject)
	t.mu.Unlock()

	t.published.Add(int64(len(envs)))
	if target == nil {
		t.dropped.Add(int64(len(envs)))
		metrics.RecordDropped(memoryTransportName)
		return nil
	}

	if t.cfg.Overflow == OverflowReject {
		if cap(target.ch)-len(target.ch) < len(envs) {
			metrics.RecordBackpressure(memoryTransportName)
			return fmt.Errorf("send batch %s: need %d slots: %w", subject, len(envs), ErrBackpressure)
		}
	}

	start := time.Now()
	for i, env := range envs {
		if err := t.enqueue(ctx, target, env); err != nil {
			return fmt.Errorf("send batch %s: enqueued %d of %d: %w", subject, i, len(envs), err)
		}
	}
	metrics.RecordTransportPublish(memoryTransportName, "batch", time.Since(start))
	return nil
}

// pickSendTarget returns the next competing consumer. Caller holds t.mu.
func (t *InMemory) pickSendTarget(subject string) *memorySub {
	state := t.subjects[subject]
	if state == nil {
		return nil
	}

	// Merge group members deterministically: group name order, then join order.
	if len(state.groups) > 0 {
		names := make([]string, 0, len(state.groups))
		for name := range state.groups {
			names = append(names, name)
		}
		sort.Strings(names)

		var merged []*memorySub
		for _, name := range names {
			merged = append(merged, state.groups[name].subs...)
		}
		if len(merged) > 0 {
			sub := merged[state.rr%len(merged)]
			state.rr++
			return sub
		}
	}

	if len(state.plain) > 0 {
		sub := state.plain[state.rr%len(state.plain)]
		state.rr++
		return sub
	}
	return nil
}

// pickPublishTargets returns every plain subscriber plus one member per
// group. Caller holds t.mu.
func (t *InMemory) pickPublishTargets(subject string) []*memorySub {
	state := t.subjects[subject]
	if state == nil {
		return nil
	}

	targets := make([]*memorySub, 0, len(state.plain)+len(state.groups))
	targets = append(targets, state.plain...)
	for _, g := range state.groups {
		if len(g.subs) > 0 {
			targets = append(targets, g.subs[g.rr%len(g.subs)])
			g.rr++
		}
	}
	return targets
}

// enqueue applies the overflow policy. Each subscriber receives its own clone
// so a handler mutating its envelope cannot affect siblings.
func (t *InMemory) enqueue(ctx context.Context, sub *memorySub, env *envelope.Envelope) error {
	clone := env.Clone()

	if t.cfg.Overflow == OverflowReject {
		select {
		case sub.ch <- clone:
			return nil
		default:
			metrics.RecordBackpressure(memoryTransportName)
			return fmt.Errorf("enqueue %s: %w", sub.subject, ErrBackpressure)
		}
	}

	timer := time.NewTimer(t.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- clone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		metrics.RecordBackpressure(memoryTransportName)
		return fmt.Errorf("enqueue %s: %w", sub.subject, ErrBackpressure)
	}
}

// Close stops intake, then waits for subscriber workers to drain their
// buffers until ctx or the drain timeout expires.
func (t *InMemory) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var subs []*memorySub
	for _, state := range t.subjects {
		subs = append(subs, state.plain...)
		for _, g := range state.groups {
			subs = append(subs, g.subs...)
		}
	}
	t.subjects = make(map[string]*subjectState)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	deadline := time.NewTimer(t.cfg.DrainTimeout)
	defer deadline.Stop()
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("close transport: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("close transport: drain timeout after %s", t.cfg.DrainTimeout)
		}
	}
	return nil
}

// Stats reports transport counters.
type MemoryStats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Stats returns a snapshot of counters and subscriber count.
func (t *InMemory) Stats() MemoryStats {
	t.mu.RLock()
	count := 0
	for _, state := range t.subjects {
		count += len(state.plain)
		for _, g := range state.groups {
			count += len(g.subs)
		}
	}
	t.mu.RUnlock()

	return MemoryStats{
		Published:   t.published.Load(),
		Delivered:   t.delivered.Load(),
		Dropped:     t.dropped.Load(),
		Subscribers: count,
	}
}

// HealthCheck reports whether the transport accepts envelopes.
func (t *InMemory) HealthCheck(_ context.Context) health.ComponentHealth {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return health.ComponentHealth{Error: "transport is closed"}
	}

	stats := t.Stats()
	return health.ComponentHealth{
		Healthy: true,
		Message: "accepting envelopes",
		Details: map[string]interface{}{
			"subscribers": stats.Subscribers,
			"published":   stats.Published,
			"delivered":   stats.Delivered,
			"dropped":     stats.Dropped,
		},
	}
}

// run is the subscriber worker loop.
func (s *memorySub) run() {
	defer close(s.done)
	for {
		select {
		case env, ok := <-s.ch:
			if !ok {
				return
			}
			s.dispatch(env)
		case <-s.quit:
			// Drain accepted envelopes before exiting.
			for {
				select {
				case env := <-s.ch:
					s.dispatch(env)
				default:
					return
				}
			}
		}
	}
}

// dispatch invokes the handler with panic isolation. Handler errors are
// logged and dropped: in-memory delivery has no redelivery.
func (s *memorySub) dispatch(env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("subject", s.subject).
				Str("message_id", env.MessageID).
				Interface("panic", r).
				Msg("subscriber handler panicked")
		}
	}()

	s.transport.delivered.Add(1)
	if err := s.handler(context.Background(), env); err != nil {
		logging.Warn().
			Err(err).
			Str("subject", s.subject).
			Str("message_id", env.MessageID).
			Msg("subscriber handler failed, envelope dropped")
	}
}

// stop signals the worker to drain and exit.
func (s *memorySub) stop() {
	s.once.Do(func() { close(s.quit) })
}

// Unsubscribe removes the subscriber and waits for its worker to drain.
func (s *memorySub) Unsubscribe() error {
	t := s.transport
	t.mu.Lock()
	if state := t.subjects[s.subject]; state != nil {
		if s.group == "" {
			state.plain = removeSub(state.plain, s)
		} else if g := state.groups[s.group]; g != nil {
			g.subs = removeSub(g.subs, s)
			if len(g.subs) == 0 {
				delete(state.groups, s.group)
			}
		}
		if len(state.plain) == 0 && len(state.groups) == 0 {
			delete(t.subjects, s.subject)
		}
	}
	t.mu.Unlock()

	s.stop()
	<-s.done
	return nil
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
