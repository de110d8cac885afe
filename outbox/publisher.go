// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/mediator"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/transport"
)

// PublisherConfig holds background publisher tuning.
type PublisherConfig struct {
	// PollInterval is how often the publisher sweeps for pending records.
	PollInterval time.Duration

	// BatchSize caps the records read per sweep.
	BatchSize int

	// MaxAttempts bounds publish attempts before a record is dead-lettered.
	MaxAttempts int

	// LeaseTTL is how long a claimed record stays reserved. Must exceed the
	// publish timeout, or a crashed publisher's records reopen while a slow
	// publish may still be running.
	LeaseTTL time.Duration

	// PublishTimeout bounds each transport publish.
	PublishTimeout time.Duration

	// BaseDelay seeds the retry backoff between attempts for one record.
	BaseDelay time.Duration

	// MaxDelay caps the retry backoff.
	MaxDelay time.Duration

	// JitterFraction decorrelates retry timing across records.
	JitterFraction float64
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:   time.Second,
		BatchSize:      64,
		MaxAttempts:    5,
		LeaseTTL:       30 * time.Second,
		PublishTimeout: 10 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0.2,
	}
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	def := DefaultPublisherConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// PublisherStats holds cumulative publisher counters.
type PublisherStats struct {
	// Published counts records acknowledged by the transport.
	Published int64

	// FailedAttempts counts publish attempts that failed.
	FailedAttempts int64

	// DeadLettered counts records parked after exhausting attempts.
	DeadLettered int64

	// Skipped counts records passed over for lease conflicts or backoff.
	Skipped int64

	// Sweeps counts completed poll cycles.
	Sweeps int64

	// LastSweep is when the last sweep finished.
	LastSweep time.Time
}

// Publisher drains pending outbox records to a transport. Run several against
// one store for throughput or failover; per-record leases keep them from
// publishing the same record twice while a lease is live.
//
// Serve blocks until ctx is cancelled, making the publisher a suture service.
type Publisher struct {
	store       Store
	transport   transport.Transport
	deadLetters dlq.Store
	cfg         PublisherConfig
	holder      string

	running atomic.Bool

	published      atomic.Int64
	failedAttempts atomic.Int64
	deadLettered   atomic.Int64
	skipped        atomic.Int64
	sweeps         atomic.Int64
	lastSweep      atomic.Int64 // unix nanos
}

// NewPublisher creates a publisher. deadLetters may be nil, in which case
// exhausted records are marked failed and only their store record remains.
func NewPublisher(store Store, tr transport.Transport, deadLetters dlq.Store, cfg PublisherConfig) *Publisher {
	return &Publisher{
		store:       store,
		transport:   tr,
		deadLetters: deadLetters,
		cfg:         cfg.withDefaults(),
		holder:      fmt.Sprintf("outbox-%s", uuid.New().String()[:8]),
	}
}

// Holder returns the publisher's lease holder identity.
func (p *Publisher) Holder() string { return p.holder }

// Serve implements suture.Service. It sweeps the store every PollInterval
// until ctx is cancelled.
func (p *Publisher) Serve(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	logging.Info().
		Str("holder", p.holder).
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_attempts", p.cfg.MaxAttempts).
		Msg("Outbox publisher started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("holder", p.holder).Msg("Outbox publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweepOutcome tracks what happened to a single record during a sweep.
type sweepOutcome int

const (
	sweepPublished sweepOutcome = iota
	sweepRetryLater
	sweepDeadLettered
	sweepSkipped
)

// sweep reads one batch of pending records and works through it.
func (p *Publisher) sweep(ctx context.Context) {
	records, err := p.store.ReadPending(ctx, p.cfg.BatchSize)
	if err != nil {
		logging.Error().Err(err).Msg("Outbox sweep: reading pending records failed")
		return
	}

	var published, retried, deadLettered int
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		switch p.processRecord(ctx, rec) {
		case sweepPublished:
			published++
		case sweepRetryLater:
			retried++
		case sweepDeadLettered:
			deadLettered++
		}
	}

	p.sweeps.Add(1)
	p.lastSweep.Store(time.Now().UnixNano())

	if published > 0 || retried > 0 || deadLettered > 0 {
		logging.Debug().
			Int("published", published).
			Int("retrying", retried).
			Int("dead_lettered", deadLettered).
			Msg("Outbox sweep complete")
	}
}

func (p *Publisher) processRecord(ctx context.Context, rec *Record) sweepOutcome {
	claimed, err := p.store.Claim(ctx, rec.MessageID, p.holder, p.cfg.LeaseTTL)
	if err != nil {
		logging.Error().Err(err).Str("message_id", rec.MessageID).Msg("Outbox: claim failed")
		return sweepRetryLater
	}
	if !claimed {
		p.skipped.Add(1)
		return sweepSkipped
	}

	if rec.AttemptCount >= p.cfg.MaxAttempts {
		return p.deadLetter(ctx, rec)
	}

	if !p.readyForAttempt(rec) {
		// Release early so another publisher can pick it up the moment the
		// backoff elapses.
		p.releaseQuietly(ctx, rec.MessageID)
		p.skipped.Add(1)
		return sweepSkipped
	}

	return p.attemptPublish(ctx, rec)
}

// readyForAttempt reports whether the record's backoff window has elapsed.
func (p *Publisher) readyForAttempt(rec *Record) bool {
	if rec.LastAttemptAt.IsZero() {
		return true
	}
	delay := mediator.BackoffDelay(p.cfg.BaseDelay, p.cfg.MaxDelay, p.cfg.JitterFraction, rec.AttemptCount)
	return time.Since(rec.LastAttemptAt) >= delay
}

func (p *Publisher) attemptPublish(ctx context.Context, rec *Record) sweepOutcome {
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	err := p.transport.Publish(pubCtx, rec.Subject, rec.Envelope)
	cancel()

	if err != nil {
		p.failedAttempts.Add(1)
		metrics.RecordRetry(rec.Envelope.MessageType, "outbox")
		logging.Warn().
			Err(err).
			Str("message_id", rec.MessageID).
			Str("subject", rec.Subject).
			Int("attempt", rec.AttemptCount+1).
			Msg("Outbox: publish attempt failed")

		if recErr := p.store.RecordAttempt(ctx, rec.MessageID, err); recErr != nil {
			logging.Error().Err(recErr).Str("message_id", rec.MessageID).Msg("Outbox: recording attempt failed")
		}
		p.releaseQuietly(ctx, rec.MessageID)
		return sweepRetryLater
	}

	if markErr := p.store.MarkPublished(ctx, rec.MessageID); markErr != nil {
		// The publish went out; failing to mark means the record may publish
		// again. Acceptable under at-least-once.
		logging.Error().Err(markErr).Str("message_id", rec.MessageID).Msg("Outbox: marking published failed")
		p.releaseQuietly(ctx, rec.MessageID)
		return sweepRetryLater
	}

	p.published.Add(1)
	return sweepPublished
}

// deadLetter parks the record before marking it failed, so a crash between
// the two leaves the record pending and it is re-parked on the next sweep
// rather than lost.
func (p *Publisher) deadLetter(ctx context.Context, rec *Record) sweepOutcome {
	reason := rec.LastError
	if reason == "" {
		reason = "publish attempts exhausted"
	}

	if p.deadLetters != nil {
		entry := &dlq.Entry{
			Envelope:  rec.Envelope,
			Source:    dlq.SourceOutbox,
			Reason:    reason,
			Attempts:  rec.AttemptCount,
			FirstSeen: rec.CreatedAt,
		}
		if err := p.deadLetters.Add(ctx, entry); err != nil {
			logging.Error().Err(err).Str("message_id", rec.MessageID).Msg("Outbox: dead letter add failed")
			p.releaseQuietly(ctx, rec.MessageID)
			return sweepRetryLater
		}
	}

	if err := p.store.MarkFailed(ctx, rec.MessageID, reason); err != nil {
		logging.Error().Err(err).Str("message_id", rec.MessageID).Msg("Outbox: marking failed failed")
		p.releaseQuietly(ctx, rec.MessageID)
		return sweepRetryLater
	}

	p.deadLettered.Add(1)
	logging.Warn().
		Str("message_id", rec.MessageID).
		Str("subject", rec.Subject).
		Int("attempts", rec.AttemptCount).
		Str("reason", reason).
		Msg("Outbox: record exhausted publish attempts")
	return sweepDeadLettered
}

func (p *Publisher) releaseQuietly(ctx context.Context, messageID string) {
	if err := p.store.Release(ctx, messageID); err != nil {
		logging.Warn().Err(err).Str("message_id", messageID).Msg("Outbox: lease release failed")
	}
}

// Stats returns cumulative counters.
func (p *Publisher) Stats() PublisherStats {
	stats := PublisherStats{
		Published:      p.published.Load(),
		FailedAttempts: p.failedAttempts.Load(),
		DeadLettered:   p.deadLettered.Load(),
		Skipped:        p.skipped.Load(),
		Sweeps:         p.sweeps.Load(),
	}
	if ns := p.lastSweep.Load(); ns > 0 {
		stats.LastSweep = time.Unix(0, ns)
	}
	return stats
}

// HealthCheck implements health.Checkable.
func (p *Publisher) HealthCheck(ctx context.Context) health.ComponentHealth {
	stats := p.Stats()
	details := map[string]interface{}{
		"holder":          p.holder,
		"published":       stats.Published,
		"failed_attempts": stats.FailedAttempts,
		"dead_lettered":   stats.DeadLettered,
		"sweeps":          stats.Sweeps,
	}
	if !stats.LastSweep.IsZero() {
		details["last_sweep"] = stats.LastSweep.Format(time.RFC3339)
	}

	if !p.running.Load() {
		return health.ComponentHealth{
			Healthy: false,
			Error:   "publisher is not running",
			Details: details,
		}
	}

	storeStats, err := p.store.Stats(ctx)
	if err != nil {
		return health.ComponentHealth{
			Healthy: false,
			Error:   "outbox store unreachable: " + err.Error(),
			Details: details,
		}
	}
	details["pending"] = storeStats.Pending

	// A backlog older than the full retry horizon means records are stuck.
	if !storeStats.OldestPending.IsZero() {
		age := time.Since(storeStats.OldestPending)
		details["oldest_pending_age"] = age.String()
		horizon := time.Duration(p.cfg.MaxAttempts) * p.cfg.MaxDelay
		if age > horizon {
			return health.ComponentHealth{
				Healthy:  true,
				Degraded: true,
				Message:  "pending records are aging past the retry horizon",
				Details:  details,
			}
		}
	}

	return health.ComponentHealth{
		Healthy: true,
		Message: "publisher is running",
		Details: details,
	}
}
