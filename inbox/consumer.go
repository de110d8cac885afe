// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/herald/codec"
	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/result"
	"github.com/tomtom215/herald/transport"
)

// Dispatch hands a delivered envelope to the application, typically by
// decoding it and fanning it out through the mediator. A nil return or a
// duplicate-kind failure acknowledges the delivery; other failures are
// classified by kind into redelivery or dead-lettering.
type Dispatch func(ctx context.Context, env *envelope.Envelope) error

// ConsumerConfig holds consumer tuning.
type ConsumerConfig struct {
	// Subject is the transport subject to consume.
	Subject string

	// Group is the competing-consumer group name. Empty subscribes as a
	// plain broadcast subscriber, so every instance sees every message.
	Group string

	// LockTTL is how long a processing lock lasts. Must exceed the worst
	// dispatch duration, or a slow handler's message reopens mid-flight.
	LockTTL time.Duration

	// MaxDeliveries bounds deliveries per message before it is
	// dead-lettered.
	MaxDeliveries int

	// IdempotencyRetention is how long completed message IDs stay in the
	// ledger. Redeliveries past this window reprocess.
	IdempotencyRetention time.Duration

	// PurgeInterval is how often retention maintenance runs.
	PurgeInterval time.Duration
}

// DefaultConsumerConfig returns production defaults for subject and group
// left to the caller.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		LockTTL:              30 * time.Second,
		MaxDeliveries:        5,
		IdempotencyRetention: 24 * time.Hour,
		PurgeInterval:        5 * time.Minute,
	}
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	def := DefaultConsumerConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = def.MaxDeliveries
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = def.IdempotencyRetention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = def.PurgeInterval
	}
	return c
}

// ConsumerStats holds cumulative consumer counters.
type ConsumerStats struct {
	// Processed counts deliveries dispatched to completion.
	Processed int64

	// DedupHits counts deliveries dropped because the message was already
	// completed, whether by ledger hit or processed-flag repair.
	DedupHits int64

	// LockContended counts deliveries that lost the processing lock.
	LockContended int64

	// DeadLettered counts messages parked for delivery exhaustion or
	// terminal failure.
	DeadLettered int64

	// TransientFailures counts dispatch failures handed back for
	// redelivery.
	TransientFailures int64

	// Repaired counts processed-flag repairs of a missing ledger record.
	Repaired int64
}

// Consumer subscribes to a subject and guards every delivery with the inbox
// stores before dispatching it.
//
// Serve blocks until ctx is cancelled, making the consumer a suture service.
type Consumer struct {
	transport   transport.Transport
	store       Store
	idem        IdempotencyStore
	deadLetters dlq.Store
	dispatch    Dispatch
	cfg         ConsumerConfig
	owner       string

	running atomic.Bool

	processed         atomic.Int64
	dedupHits         atomic.Int64
	lockContended     atomic.Int64
	deadLettered      atomic.Int64
	transientFailures atomic.Int64
	repaired          atomic.Int64
}

// NewConsumer creates a consumer. deadLetters may be nil, in which case
// exhausted and terminally failed messages are dropped with an error log.
func NewConsumer(tr transport.Transport, store Store, idem IdempotencyStore, deadLetters dlq.Store, dispatch Dispatch, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		transport:   tr,
		store:       store,
		idem:        idem,
		deadLetters: deadLetters,
		dispatch:    dispatch,
		cfg:         cfg.withDefaults(),
		owner:       fmt.Sprintf("inbox-%s", uuid.New().String()[:8]),
	}
}

// Owner returns the consumer's lock owner identity.
func (c *Consumer) Owner() string { return c.owner }

// Serve implements suture.Service. It subscribes, runs retention maintenance
// every PurgeInterval, and unsubscribes when ctx is cancelled.
func (c *Consumer) Serve(ctx context.Context) error {
	sub, err := c.transport.Subscribe(ctx, c.cfg.Subject, c.cfg.Group, c.handleDelivery)
	if err != nil {
		return fmt.Errorf("inbox subscribe %q: %w", c.cfg.Subject, err)
	}

	c.running.Store(true)
	defer c.running.Store(false)

	logging.Info().
		Str("owner", c.owner).
		Str("subject", c.cfg.Subject).
		Str("group", c.cfg.Group).
		Int("max_deliveries", c.cfg.MaxDeliveries).
		Dur("lock_ttl", c.cfg.LockTTL).
		Msg("Inbox consumer started")

	ticker := time.NewTicker(c.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := sub.Unsubscribe(); err != nil {
				logging.Warn().Err(err).Str("subject", c.cfg.Subject).Msg("Inbox unsubscribe failed")
			}
			logging.Info().Str("owner", c.owner).Msg("Inbox consumer stopped")
			return ctx.Err()
		case <-ticker.C:
			c.purge(ctx)
		}
	}
}

// purge drops ledger records and lock records past the retention window.
func (c *Consumer) purge(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.IdempotencyRetention)

	recs, err := c.idem.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Inbox: idempotency purge failed")
	}

	locks, err := c.store.PurgeStale(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Inbox: stale lock purge failed")
	}

	if recs > 0 || locks > 0 {
		logging.Debug().
			Int("idempotency_records", recs).
			Int("lock_records", locks).
			Msg("Inbox retention purge complete")
	}
}

// handleDelivery implements transport.Handler. A nil return acknowledges the
// delivery; an error asks the transport to redeliver.
func (c *Consumer) handleDelivery(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		// No usable identity means no lock and no ledger. Park what
		// arrived and acknowledge so it cannot loop.
		return c.parkInvalid(ctx, env, err)
	}
	id := env.MessageID

	seen, err := c.idem.Seen(ctx, id)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("message_id", id).
			Msg("Inbox: idempotency lookup failed, processing anyway")
	}
	if seen {
		c.dedupHits.Add(1)
		metrics.RecordInboxDedupHit()
		logging.Ctx(ctx).Debug().Str("message_id", id).Msg("Inbox: duplicate delivery suppressed")
		return nil
	}

	processed, err := c.store.IsProcessed(ctx, id)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("message_id", id).Msg("Inbox: processed lookup failed")
	}
	if processed {
		// Completed but never recorded: the ledger write was lost. Repair
		// it and drop the delivery.
		c.repaired.Add(1)
		c.dedupHits.Add(1)
		metrics.RecordInboxDedupHit()
		if err := c.idem.Record(ctx, id, codec.Fingerprint(env.Payload), time.Now().UTC()); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("message_id", id).Msg("Inbox: ledger repair failed")
		}
		return nil
	}

	locked, attempts, err := c.store.TryLock(ctx, id, c.owner, c.cfg.LockTTL)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("message_id", id).Msg("Inbox: lock failed")
		return fmt.Errorf("inbox lock %s: %w", id, err)
	}
	if !locked {
		c.lockContended.Add(1)
		metrics.RecordInboxLocked()
		logging.Ctx(ctx).Debug().Str("message_id", id).Msg("Inbox: lock held, delivery deferred")
		return ErrLockHeld
	}

	if attempts > c.cfg.MaxDeliveries {
		return c.park(ctx, env, attempts, "delivery attempts exhausted")
	}

	ctx = logging.ContextWithMessageID(ctx, id)
	dispatchErr := c.dispatch(ctx, env)

	if dispatchErr == nil || isDuplicate(dispatchErr) {
		c.complete(ctx, env)
		c.processed.Add(1)
		return nil
	}

	if terminal(dispatchErr) {
		return c.park(ctx, env, attempts, dispatchErr.Error())
	}

	c.transientFailures.Add(1)
	metrics.RecordRetry(env.MessageType, "inbox")
	if relErr := c.store.Release(ctx, id); relErr != nil {
		logging.Ctx(ctx).Warn().Err(relErr).Str("message_id", id).Msg("Inbox: lock release failed")
	}
	logging.Ctx(ctx).Warn().
		Err(dispatchErr).
		Str("message_id", id).
		Int("attempt", attempts).
		Msg("Inbox: dispatch failed, delivery returned for retry")
	return dispatchErr
}

// complete marks the message processed before recording it in the ledger. A
// crash between the two leaves the processed flag set, so the next delivery
// repairs the ledger instead of re-dispatching.
func (c *Consumer) complete(ctx context.Context, env *envelope.Envelope) {
	if err := c.store.MarkProcessed(ctx, env.MessageID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("message_id", env.MessageID).Msg("Inbox: marking processed failed")
	}
	if err := c.idem.Record(ctx, env.MessageID, codec.Fingerprint(env.Payload), time.Now().UTC()); err != nil {
		// One lost record risks one duplicate dispatch after lock purge.
		logging.Ctx(ctx).Warn().Err(err).Str("message_id", env.MessageID).Msg("Inbox: ledger record failed")
	}
}

// park dead-letters the message before marking it processed, so a crash
// between the two re-parks it on redelivery rather than losing it. The
// dead-letter store merges the duplicate.
func (c *Consumer) park(ctx context.Context, env *envelope.Envelope, attempts int, reason string) error {
	if c.deadLetters != nil {
		entry := &dlq.Entry{
			Envelope: env,
			Source:   dlq.SourceInbox,
			Reason:   reason,
			Attempts: attempts,
		}
		if err := c.deadLetters.Add(ctx, entry); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("message_id", env.MessageID).Msg("Inbox: dead letter add failed")
			if relErr := c.store.Release(ctx, env.MessageID); relErr != nil {
				logging.Ctx(ctx).Warn().Err(relErr).Str("message_id", env.MessageID).Msg("Inbox: lock release failed")
			}
			return err
		}
	} else {
		logging.Ctx(ctx).Error().
			Str("message_id", env.MessageID).
			Str("reason", reason).
			Msg("Inbox: no dead letter store configured, dropping message")
	}

	if err := c.store.MarkProcessed(ctx, env.MessageID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("message_id", env.MessageID).Msg("Inbox: marking processed failed")
	}

	c.deadLettered.Add(1)
	logging.Ctx(ctx).Warn().
		Str("message_id", env.MessageID).
		Str("message_type", env.MessageType).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("Inbox: message dead lettered")
	return nil
}

// parkInvalid handles envelopes that fail validation and so cannot be locked
// or deduplicated. They are parked when possible and always acknowledged.
func (c *Consumer) parkInvalid(ctx context.Context, env *envelope.Envelope, cause error) error {
	if c.deadLetters != nil && env != nil && env.MessageID != "" {
		entry := &dlq.Entry{
			Envelope: env,
			Source:   dlq.SourceInbox,
			Reason:   "invalid envelope: " + cause.Error(),
			Attempts: 1,
		}
		if err := c.deadLetters.Add(ctx, entry); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Inbox: dead letter add failed for invalid envelope")
		}
	}
	c.deadLettered.Add(1)
	logging.Ctx(ctx).Error().Err(cause).Msg("Inbox: invalid envelope dropped")
	return nil
}

// isDuplicate reports a dispatch suppressed by the pipeline's own
// idempotency check. The message is complete as far as the inbox is
// concerned.
func isDuplicate(err error) bool {
	var rerr *result.Error
	return errors.As(err, &rerr) && rerr.Kind == result.KindDuplicate
}

// terminal reports whether a dispatch failure can never succeed on
// redelivery. Cancellation is not terminal: a consumer shutting down
// mid-dispatch hands the message back rather than parking it. Unclassified
// errors retry until the delivery limit.
func terminal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr *result.Error
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.Kind == result.KindCancelled {
		return false
	}
	return !rerr.Kind.Retryable()
}

// Stats returns cumulative counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:         c.processed.Load(),
		DedupHits:         c.dedupHits.Load(),
		LockContended:     c.lockContended.Load(),
		DeadLettered:      c.deadLettered.Load(),
		TransientFailures: c.transientFailures.Load(),
		Repaired:          c.repaired.Load(),
	}
}

// HealthCheck implements health.Checkable.
func (c *Consumer) HealthCheck(ctx context.Context) health.ComponentHealth {
	stats := c.Stats()
	details := map[string]interface{}{
		"owner":              c.owner,
		"subject":            c.cfg.Subject,
		"group":              c.cfg.Group,
		"processed":          stats.Processed,
		"dedup_hits":         stats.DedupHits,
		"lock_contended":     stats.LockContended,
		"dead_lettered":      stats.DeadLettered,
		"transient_failures": stats.TransientFailures,
	}

	if !c.running.Load() {
		return health.ComponentHealth{
			Healthy: false,
			Error:   "consumer is not running",
			Details: details,
		}
	}

	storeStats, err := c.store.Stats(ctx)
	if err != nil {
		return health.ComponentHealth{
			Healthy: false,
			Error:   "inbox store unreachable: " + err.Error(),
			Details: details,
		}
	}
	details["tracked"] = storeStats.Tracked
	details["locked"] = storeStats.Locked

	return health.ComponentHealth{
		Healthy: true,
		Message: "consumer is running",
		Details: details,
	}
}
