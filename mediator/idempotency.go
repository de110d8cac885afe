// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"time"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/result"
)

// IdempotencyStore is the subset of the inbox idempotency store the pipeline
// needs. Declared here so the mediator stays import-free of storage packages.
type IdempotencyStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key, fingerprint string, at time.Time) error
}

// KeyExtractor derives the idempotency key for a dispatch. An empty key
// skips the check entirely.
type KeyExtractor func(ctx context.Context, req any) string

// MessageIDKey extracts the envelope message ID placed in ctx by the inbox
// consumer. It is the default extractor: requests dispatched outside a
// message delivery carry no key and are never deduplicated.
func MessageIDKey(ctx context.Context, _ any) string {
	return logging.MessageIDFromContext(ctx)
}

// IdempotencyBehavior suppresses re-execution of requests whose key was
// already processed. A seen key returns a duplicate failure without invoking
// anything downstream; a successful completion records the key. Store read
// errors fail open: processing continues, since the delivery layer guarantees
// at-least-once and a missed dedup only risks a duplicate the outer inbox
// check will usually catch.
type IdempotencyBehavior struct {
	store   IdempotencyStore
	extract KeyExtractor
}

// NewIdempotencyBehavior creates the idempotency behavior. A nil extractor
// uses MessageIDKey.
func NewIdempotencyBehavior(store IdempotencyStore, extract KeyExtractor) *IdempotencyBehavior {
	if extract == nil {
		extract = MessageIDKey
	}
	return &IdempotencyBehavior{store: store, extract: extract}
}

// Name implements Behavior.
func (*IdempotencyBehavior) Name() string { return "idempotency" }

// Order implements Behavior.
func (*IdempotencyBehavior) Order() int { return OrderIdempotency }

// Handle implements Behavior.
func (b *IdempotencyBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if b.store == nil {
		return next(ctx)
	}
	key := b.extract(ctx, inv.Request)
	if key == "" {
		return next(ctx)
	}

	seen, err := b.store.Seen(ctx, key)
	if err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("request", inv.TypeName).
			Str("key", key).
			Msg("Idempotency lookup failed, processing anyway")
	} else if seen {
		metrics.RecordDuplicate("pipeline")
		return result.Fail[any](result.KindDuplicate, "key "+key+" already processed")
	}

	res := next(ctx)
	if res.IsOk() {
		if err := b.store.Record(ctx, key, "", time.Now().UTC()); err != nil {
			// The result stands; a lost record only risks one duplicate.
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("request", inv.TypeName).
				Str("key", key).
				Msg("Idempotency record failed")
		}
	}
	return res
}
