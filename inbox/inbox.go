// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package inbox implements the receiving half of reliable messaging: a
// processing lock per message ID, an idempotency ledger of completed work,
// and a consumer that wraps a transport subscription with both.
//
// Together they give at-most-once handler effects per message ID within the
// idempotency retention window, over a transport that redelivers. The lock
// arbitrates concurrent deliveries of one ID; the ledger suppresses
// redeliveries of completed work; its retention bounds how long either claim
// holds.
package inbox

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned to the transport when a delivery loses the
// processing lock to a concurrent delivery of the same message. The transport
// treats it like any handler error and redelivers later.
var ErrLockHeld = errors.New("inbox: message lock held")

// Store tracks per-message processing state: who holds the lock, how many
// times the lock has been taken, and whether the message completed.
type Store interface {
	// TryLock attempts to take the processing lock for message id. locked
	// reports acquisition. attempts is the total number of acquisitions so
	// far including this one; since every delivery takes the lock exactly
	// once, it doubles as the delivery count.
	//
	// A live lock refuses all callers, the current holder included: each
	// delivery must win the lock fresh, so an early broker redelivery can
	// never run beside the original. Processed messages refuse the lock with
	// attempts unchanged.
	TryLock(ctx context.Context, id, owner string, ttl time.Duration) (locked bool, attempts int, err error)

	// Release gives the lock back without marking the message processed. The
	// attempt count survives so delivery limits keep counting across
	// releases. Releasing an unknown id is a no-op.
	Release(ctx context.Context, id string) error

	// MarkProcessed records that the message completed and releases its
	// lock. Unknown ids are created already processed.
	MarkProcessed(ctx context.Context, id string) error

	// IsProcessed reports whether the message completed.
	IsProcessed(ctx context.Context, id string) (bool, error)

	// PurgeStale drops records idle since before cutoff: processed records
	// by completion time, unprocessed ones by lock expiry. Purging an
	// unprocessed record resets its delivery count, so the cutoff should sit
	// beyond the transport's redelivery horizon.
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns current counts.
	Stats(ctx context.Context) (Stats, error)
}

// Stats holds inbox store counts.
type Stats struct {
	// Tracked is the number of message records held.
	Tracked int

	// Locked is the number of live locks.
	Locked int

	// Processed is the number of tracked records marked processed.
	Processed int
}

// IdempotencyStore is the ledger of completed message IDs. It extends the
// mediator pipeline's store contract with retention purging; one
// implementation serves both so a message recorded by either layer is seen
// by the other.
type IdempotencyStore interface {
	// Seen reports whether key was recorded and is still within retention.
	Seen(ctx context.Context, key string) (bool, error)

	// Record remembers key with the payload fingerprint and completion time.
	Record(ctx context.Context, key, fingerprint string, at time.Time) error

	// PurgeOlderThan drops records completed before cutoff and returns how
	// many were dropped.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
