// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package dlq holds messages that exhausted their delivery or processing
// attempts. Entries are kept for inspection and can be requeued once the
// underlying fault is fixed.
//
// Both the outbox publisher and the inbox consumer park messages here:
// the outbox after publish attempts run out, the inbox after a terminal
// handler failure or too many deliveries.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/herald/envelope"
)

// Source identifies the component that parked an entry.
type Source string

const (
	// SourceOutbox marks entries parked by the outbox publisher.
	SourceOutbox Source = "outbox"

	// SourceInbox marks entries parked by the inbox consumer.
	SourceInbox Source = "inbox"
)

// ErrNotFound indicates the requested entry is not in the store.
var ErrNotFound = errors.New("dlq: entry not found")

// Entry is one dead-lettered message.
type Entry struct {
	// Envelope is the message as last seen by the parking component.
	Envelope *envelope.Envelope `json:"envelope"`

	// Source is the component that parked the message.
	Source Source `json:"source"`

	// Reason is the failure that exhausted the message, human readable.
	Reason string `json:"reason"`

	// Attempts is the delivery or publish attempt count at parking time.
	Attempts int `json:"attempts"`

	// FirstSeen is when the message was first parked.
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is when the message was last parked or re-parked.
	LastSeen time.Time `json:"last_seen"`
}

// MessageID returns the parked message's ID.
func (e *Entry) MessageID() string {
	if e == nil || e.Envelope == nil {
		return ""
	}
	return e.Envelope.MessageID
}

// RequeueFunc re-publishes a parked envelope, typically via the outbox or
// directly through a transport.
type RequeueFunc func(ctx context.Context, env *envelope.Envelope) error

// Store is the dead-letter contract. Implementations are safe for concurrent
// use.
type Store interface {
	// Add parks an entry. Re-adding the same message ID merges: first-seen
	// is preserved, everything else reflects the latest parking.
	Add(ctx context.Context, entry *Entry) error

	// Get returns the entry for a message ID, or ErrNotFound.
	Get(ctx context.Context, messageID string) (*Entry, error)

	// List returns entries ordered oldest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*Entry, error)

	// Remove drops an entry, reporting whether it was present.
	Remove(ctx context.Context, messageID string) (bool, error)

	// Requeue re-publishes one entry through publish and removes it on
	// success. The entry stays parked when publish fails.
	Requeue(ctx context.Context, messageID string, publish RequeueFunc) error

	// PurgeOlderThan drops entries first parked before cutoff, returning the
	// number dropped.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Stats reports store counters.
	Stats(ctx context.Context) (Stats, error)
}

// Stats holds dead-letter store counters.
type Stats struct {
	// Entries is the current entry count.
	Entries int64

	// Added counts entries parked since start, merges included.
	Added int64

	// Removed counts explicit removals.
	Removed int64

	// Requeued counts successful requeues.
	Requeued int64

	// Evicted counts entries dropped to stay within capacity.
	Evicted int64

	// Purged counts entries dropped by retention purges.
	Purged int64

	// BySource breaks down current entries by parking component.
	BySource map[Source]int64

	// Oldest is the first-seen time of the oldest current entry.
	Oldest time.Time
}

// ValidateEntry rejects entries no store can hold: nil entries, entries
// without an envelope, and envelopes without an identity.
func ValidateEntry(entry *Entry) error {
	if entry == nil {
		return errors.New("dlq: nil entry")
	}
	if entry.Envelope == nil {
		return errors.New("dlq: entry missing envelope")
	}
	if entry.Envelope.MessageID == "" {
		return fmt.Errorf("dlq: %w", envelope.ErrMissingMessageID)
	}
	return nil
}
