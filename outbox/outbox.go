// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package outbox stages outgoing messages durably before they reach a
// transport. Enqueue happens in the same logical unit of work as the business
// state change; a background Publisher drains pending records to the broker
// with bounded retries and per-record leases, so several publishers can run
// against one store without double-publishing.
//
// The guarantee is at-least-once: once Enqueue returns, the message is never
// lost, though downstream consumers may see it more than once.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/herald/envelope"
)

// Status is an outbox record's lifecycle state.
type Status string

const (
	// StatusPending marks records awaiting publication.
	StatusPending Status = "pending"

	// StatusPublished marks records acknowledged by the transport. Terminal.
	StatusPublished Status = "published"

	// StatusFailed marks records that exhausted their publish attempts and
	// were handed to the dead-letter store. Terminal.
	StatusFailed Status = "failed"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("outbox: record not found")

	// ErrDuplicate indicates an Enqueue with a message ID already staged.
	ErrDuplicate = errors.New("outbox: duplicate message id")

	// ErrNotPending indicates a state change on a record already in a
	// terminal state. Pending to published and pending to failed are the only
	// legal transitions.
	ErrNotPending = errors.New("outbox: record not pending")
)

// Record is one staged message.
type Record struct {
	// MessageID mirrors the envelope's message ID and keys the record.
	MessageID string `json:"message_id"`

	// Subject is the transport subject the message targets.
	Subject string `json:"subject"`

	// Envelope is the staged message.
	Envelope *envelope.Envelope `json:"envelope"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// CreatedAt is when the record was enqueued, UTC.
	CreatedAt time.Time `json:"created_at"`

	// AttemptCount is the number of publish attempts so far.
	AttemptCount int `json:"attempt_count"`

	// LastAttemptAt is when the last publish attempt finished.
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// LastError is the most recent publish failure, human readable.
	LastError string `json:"last_error,omitempty"`

	// LeaseHolder identifies the publisher currently working this record.
	LeaseHolder string `json:"lease_holder,omitempty"`

	// LeaseExpiry is when the current lease lapses.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`
}

// Leased reports whether the record is held by a live lease at t.
func (r *Record) Leased(t time.Time) bool {
	return r.LeaseHolder != "" && r.LeaseExpiry.After(t)
}

// Store is the outbox persistence contract. Implementations are safe for
// concurrent use; records move pending -> published or pending -> failed and
// never back.
type Store interface {
	// Enqueue stages an envelope for subject. The envelope's message ID keys
	// the record; enqueueing an ID that is already staged returns
	// ErrDuplicate.
	Enqueue(ctx context.Context, subject string, env *envelope.Envelope) error

	// ReadPending returns up to limit pending records, oldest first. Leased
	// records are included; Claim arbitrates actual processing.
	ReadPending(ctx context.Context, limit int) ([]*Record, error)

	// Claim takes a lease on a pending record. It returns false when another
	// holder's lease is still live or the record is not pending; claiming
	// with the current holder extends the lease.
	Claim(ctx context.Context, messageID, holder string, ttl time.Duration) (bool, error)

	// Release clears the record's lease so other publishers can claim it.
	Release(ctx context.Context, messageID string) error

	// RecordAttempt notes a failed publish attempt: bumps the attempt count
	// and stores the error.
	RecordAttempt(ctx context.Context, messageID string, attemptErr error) error

	// MarkPublished transitions pending to published. Idempotent on already
	// published records.
	MarkPublished(ctx context.Context, messageID string) error

	// MarkFailed transitions pending to failed. Idempotent on already failed
	// records.
	MarkFailed(ctx context.Context, messageID, reason string) error

	// PurgeTerminal drops published and failed records older than cutoff,
	// returning the number dropped. Pending records are never purged.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)

	// Stats reports current record counts.
	Stats(ctx context.Context) (Stats, error)
}

// Stats holds current outbox store counts.
type Stats struct {
	// Pending is the number of records awaiting publication.
	Pending int64

	// Published is the number of retained published records.
	Published int64

	// Failed is the number of retained failed records.
	Failed int64

	// OldestPending is the created-at time of the oldest pending record.
	// Zero when nothing is pending.
	OldestPending time.Time
}
