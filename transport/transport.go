// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package transport defines the pluggable broker contract and the in-memory
// implementation, plus composable wrappers for batching and payload
// compression that work over any Transport.
//
// Delivery semantics are the transport's own: the in-memory transport is
// at-most-once, the broker-backed transports (natsjs, redisstream) are
// at-least-once. End-to-end reliability comes from pairing a transport with
// the outbox and inbox packages, not from the transport alone.
//
// Ordering is per-subject FIFO from a single producer as observed by a single
// subscriber. Nothing is guaranteed across subjects or across members of a
// competing-consumer group.
package transport

import (
	"context"
	"errors"

	"github.com/tomtom215/herald/envelope"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport is closed")

	// ErrBackpressure is returned when a bounded buffer rejects an envelope,
	// either immediately in reject mode or after the publish timeout in block
	// mode. Maps to the BackpressureExceeded failure kind at the mediator
	// surface.
	ErrBackpressure = errors.New("transport buffer full")

	// ErrNoSubscribers may be returned from Send by transports that refuse
	// delivery to an empty subject instead of dropping. The in-memory
	// transport does not return it: send to nothing drops with a counter,
	// and publish to nothing is a silent no-op.
	ErrNoSubscribers = errors.New("no subscribers on subject")
)

// Handler consumes one delivered envelope. A nil return acknowledges the
// delivery; an error return asks the transport to redeliver where the
// transport supports redelivery.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Subscription is a live subject binding.
type Subscription interface {
	// Unsubscribe stops delivery and releases the binding. Buffered envelopes
	// already accepted for this subscriber are still delivered.
	Unsubscribe() error
}

// Transport moves envelopes between processes.
//
// Send delivers to exactly one member of a competing-consumer group on the
// subject. Publish delivers to every plain subscriber and one member per
// group. Both are fire-and-forget: acceptance by the transport is not
// processing.
type Transport interface {
	Send(ctx context.Context, subject string, env *envelope.Envelope) error
	Publish(ctx context.Context, subject string, env *envelope.Envelope) error

	// Subscribe binds a handler to a subject. An empty group subscribes as a
	// plain (broadcast) subscriber; a non-empty group joins a competing
	// consumer group of that name.
	Subscribe(ctx context.Context, subject, group string, h Handler) (Subscription, error)

	// Close stops intake immediately, then drains in-flight deliveries until
	// ctx expires or the transport's drain timeout elapses, whichever comes
	// first.
	Close(ctx context.Context) error
}

// BatchSender is implemented by transports that can hand off a batch
// atomically: either every envelope of the batch is accepted or none is.
type BatchSender interface {
	SendBatch(ctx context.Context, subject string, envs []*envelope.Envelope) error
}

// OverflowMode selects what a full subscriber buffer does to publishers.
type OverflowMode int

const (
	// OverflowBlock blocks the publisher until space frees, the publish
	// timeout elapses, or ctx is done.
	OverflowBlock OverflowMode = iota

	// OverflowReject fails immediately with ErrBackpressure.
	OverflowReject
)

// String returns the config-file spelling.
func (m OverflowMode) String() string {
	if m == OverflowReject {
		return "reject"
	}
	return "block"
}

// ParseOverflowMode parses the config-file spelling. Unknown values fall back
// to block, the safer default.
func ParseOverflowMode(s string) OverflowMode {
	if s == "reject" {
		return OverflowReject
	}
	return OverflowBlock
}
