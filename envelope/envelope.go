// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package envelope defines the wire-level message model shared by transports,
// the outbox, and the inbox. An envelope carries an opaque payload plus the
// routing and identity metadata the reliability layer needs; it never
// interprets the payload itself.
package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Reserved metadata keys used when bridging to watermill messages. User
// headers with the reserved prefix are dropped on the way out so they cannot
// spoof identity fields.
const (
	reservedPrefix    = "herald_"
	metaMessageType   = "herald_message_type"
	metaContentType   = "herald_content_type"
	metaCorrelationID = "herald_correlation_id"
	metaTimestamp     = "herald_timestamp"
	metaDeliveryCount = "herald_delivery_count"
)

var (
	// ErrMissingMessageID indicates an envelope without an identity.
	ErrMissingMessageID = errors.New("envelope missing message id")

	// ErrMissingMessageType indicates an envelope that cannot be routed to a
	// handler type.
	ErrMissingMessageType = errors.New("envelope missing message type")

	// ErrMissingContentType indicates an envelope whose payload cannot be
	// decoded.
	ErrMissingContentType = errors.New("envelope missing content type")
)

// Envelope is the unit handed to transports and stores. Fields are set at
// construction and treated as immutable afterwards, with the single exception
// of DeliveryCount which the inbox advances on each delivery attempt.
type Envelope struct {
	// MessageID uniquely identifies the message. IDs are ULIDs, so they sort
	// by creation time.
	MessageID string `json:"message_id"`

	// CorrelationID groups messages belonging to one logical flow.
	CorrelationID string `json:"correlation_id,omitempty"`

	// MessageType names the registered message type of the payload.
	MessageType string `json:"message_type"`

	// ContentType selects the codec that produced Payload.
	ContentType string `json:"content_type"`

	// Payload is the encoded message body.
	Payload []byte `json:"payload"`

	// Headers carries free-form transport metadata.
	Headers map[string]string `json:"headers,omitempty"`

	// Timestamp is the UTC creation time.
	Timestamp time.Time `json:"timestamp"`

	// DeliveryCount is the number of delivery attempts observed for this
	// envelope. Zero until first delivery.
	DeliveryCount int `json:"delivery_count,omitempty"`
}

// Option customizes envelope construction.
type Option func(*Envelope)

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithMessageID overrides the generated message ID. Used when reconstructing
// an envelope that already has an identity.
func WithMessageID(id string) Option {
	return func(e *Envelope) { e.MessageID = id }
}

// WithHeader adds one header.
func WithHeader(key, value string) Option {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts.UTC() }
}

// NewID returns a fresh time-ordered message ID.
func NewID() string {
	return watermill.NewULID()
}

// New constructs an envelope with a generated ULID message ID and the current
// UTC timestamp.
func New(messageType, contentType string, payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID:   NewID(),
		MessageType: messageType,
		ContentType: contentType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks the identity fields every component relies on.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrMissingMessageID
	}
	if e.MessageType == "" {
		return ErrMissingMessageType
	}
	if e.ContentType == "" {
		return ErrMissingContentType
	}
	return nil
}

// Header returns the named header or the empty string.
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[key] = value
}

// DeleteHeader removes a header if present.
func (e *Envelope) DeleteHeader(key string) {
	delete(e.Headers, key)
}

// Clone returns a deep copy. The compression wrapper and requeue paths derive
// modified envelopes from clones instead of mutating shared ones.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Headers != nil {
		clone.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}

// ToMessage converts the envelope to a watermill message. Identity fields map
// to reserved metadata keys; user headers are carried as-is unless they try to
// use the reserved prefix.
func (e *Envelope) ToMessage() *message.Message {
	msg := message.NewMessage(e.MessageID, e.Payload)

	for k, v := range e.Headers {
		if strings.HasPrefix(k, reservedPrefix) {
			continue
		}
		msg.Metadata.Set(k, v)
	}

	msg.Metadata.Set(metaMessageType, e.MessageType)
	msg.Metadata.Set(metaContentType, e.ContentType)
	if e.CorrelationID != "" {
		msg.Metadata.Set(metaCorrelationID, e.CorrelationID)
	}
	if !e.Timestamp.IsZero() {
		msg.Metadata.Set(metaTimestamp, e.Timestamp.Format(time.RFC3339Nano))
	}
	if e.DeliveryCount > 0 {
		msg.Metadata.Set(metaDeliveryCount, strconv.Itoa(e.DeliveryCount))
	}

	return msg
}

// FromMessage reconstructs an envelope from a watermill message. Returns an
// error when required identity metadata is missing or malformed.
func FromMessage(msg *message.Message) (*Envelope, error) {
	e := &Envelope{
		MessageID:     msg.UUID,
		MessageType:   msg.Metadata.Get(metaMessageType),
		ContentType:   msg.Metadata.Get(metaContentType),
		CorrelationID: msg.Metadata.Get(metaCorrelationID),
		Payload:       msg.Payload,
	}

	if raw := msg.Metadata.Get(metaTimestamp); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse envelope timestamp %q: %w", raw, err)
		}
		e.Timestamp = ts
	}
	if raw := msg.Metadata.Get(metaDeliveryCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse envelope delivery count %q: %w", raw, err)
		}
		e.DeliveryCount = n
	}

	for k, v := range msg.Metadata {
		if strings.HasPrefix(k, reservedPrefix) {
			continue
		}
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[k] = v
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("envelope from message %q: %w", msg.UUID, err)
	}
	return e, nil
}
