// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package codec provides payload serialization behind a content-type keyed
// registry. The mediator, outbox, and inbox never marshal payloads directly;
// they select a codec by the envelope's content type, so JSON and binary
// payloads interoperate behind the same contract.
//
// Two invariants hold for every registered codec:
//
//   - Encoding the same value twice yields identical bytes. Fingerprint-based
//     deduplication depends on this.
//   - Decoding rejects trailing bytes after the value. A payload that decodes
//     must be exactly one value.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

// Content types of the built-in codecs.
const (
	ContentTypeJSON = "application/json"
	ContentTypeGob  = "application/x-gob"
)

var (
	// ErrUnknownContentType indicates no codec is registered for the content type.
	ErrUnknownContentType = errors.New("unknown content type")

	// ErrDuplicateContentType indicates a codec is already registered for the
	// content type.
	ErrDuplicateContentType = errors.New("content type already registered")

	// ErrRegistryFrozen indicates registration was attempted after freeze.
	ErrRegistryFrozen = errors.New("codec registry is frozen")

	// ErrTrailingData indicates bytes remained after decoding a complete value.
	ErrTrailingData = errors.New("trailing data after payload")
)

// Codec encodes and decodes payload values for one content type.
type Codec interface {
	// ContentType returns the MIME-style identifier this codec serves.
	ContentType() string

	// Marshal encodes v deterministically.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v, rejecting trailing bytes.
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs. Registration happens at startup and
// the registry is frozen before first use; lookups after freeze read an
// immutable map and take no lock.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	codecs map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// NewDefaultRegistry returns a registry with the JSON and gob codecs
// registered, JSON being the conventional default content type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration of the built-ins cannot collide.
	_ = r.Register(JSON{})
	_ = r.Register(Gob{})
	return r
}

// Register adds a codec. Duplicate content types and registration after
// Freeze fail fast; both indicate a wiring bug, not a runtime condition.
func (r *Registry) Register(c Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register codec %q: %w", c.ContentType(), ErrRegistryFrozen)
	}
	ct := c.ContentType()
	if ct == "" {
		return fmt.Errorf("register codec: empty content type")
	}
	if _, exists := r.codecs[ct]; exists {
		return fmt.Errorf("register codec %q: %w", ct, ErrDuplicateContentType)
	}
	r.codecs[ct] = c
	return nil
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the codec for the content type.
func (r *Registry) Get(contentType string) (Codec, error) {
	// Reads race-free once frozen; before freeze the caller is still in
	// single-threaded startup.
	c, ok := r.codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// Marshal encodes v using the codec registered for contentType.
func (r *Registry) Marshal(contentType string, v any) ([]byte, error) {
	c, err := r.Get(contentType)
	if err != nil {
		return nil, err
	}
	return c.Marshal(v)
}

// Unmarshal decodes data into v using the codec registered for contentType.
func (r *Registry) Unmarshal(contentType string, data []byte, v any) error {
	c, err := r.Get(contentType)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}

// ContentTypes returns the registered content types, for diagnostics.
func (r *Registry) ContentTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.codecs))
	for ct := range r.codecs {
		out = append(out, ct)
	}
	return out
}
