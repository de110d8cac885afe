// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package herald

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/herald/codec"
)

var (
	// ErrDuplicateBinding indicates a message type or Go type is already bound.
	ErrDuplicateBinding = errors.New("herald: duplicate binding")

	// ErrRegistryFrozen indicates a binding was attempted after Start.
	ErrRegistryFrozen = errors.New("herald: type registry is frozen")
)

// binding ties one Go event type to its wire identity: the message type
// string stamped on envelopes, the codec that encodes the payload, and the
// transport subject outgoing publishes target.
type binding struct {
	messageType string
	goType      reflect.Type
	contentType string
	subject     string

	// group names the competing-consumer set for this subject. broadcast
	// overrides it: every bus instance then sees every message.
	group     string
	broadcast bool
}

// deliveryGroup returns the transport-level group for the binding's consumer.
func (b *binding) deliveryGroup() string {
	if b.broadcast {
		return ""
	}
	return b.group
}

// typeRegistry maps message type names and Go types to their bindings. Like
// the mediator and codec registries it is populated at startup, frozen by
// Start, and read lock-free afterwards.
type typeRegistry struct {
	mu     sync.RWMutex
	frozen atomic.Bool
	byName map[string]*binding
	byType map[reflect.Type]*binding
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		byName: make(map[string]*binding),
		byType: make(map[reflect.Type]*binding),
	}
}

// register adds a binding. Both keys must be free: one Go type publishes
// under exactly one message type, and one message type decodes into exactly
// one Go type.
func (r *typeRegistry) register(b *binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("bind %s: %w", b.messageType, ErrRegistryFrozen)
	}
	if existing, ok := r.byName[b.messageType]; ok {
		return fmt.Errorf("bind %s: message type already bound to %s: %w",
			b.messageType, existing.goType, ErrDuplicateBinding)
	}
	if existing, ok := r.byType[b.goType]; ok {
		return fmt.Errorf("bind %s: %s already bound as %q: %w",
			b.messageType, b.goType, existing.messageType, ErrDuplicateBinding)
	}
	r.byName[b.messageType] = b
	r.byType[b.goType] = b
	return nil
}

// freeze seals the registry. Idempotent.
func (r *typeRegistry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

func (r *typeRegistry) byMessageType(name string) *binding {
	if r.frozen.Load() {
		return r.byName[name]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *typeRegistry) byGoType(t reflect.Type) *binding {
	if r.frozen.Load() {
		return r.byType[t]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[t]
}

// all returns a snapshot of every binding.
func (r *typeRegistry) all() []*binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*binding, 0, len(r.byName))
	for _, b := range r.byName {
		out = append(out, b)
	}
	return out
}

func (r *typeRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// BindOption customizes one event binding.
type BindOption func(*binding)

// WithMessageType overrides the wire name of the bound type. The default is
// the Go type's package-qualified name, e.g. "orders.OrderPlaced".
func WithMessageType(name string) BindOption {
	return func(b *binding) { b.messageType = name }
}

// WithContentType selects the codec for the bound type's payloads. The
// default is JSON.
func WithContentType(ct string) BindOption {
	return func(b *binding) { b.contentType = ct }
}

// WithBindGroup overrides the bus-wide delivery group for this binding's
// subject.
func WithBindGroup(group string) BindOption {
	return func(b *binding) { b.group = group }
}

// WithBroadcast subscribes outside any delivery group, so every bus instance
// receives every message on the subject. Suited to cache invalidation and
// other events each instance must observe.
func WithBroadcast() BindOption {
	return func(b *binding) { b.broadcast = true }
}

// BindEvent registers E for remote distribution. Publishes of E append an
// encoded envelope to the outbox targeted at subject, and envelopes of E's
// message type arriving on subject decode and fan out to E's local handlers.
//
// A binding whose type has no registered event handlers publishes only: the
// bus opens no subscription for it. Bindings are sealed by Start.
func BindEvent[E any](b *Bus, subject string, opts ...BindOption) error {
	t := reflect.TypeOf((*E)(nil)).Elem()
	if subject == "" {
		return fmt.Errorf("bind %s: empty subject", t)
	}

	bind := &binding{
		messageType: t.String(),
		goType:      t,
		contentType: codec.ContentTypeJSON,
		subject:     subject,
		group:       b.group,
	}
	for _, opt := range opts {
		opt(bind)
	}
	if bind.messageType == "" {
		return fmt.Errorf("bind %s: empty message type", t)
	}
	if _, err := b.codecs.Get(bind.contentType); err != nil {
		return fmt.Errorf("bind %s: %w", bind.messageType, err)
	}

	return b.types.register(bind)
}
