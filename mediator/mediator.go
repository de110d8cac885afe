// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package mediator routes each request to its single registered handler
// through a composable behavior pipeline, and fans events out to any number
// of subscribers with per-handler failure isolation.
//
// Registration happens at startup, dispatch at runtime:
//
//	m := mediator.New()
//	mediator.RegisterRequest(m, func(sc *mediator.Scope) mediator.RequestHandler[PingQuery, string] {
//	    return pingHandler{}
//	})
//	m.Use(mediator.NewLoggingBehavior())
//	m.Freeze()
//
//	res := mediator.Send[PingQuery, string](ctx, m, PingQuery{})
//
// Exactly one handler may exist per request type; duplicate registration
// fails fast. Events allow zero or more handlers. After Freeze the registry
// is immutable and lookups are lock-free.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/result"
)

var (
	// ErrFrozen is returned when registering against a frozen mediator.
	ErrFrozen = errors.New("mediator registry is frozen")

	// ErrDuplicateHandler is returned when a request type already has a handler.
	ErrDuplicateHandler = errors.New("request type already has a handler")

	// ErrNilFactory is returned when a registration passes a nil factory.
	ErrNilFactory = errors.New("nil handler factory")
)

// RequestHandler processes one request type and produces a typed result.
type RequestHandler[Req any, Res any] interface {
	Handle(ctx context.Context, req Req) result.Result[Res]
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc[Req any, Res any] func(ctx context.Context, req Req) result.Result[Res]

// Handle implements RequestHandler.
func (f RequestHandlerFunc[Req, Res]) Handle(ctx context.Context, req Req) result.Result[Res] {
	return f(ctx, req)
}

// EventHandler processes one event type. Errors are isolated, logged, and
// counted; they never reach the publisher.
type EventHandler[E any] interface {
	Handle(ctx context.Context, evt E) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[E any] func(ctx context.Context, evt E) error

// Handle implements EventHandler.
func (f EventHandlerFunc[E]) Handle(ctx context.Context, evt E) error {
	return f(ctx, evt)
}

// Validator checks a request before its handler runs. Implementations must be
// pure: no side effects, no I/O. Returned messages become the violations of a
// validation failure; an empty slice means the request passed.
type Validator[Req any] interface {
	Validate(ctx context.Context, req Req) []string
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc[Req any] func(ctx context.Context, req Req) []string

// Validate implements Validator.
func (f ValidatorFunc[Req]) Validate(ctx context.Context, req Req) []string {
	return f(ctx, req)
}

// Resolver lets handler factories pull host-provided dependencies without the
// mediator knowing about any particular container.
type Resolver interface {
	Resolve(t reflect.Type) (any, bool)
}

// Scope is the per-dispatch resolution context handed to handler factories.
// It is immutable and safe for concurrent use by the handlers of one publish.
type Scope struct {
	resolver Resolver
}

// Resolve looks up a dependency by type via the host resolver, if any.
func (s *Scope) Resolve(t reflect.Type) (any, bool) {
	if s == nil || s.resolver == nil {
		return nil, false
	}
	return s.resolver.Resolve(t)
}

// ResolveFrom resolves a dependency of type T from the scope.
func ResolveFrom[T any](s *Scope) (T, bool) {
	var zero T
	v, ok := s.Resolve(reflect.TypeOf((*T)(nil)).Elem())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// requestEntry is the immutable-after-freeze descriptor of one request type.
type requestEntry struct {
	name       string
	invoke     erasedInvoker
	validators []erasedValidator

	// chain holds the memoized pipeline for this type, composed on first
	// dispatch. Concurrent first dispatches may both compose; the chains are
	// identical and the last store wins harmlessly.
	chain atomic.Pointer[pipelineFunc]
}

type eventEntry struct {
	name     string
	invokers []erasedEventInvoker
}

type (
	erasedInvoker      func(ctx context.Context, sc *Scope, req any) result.Result[any]
	erasedValidator    func(ctx context.Context, req any) []string
	erasedEventInvoker func(ctx context.Context, sc *Scope, evt any) error
)

// Mediator is the dispatch core. Create with New, register handlers and
// behaviors, then Freeze before serving traffic.
type Mediator struct {
	mu       sync.RWMutex
	frozen   atomic.Bool
	requests map[reflect.Type]*requestEntry
	events   map[reflect.Type]*eventEntry

	behaviors []Behavior
	resolver  Resolver
	gate      *Gate
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithResolver installs the host dependency resolver handed to handler
// factories through their Scope.
func WithResolver(r Resolver) Option {
	return func(m *Mediator) { m.resolver = r }
}

// WithGate installs the process-wide admission gate checked before every Send.
func WithGate(g *Gate) Option {
	return func(m *Mediator) { m.gate = g }
}

// New creates an empty mediator.
func New(opts ...Option) *Mediator {
	m := &Mediator{
		requests: make(map[reflect.Type]*requestEntry),
		events:   make(map[reflect.Type]*eventEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Use registers a pipeline behavior. Behaviors apply to every Send, ordered
// by their Order value; ties keep registration order.
func (m *Mediator) Use(b Behavior) error {
	if b == nil {
		return errors.New("nil behavior")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return fmt.Errorf("use %s: %w", b.Name(), ErrFrozen)
	}
	m.behaviors = append(m.behaviors, b)
	return nil
}

// Freeze seals the registry. Further registration errors; lookups become
// lock-free reads of the now-immutable maps.
func (m *Mediator) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return
	}
	sortBehaviors(m.behaviors)
	m.frozen.Store(true)
	logging.Info().
		Int("request_types", len(m.requests)).
		Int("event_types", len(m.events)).
		Int("behaviors", len(m.behaviors)).
		Msg("Mediator registry frozen")
}

// Frozen reports whether the registry is sealed.
func (m *Mediator) Frozen() bool {
	return m.frozen.Load()
}

// RegisterRequest binds the single handler factory for a request type. The
// factory runs once per dispatch with that call's scope, so handler instances
// never leak state across calls unless they choose to share it.
func RegisterRequest[Req any, Res any](m *Mediator, factory func(*Scope) RequestHandler[Req, Res]) error {
	reqType := reflect.TypeOf((*Req)(nil)).Elem()
	name := typeName(reqType)
	if factory == nil {
		return fmt.Errorf("register %s: %w", name, ErrNilFactory)
	}

	invoke := func(ctx context.Context, sc *Scope, req any) (res result.Result[any]) {
		defer func() {
			if r := recover(); r != nil {
				logging.Ctx(ctx).Error().
					Str("request", name).
					Interface("panic", r).
					Msg("Request handler panicked")
				res = result.Failf[any](result.KindUnhandled, "handler for %s panicked: %v", name, r)
			}
		}()

		typed, ok := req.(Req)
		if !ok {
			return result.Failf[any](result.KindUnhandled, "request type mismatch: got %T, registered %s", req, name)
		}
		h := factory(sc)
		if h == nil {
			return result.Failf[any](result.KindUnhandled, "factory for %s returned nil handler", name)
		}
		return result.Erase(h.Handle(ctx, typed))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return fmt.Errorf("register %s: %w", name, ErrFrozen)
	}

	entry := m.requests[reqType]
	if entry == nil {
		entry = &requestEntry{name: name}
		m.requests[reqType] = entry
	}
	if entry.invoke != nil {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateHandler)
	}
	entry.invoke = invoke
	return nil
}

// RegisterEvent adds one event handler factory for an event type. Any number
// of handlers may subscribe to the same type.
func RegisterEvent[E any](m *Mediator, factory func(*Scope) EventHandler[E]) error {
	evtType := reflect.TypeOf((*E)(nil)).Elem()
	name := typeName(evtType)
	if factory == nil {
		return fmt.Errorf("register event %s: %w", name, ErrNilFactory)
	}

	invoke := func(ctx context.Context, sc *Scope, evt any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("event handler for %s panicked: %v", name, r)
			}
		}()

		typed, ok := evt.(E)
		if !ok {
			return fmt.Errorf("event type mismatch: got %T, registered %s", evt, name)
		}
		h := factory(sc)
		if h == nil {
			return fmt.Errorf("factory for %s returned nil handler", name)
		}
		return h.Handle(ctx, typed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return fmt.Errorf("register event %s: %w", name, ErrFrozen)
	}

	entry := m.events[evtType]
	if entry == nil {
		entry = &eventEntry{name: name}
		m.events[evtType] = entry
	}
	entry.invokers = append(entry.invokers, invoke)
	return nil
}

// RegisterValidator adds a pure validator for a request type. Validators may
// be registered before or after the type's handler; all of them run in
// registration order inside the validation behavior.
func RegisterValidator[Req any](m *Mediator, v Validator[Req]) error {
	reqType := reflect.TypeOf((*Req)(nil)).Elem()
	name := typeName(reqType)
	if v == nil {
		return fmt.Errorf("register validator %s: nil validator", name)
	}

	erased := func(ctx context.Context, req any) []string {
		typed, ok := req.(Req)
		if !ok {
			return []string{fmt.Sprintf("request type mismatch: got %T, validating %s", req, name)}
		}
		return v.Validate(ctx, typed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return fmt.Errorf("register validator %s: %w", name, ErrFrozen)
	}

	entry := m.requests[reqType]
	if entry == nil {
		entry = &requestEntry{name: name}
		m.requests[reqType] = entry
	}
	entry.validators = append(entry.validators, erased)
	return nil
}

// lookupRequest returns the entry for a request type. Lock-free once frozen.
func (m *Mediator) lookupRequest(t reflect.Type) *requestEntry {
	if m.frozen.Load() {
		return m.requests[t]
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[t]
}

func (m *Mediator) lookupEvent(t reflect.Type) *eventEntry {
	if m.frozen.Load() {
		return m.events[t]
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[t]
}

// HandlesEvent reports whether at least one event handler is registered for
// t. Hosts consult it to skip wire subscriptions for publish-only types.
func (m *Mediator) HandlesEvent(t reflect.Type) bool {
	entry := m.lookupEvent(t)
	return entry != nil && len(entry.invokers) > 0
}

// sortedBehaviors returns the behavior list in pipeline order. After freeze
// the stored slice is already sorted and immutable.
func (m *Mediator) sortedBehaviors() []Behavior {
	if m.frozen.Load() {
		return m.behaviors
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := make([]Behavior, len(m.behaviors))
	copy(sorted, m.behaviors)
	sortBehaviors(sorted)
	return sorted
}

func (m *Mediator) newScope() *Scope {
	return &Scope{resolver: m.resolver}
}

// typeName renders a reflect.Type for registry errors, logs, and metric
// labels, e.g. "orders.CreateOrder" or "*orders.CreateOrder".
func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
