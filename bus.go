// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package herald

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/inbox"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/mediator"
	"github.com/tomtom215/herald/result"
	"github.com/tomtom215/herald/transport"
)

// Supervision parameters, matching suture's documented defaults.
const (
	treeFailureThreshold = 5.0
	treeFailureDecay     = 30.0
	treeFailureBackoff   = 15 * time.Second
	treeShutdownTimeout  = 10 * time.Second
)

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

// lifecycle tracks the bus through new -> started -> stopped.
type lifecycle struct {
	state    atomic.Int32
	stopOnce sync.Once
	stopErr  error

	cancel context.CancelFunc
	done   <-chan error
}

// supervisionTree is the bus's suture hierarchy. Layers isolate failures: a
// crashing consumer restarts inside the messaging layer without touching the
// store's GC loop or the ops listener.
type supervisionTree struct {
	root      *suture.Supervisor
	store     *suture.Supervisor
	messaging *suture.Supervisor
	ops       *suture.Supervisor
}

func newSupervisionTree() *supervisionTree {
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: treeFailureThreshold,
		FailureDecay:     treeFailureDecay,
		FailureBackoff:   treeFailureBackoff,
		Timeout:          treeShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: treeFailureThreshold,
		FailureDecay:     treeFailureDecay,
		FailureBackoff:   treeFailureBackoff,
		Timeout:          treeShutdownTimeout,
	}

	t := &supervisionTree{
		root:      suture.New("herald", rootSpec),
		store:     suture.New("store-layer", childSpec),
		messaging: suture.New("messaging-layer", childSpec),
		ops:       suture.New("ops-layer", childSpec),
	}
	t.root.Add(t.store)
	t.root.Add(t.messaging)
	t.root.Add(t.ops)
	return t
}

// Start seals the registries, builds one inbox consumer per bound subject and
// group, and serves the supervision tree in the background. Registration and
// binding error after Start.
func (b *Bus) Start(_ context.Context) error {
	if !b.lifecycle.state.CompareAndSwap(stateNew, stateStarted) {
		return ErrAlreadyStarted
	}

	b.codecs.Freeze()
	b.types.freeze()
	b.mediator.Freeze()

	tree := newSupervisionTree()

	if b.durable != nil {
		tree.store.Add(b.durable)
		b.checker.Register("store", b.durable)
	}
	if hc, ok := b.base.(health.Checkable); ok {
		b.checker.Register("transport", hc)
	}
	if b.relay != nil {
		tree.messaging.Add(b.relay)
		b.checker.Register("outbox", b.relay)
	}
	b.buildConsumers(tree)
	if b.opsServer != nil {
		tree.ops.Add(b.opsServer)
	}

	// The tree's context belongs to the bus, not the caller: Stop ends it.
	treeCtx, cancel := context.WithCancel(context.Background())
	b.lifecycle.cancel = cancel
	b.lifecycle.done = tree.root.ServeBackground(treeCtx)

	logging.Info().
		Int("bindings", b.types.len()).
		Int("consumers", len(b.consumers)).
		Bool("relay", b.relay != nil).
		Msg("Bus started")
	return nil
}

// buildConsumers creates one inbox consumer per distinct subject and delivery
// group among the bindings whose types have local handlers. Publish-only
// bindings get no subscription.
func (b *Bus) buildConsumers(tree *supervisionTree) {
	type key struct{ subject, group string }
	seen := make(map[key]struct{})

	for _, bind := range b.types.all() {
		if !b.mediator.HandlesEvent(bind.goType) {
			continue
		}
		k := key{bind.subject, bind.deliveryGroup()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		c := inbox.NewConsumer(b.base, b.inboxStore, b.idem, b.deadLetters, b.dispatchEnvelope, inbox.ConsumerConfig{
			Subject:              bind.subject,
			Group:                bind.deliveryGroup(),
			LockTTL:              b.cfg.Inbox.LockTTL,
			MaxDeliveries:        b.cfg.Inbox.MaxDeliveries,
			IdempotencyRetention: b.cfg.Inbox.IdempotencyRetention,
			PurgeInterval:        b.cfg.Inbox.PurgeInterval,
		})
		b.consumers = append(b.consumers, c)
		tree.messaging.Add(c)

		name := "inbox:" + bind.subject
		if g := bind.deliveryGroup(); g != "" {
			name += ":" + g
		}
		b.checker.Register(name, c)
	}
}

// Stop shuts the bus down: cancel the supervision tree, wait for it within
// ctx, then close the transport stack and the durable store. Safe to call on
// a bus that never started; it then just releases what New opened.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.state.Store(stateStopped)
	b.lifecycle.stopOnce.Do(func() {
		b.lifecycle.stopErr = b.shutdown(ctx)
	})
	return b.lifecycle.stopErr
}

func (b *Bus) shutdown(ctx context.Context) error {
	logging.Info().Msg("Bus stopping")

	var firstErr error
	if b.lifecycle.cancel != nil {
		b.lifecycle.cancel()
		select {
		case err := <-b.lifecycle.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				firstErr = err
			}
		case <-ctx.Done():
			firstErr = fmt.Errorf("supervision tree shutdown: %w", ctx.Err())
		}
	}

	if err := b.closeTransport(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if b.durable != nil {
		if err := b.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	logging.Info().Msg("Bus stopped")
	return firstErr
}

// closeTransport closes the outermost transport wrapper; the batcher flushes
// buffered publishes and closes its inner transport itself.
func (b *Bus) closeTransport(ctx context.Context) error {
	tr := b.publish
	if tr == nil {
		tr = b.base
	}
	if tr == nil {
		return nil
	}
	if err := tr.Close(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("transport close: %w", err)
	}
	return nil
}

// Run starts the bus and blocks until ctx is cancelled, then stops it
// gracefully. This is the whole lifecycle for hosts without their own.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), treeShutdownTimeout+5*time.Second)
	defer cancel()
	return b.Stop(stopCtx)
}

// Health aggregates every registered component.
func (b *Bus) Health(ctx context.Context) health.Overall {
	return b.checker.CheckAll(ctx)
}

// Send dispatches req through the admission gate and the behavior pipeline to
// its registered handler. See mediator.Send for failure semantics.
func Send[Req any, Res any](ctx context.Context, b *Bus, req Req) result.Result[Res] {
	return mediator.Send[Req, Res](ctx, b.mediator, req)
}

// RegisterRequest binds the single handler factory for a request type.
func RegisterRequest[Req any, Res any](b *Bus, factory func(*mediator.Scope) mediator.RequestHandler[Req, Res]) error {
	return mediator.RegisterRequest(b.mediator, factory)
}

// RegisterEvent adds one of E's local event handler factories.
func RegisterEvent[E any](b *Bus, factory func(*mediator.Scope) mediator.EventHandler[E]) error {
	return mediator.RegisterEvent(b.mediator, factory)
}

// RegisterValidator adds a pure validator for a request type.
func RegisterValidator[Req any](b *Bus, v mediator.Validator[Req]) error {
	return mediator.RegisterValidator(b.mediator, v)
}

// Use registers a custom pipeline behavior.
func (b *Bus) Use(behavior mediator.Behavior) error {
	return b.mediator.Use(behavior)
}

// Publish distributes evt. A bound type takes the durable leg only: the
// event is encoded and appended to the outbox (or published straight to the
// transport when the outbox is disabled), and local handlers receive it
// through their inbox consumer exactly like any other instance's handlers.
// Routing every delivery through the wire keeps group semantics exact: one
// member of each delivery group processes each event, deduplicated, whether
// or not that member is the publisher. A failed enqueue returns to the
// caller, who may retry without risking double processing.
//
// An unbound type fans out synchronously to local handlers and goes no
// further. Handler failures never reach the publisher on either path; they
// surface through logs and metrics only.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if evt == nil {
		return ErrNilEvent
	}

	if bind := b.types.byGoType(reflect.TypeOf(evt)); bind != nil {
		return b.distribute(ctx, bind, evt)
	}

	b.mediator.PublishObject(ctx, evt)
	return nil
}

// Publish is the generic form of Bus.Publish.
func Publish[E any](ctx context.Context, b *Bus, evt E) error {
	return b.Publish(ctx, evt)
}

// distribute encodes evt into an envelope and sends it on the durable or
// direct path, per config.
func (b *Bus) distribute(ctx context.Context, bind *binding, evt any) error {
	payload, err := b.codecs.Marshal(bind.contentType, evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", bind.messageType, err)
	}

	var opts []envelope.Option
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		opts = append(opts, envelope.WithCorrelationID(cid))
	}
	env := envelope.New(bind.messageType, bind.contentType, payload, opts...)

	if b.cfg.Outbox.Enabled {
		if err := b.outboxStore.Enqueue(ctx, bind.subject, env); err != nil {
			return fmt.Errorf("outbox enqueue %s: %w", bind.messageType, err)
		}
		return nil
	}

	if err := b.publish.Publish(ctx, bind.subject, env); err != nil {
		return fmt.Errorf("publish %s: %w", bind.messageType, err)
	}
	return nil
}

// dispatchEnvelope is the inbox consumers' dispatch function: look the
// message type up, decode the payload, and fan out to local handlers. An
// unknown message type or an undecodable payload cannot succeed on
// redelivery, so both classify as terminal and the consumer parks the
// message. Handler failures stay telemetry-only, exactly as for a local
// Publish.
func (b *Bus) dispatchEnvelope(ctx context.Context, env *envelope.Envelope) error {
	bind := b.types.byMessageType(env.MessageType)
	if bind == nil {
		return &result.Error{
			Kind:    result.KindHandlerNotFound,
			Message: fmt.Sprintf("no binding for message type %q", env.MessageType),
		}
	}

	ptr := reflect.New(bind.goType)
	if err := b.codecs.Unmarshal(env.ContentType, env.Payload, ptr.Interface()); err != nil {
		return &result.Error{
			Kind:    result.KindTerminal,
			Message: fmt.Sprintf("decode %s", env.MessageType),
			Cause:   err,
		}
	}

	if env.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, env.CorrelationID)
	}
	b.mediator.PublishObject(ctx, ptr.Elem().Interface())
	return nil
}
