// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/result"
)

// Send dispatches a request to its registered handler through the admission
// gate and the behavior pipeline. Exactly one handler runs; the result is
// typed to the handler's response. All failures come back as Result failures,
// never panics: a missing handler yields HandlerNotFound, a handler panic
// yields Unhandled, a context already done on entry yields Cancelled or
// Timeout without invoking anything.
func Send[Req any, Res any](ctx context.Context, m *Mediator, req Req) result.Result[Res] {
	t := reflect.TypeOf((*Req)(nil)).Elem()
	return result.As[Res](m.dispatch(ctx, t, req))
}

func (m *Mediator) dispatch(ctx context.Context, t reflect.Type, req any) result.Result[any] {
	start := time.Now()
	name := typeName(t)

	if err := ctx.Err(); err != nil {
		res := result.FromContextErr[any](err)
		metrics.RecordRequest(name, res.Kind().String(), time.Since(start))
		return res
	}

	entry := m.lookupRequest(t)
	if entry == nil || entry.invoke == nil {
		res := result.Failf[any](result.KindHandlerNotFound, "no handler registered for %s", name)
		metrics.RecordRequest(name, res.Kind().String(), time.Since(start))
		return res
	}

	inv := &Invocation{
		Request:    req,
		Type:       t,
		TypeName:   entry.name,
		Attempt:    1,
		scope:      m.newScope(),
		validators: m.validatorsOf(entry),
	}
	chain := m.chainFor(entry)

	run := func(ctx context.Context) result.Result[any] {
		return m.runChain(ctx, chain, inv)
	}

	var res result.Result[any]
	if m.gate != nil {
		res = m.gate.Do(ctx, run)
	} else {
		res = run(ctx)
	}

	metrics.RecordRequest(entry.name, res.Kind().String(), time.Since(start))
	return res
}

// runChain executes the composed pipeline with behavior-level panic recovery.
// Handler panics are already converted inside the terminal invoker; this
// guards against a misbehaving custom behavior.
func (m *Mediator) runChain(ctx context.Context, chain pipelineFunc, inv *Invocation) (res result.Result[any]) {
	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().
				Str("request", inv.TypeName).
				Interface("panic", r).
				Msg("Pipeline panicked")
			res = result.Failf[any](result.KindUnhandled, "pipeline for %s panicked: %v", inv.TypeName, r)
		}
	}()
	return chain(ctx, inv)
}

// validatorsOf snapshots the entry's validators. After freeze the slice is
// immutable and returned as-is.
func (m *Mediator) validatorsOf(entry *requestEntry) []erasedValidator {
	if m.frozen.Load() {
		return entry.validators
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(entry.validators) == 0 {
		return nil
	}
	return append([]erasedValidator(nil), entry.validators...)
}

// Publish fans an event out to every handler registered for its type and
// waits for all of them. Zero handlers is a no-op. With one handler the call
// is a plain synchronous invocation; with more, each handler runs on its own
// goroutine. A handler error or panic is logged and counted, never propagated
// to the publisher and never fatal to sibling handlers. Cancellation reaches
// every handler through ctx.
func Publish[E any](ctx context.Context, m *Mediator, evt E) {
	t := reflect.TypeOf((*E)(nil)).Elem()
	m.publish(ctx, t, evt)
}

// PublishObject is the dynamic-dispatch variant of Publish used after
// decoding a wire message, where the static type is unknown.
func (m *Mediator) PublishObject(ctx context.Context, evt any) {
	if evt == nil {
		logging.Ctx(ctx).Debug().Msg("publish of nil event ignored")
		return
	}
	m.publish(ctx, reflect.TypeOf(evt), evt)
}

func (m *Mediator) publish(ctx context.Context, t reflect.Type, evt any) {
	name := typeName(t)
	metrics.RecordPublish(name)

	entry := m.lookupEvent(t)
	if entry == nil || len(entry.invokers) == 0 {
		logging.Ctx(ctx).Debug().Str("event", name).Msg("no handlers for event")
		return
	}

	sc := m.newScope()
	if len(entry.invokers) == 1 {
		m.runEventHandler(ctx, sc, entry, 0, evt)
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(entry.invokers))
	for i := range entry.invokers {
		go func(i int) {
			defer wg.Done()
			m.runEventHandler(ctx, sc, entry, i, evt)
		}(i)
	}
	wg.Wait()
}

func (m *Mediator) runEventHandler(ctx context.Context, sc *Scope, entry *eventEntry, i int, evt any) {
	if err := entry.invokers[i](ctx, sc, evt); err != nil {
		metrics.RecordEventHandlerFailure(entry.name)
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("event", entry.name).
			Int("handler", i).
			Msg("Event handler failed")
	}
}
