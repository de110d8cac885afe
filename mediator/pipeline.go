// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"reflect"
	"sort"

	"github.com/tomtom215/herald/result"
)

// Behavior order classes. Lower runs outermost. Custom behaviors pick any
// integer; ties keep registration order.
const (
	OrderLogging        = 100
	OrderDeadline       = 150
	OrderRateLimit      = 200
	OrderConcurrency    = 250
	OrderCircuitBreaker = 300
	OrderValidation     = 400
	OrderIdempotency    = 500
	OrderRetry          = 600
)

// Next advances the pipeline. A behavior may call it once, several times
// (retry), or not at all (short-circuit).
type Next func(ctx context.Context) result.Result[any]

// Behavior wraps request dispatch. Implementations must be safe for
// concurrent use: one instance serves every request type.
type Behavior interface {
	// Name identifies the behavior in logs and errors.
	Name() string

	// Order positions the behavior in the chain; lower is outermost.
	Order() int

	// Handle runs the behavior around the rest of the pipeline.
	Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any]
}

// Invocation carries one dispatch through the pipeline.
type Invocation struct {
	// Request is the boxed request value.
	Request any

	// Type is the request's dynamic type.
	Type reflect.Type

	// TypeName is Type rendered for logs and metric labels.
	TypeName string

	// Attempt is 1 on the first pass; the retry behavior bumps it before
	// each re-run so inner behaviors and handlers can observe it.
	Attempt int

	scope      *Scope
	validators []erasedValidator
}

// Scope returns the dispatch's resolution scope.
func (inv *Invocation) Scope() *Scope {
	return inv.scope
}

// pipelineFunc is one composed chain: behaviors wrapped around the terminal
// handler invoker.
type pipelineFunc func(ctx context.Context, inv *Invocation) result.Result[any]

// composeChain folds the behaviors around the terminal invoker, outermost
// first. An empty behavior list returns the terminal directly, keeping the
// no-behavior fast path free of wrapper frames.
func composeChain(behaviors []Behavior, terminal pipelineFunc) pipelineFunc {
	chain := terminal
	for i := len(behaviors) - 1; i >= 0; i-- {
		b := behaviors[i]
		inner := chain
		chain = func(ctx context.Context, inv *Invocation) result.Result[any] {
			return b.Handle(ctx, inv, func(ctx context.Context) result.Result[any] {
				return inner(ctx, inv)
			})
		}
	}
	return chain
}

// chainFor returns the memoized pipeline for the entry, composing it on
// first use.
func (m *Mediator) chainFor(entry *requestEntry) pipelineFunc {
	if fn := entry.chain.Load(); fn != nil {
		return *fn
	}

	terminal := func(ctx context.Context, inv *Invocation) result.Result[any] {
		return entry.invoke(ctx, inv.scope, inv.Request)
	}
	chain := composeChain(m.sortedBehaviors(), terminal)
	entry.chain.Store(&chain)
	return chain
}

func sortBehaviors(behaviors []Behavior) {
	sort.SliceStable(behaviors, func(i, j int) bool {
		return behaviors[i].Order() < behaviors[j].Order()
	})
}
