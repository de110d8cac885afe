// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/result"
	"github.com/tomtom215/herald/validation"
)

// LoggingBehavior emits one structured entry per dispatch with the request
// type, outcome kind, attempt count, and duration. Successes log at debug,
// failures at warn.
type LoggingBehavior struct{}

// NewLoggingBehavior creates the logging behavior.
func NewLoggingBehavior() *LoggingBehavior {
	return &LoggingBehavior{}
}

// Name implements Behavior.
func (*LoggingBehavior) Name() string { return "logging" }

// Order implements Behavior.
func (*LoggingBehavior) Order() int { return OrderLogging }

// Handle implements Behavior.
func (*LoggingBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	start := time.Now()
	res := next(ctx)
	elapsed := time.Since(start)

	if res.IsOk() {
		logging.Ctx(ctx).Debug().
			Str("request", inv.TypeName).
			Int("attempt", inv.Attempt).
			Dur("duration", elapsed).
			Msg("Request handled")
		return res
	}

	f := res.Failure()
	evt := logging.Ctx(ctx).Warn().
		Str("request", inv.TypeName).
		Str("outcome", f.Kind.String()).
		Int("attempt", inv.Attempt).
		Dur("duration", elapsed)
	if f.Cause != nil {
		evt = evt.Err(f.Cause)
	}
	if len(f.Violations) > 0 {
		evt = evt.Strs("violations", f.Violations)
	}
	evt.Msg("Request failed")
	return res
}

// ValidationBehavior runs every validator registered for the request type,
// then the request's `validate` struct tags. Any violation stops the
// pipeline before the handler with a validation failure carrying all
// messages.
type ValidationBehavior struct{}

// NewValidationBehavior creates the validation behavior.
func NewValidationBehavior() *ValidationBehavior {
	return &ValidationBehavior{}
}

// Name implements Behavior.
func (*ValidationBehavior) Name() string { return "validation" }

// Order implements Behavior.
func (*ValidationBehavior) Order() int { return OrderValidation }

// Handle implements Behavior.
func (*ValidationBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	var violations []string
	for _, v := range inv.validators {
		violations = append(violations, v(ctx, inv.Request)...)
	}
	violations = append(violations, validation.Violations(inv.Request)...)

	if len(violations) > 0 {
		return result.Invalid[any](violations)
	}
	return next(ctx)
}

// DeadlineBehavior bounds each dispatch with a timeout. The default applies
// to every request type; per-type overrides win. Expiry surfaces as a
// timeout failure regardless of what the interrupted downstream returned.
type DeadlineBehavior struct {
	timeout time.Duration
	perType map[string]time.Duration
}

// NewDeadlineBehavior creates the deadline behavior. A zero default disables
// the timeout for types without an override. perType keys are request type
// names as rendered in logs, e.g. "orders.CreateOrder"; nil is fine.
func NewDeadlineBehavior(timeout time.Duration, perType map[string]time.Duration) *DeadlineBehavior {
	return &DeadlineBehavior{timeout: timeout, perType: perType}
}

// Name implements Behavior.
func (*DeadlineBehavior) Name() string { return "deadline" }

// Order implements Behavior.
func (*DeadlineBehavior) Order() int { return OrderDeadline }

// Handle implements Behavior.
func (b *DeadlineBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	d := b.timeout
	if override, ok := b.perType[inv.TypeName]; ok {
		d = override
	}
	if d <= 0 {
		return next(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	res := next(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !res.IsOk() && res.Kind() != result.KindTimeout {
		return result.Wrap[any](result.KindTimeout,
			fmt.Sprintf("%s deadline of %s exceeded", inv.TypeName, d), res.Failure())
	}
	return res
}
