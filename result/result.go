// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package result provides the value-typed outcome returned by every mediator
// dispatch. A Result is either a success carrying a value or a failure carrying
// an *Error with a fixed Kind; it is never both and never neither.
//
// Results are plain structs passed by value. The success path performs no heap
// allocation beyond whatever the carried value itself requires, which keeps the
// mediator hot path allocation-free for pointer and small-struct responses.
package result

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. The set is closed: every failure produced by the
// framework carries exactly one of these values, and callers can switch on it
// exhaustively.
type Kind uint8

const (
	// KindOK is the zero kind and is only ever observed on success results.
	KindOK Kind = iota

	// KindHandlerNotFound indicates no handler is registered for the request type.
	KindHandlerNotFound

	// KindValidation indicates the request failed validation before reaching
	// its handler. Violations carries the individual messages.
	KindValidation

	// KindTransient indicates a retryable failure such as transport I/O or a
	// downstream timeout reported by the handler.
	KindTransient

	// KindTerminal indicates a non-retryable failure: serialization errors,
	// malformed requests, business rule rejections.
	KindTerminal

	// KindTimeout indicates a deadline expired while the request was in flight.
	KindTimeout

	// KindCancelled indicates the caller cancelled the request.
	KindCancelled

	// KindRateLimited indicates a token bucket denied admission.
	KindRateLimited

	// KindOverloaded indicates a concurrency cap denied admission.
	KindOverloaded

	// KindCircuitOpen indicates a circuit breaker short-circuited the call.
	KindCircuitOpen

	// KindDuplicate indicates the message was already processed and the
	// idempotency layer suppressed re-execution.
	KindDuplicate

	// KindBackpressure indicates a transport buffer rejected the message.
	KindBackpressure

	// KindUnhandled indicates an unexpected error or a recovered panic.
	KindUnhandled
)

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindHandlerNotFound:
		return "handler_not_found"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDuplicate:
		return "duplicate"
	case KindBackpressure:
		return "backpressure_exceeded"
	case KindUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a later attempt of the same operation may succeed.
// Validation, terminal, duplicate, and missing-handler failures never become
// retryable no matter how the caller is configured.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindRateLimited, KindOverloaded, KindBackpressure:
		return true
	default:
		return false
	}
}

// Error is the failure half of a Result. Kind is always set; Cause is optional
// and preserved for errors.Is/errors.As inspection through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Violations holds individual validation messages when Kind is
	// KindValidation. Empty otherwise.
	Violations []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Violations, "; "))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Result carries either a success value or a failure, never both.
// The zero Result is a success carrying the zero value of T.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok returns a success result carrying v.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err returns a failure result carrying e. A nil e is normalized to an
// unhandled failure so the success/failure dichotomy holds.
func Err[T any](e *Error) Result[T] {
	if e == nil {
		e = &Error{Kind: KindUnhandled, Message: "nil failure"}
	}
	return Result[T]{err: e}
}

// Fail returns a failure result with the given kind and message.
func Fail[T any](kind Kind, message string) Result[T] {
	return Result[T]{err: &Error{Kind: kind, Message: message}}
}

// Failf returns a failure result with a formatted message.
func Failf[T any](kind Kind, format string, args ...any) Result[T] {
	return Result[T]{err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// Wrap returns a failure result that preserves cause for errors.Is inspection.
func Wrap[T any](kind Kind, message string, cause error) Result[T] {
	return Result[T]{err: &Error{Kind: kind, Message: message, Cause: cause}}
}

// Invalid returns a validation failure carrying the individual violations.
func Invalid[T any](violations []string) Result[T] {
	return Result[T]{err: &Error{
		Kind:       KindValidation,
		Message:    "request validation failed",
		Violations: violations,
	}}
}

// IsOk reports whether the result is a success.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Value returns the success value. On failure it returns the zero value of T;
// callers that need to distinguish should use Unpack or check IsOk first.
func (r Result[T]) Value() T {
	return r.value
}

// Failure returns the error half, or nil on success.
func (r Result[T]) Failure() *Error {
	return r.err
}

// Kind returns the failure kind, or KindOK on success.
func (r Result[T]) Kind() Kind {
	if r.err == nil {
		return KindOK
	}
	return r.err.Kind
}

// Unpack returns both halves. Exactly one of them is meaningful.
func (r Result[T]) Unpack() (T, *Error) {
	return r.value, r.err
}

// Erase converts a typed result into the type-erased form used inside the
// pipeline. Failures pass through unchanged.
func Erase[T any](r Result[T]) Result[any] {
	if r.err != nil {
		return Result[any]{err: r.err}
	}
	return Result[any]{value: r.value}
}

// As converts a type-erased result back into typed form. A success whose
// dynamic type does not match T becomes an unhandled failure rather than a
// panic, which keeps a misregistered handler from crashing its caller.
func As[T any](r Result[any]) Result[T] {
	if r.err != nil {
		return Result[T]{err: r.err}
	}
	v, ok := r.value.(T)
	if !ok {
		return Failf[T](KindUnhandled, "response type mismatch: %T", r.value)
	}
	return Result[T]{value: v}
}

// ContextKind maps a context error to the matching failure kind. Returns
// KindOK when err is nil or not a context error.
func ContextKind(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindOK
	}
}

// FromContextErr converts a context error into a failure result. It must only
// be called with a non-nil context error.
func FromContextErr[T any](err error) Result[T] {
	kind := ContextKind(err)
	if kind == KindOK {
		kind = KindUnhandled
	}
	return Wrap[T](kind, "request aborted", err)
}
