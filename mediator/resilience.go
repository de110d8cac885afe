// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/result"
)

// RetryConfig holds retry behavior tuning.
type RetryConfig struct {
	// MaxAttempts counts the first attempt, so 3 means up to 2 retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// JitterFraction adds up to this fraction of the delay as random jitter,
	// decorrelating retry storms. 0.2 adds up to 20%.
	JitterFraction float64
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// RetryBehavior re-runs the rest of the pipeline on retryable failures with
// exponential backoff. Only kinds whose Retryable() is true are retried;
// validation, terminal, and duplicate failures return immediately. The wait
// between attempts respects the caller's context: on cancellation the last
// failure is returned without further attempts.
type RetryBehavior struct {
	cfg RetryConfig
}

// NewRetryBehavior creates the retry behavior.
func NewRetryBehavior(cfg RetryConfig) *RetryBehavior {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return &RetryBehavior{cfg: cfg}
}

// Name implements Behavior.
func (*RetryBehavior) Name() string { return "retry" }

// Order implements Behavior.
func (*RetryBehavior) Order() int { return OrderRetry }

// Handle implements Behavior.
func (b *RetryBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	for attempt := 1; ; attempt++ {
		inv.Attempt = attempt
		res := next(ctx)
		if res.IsOk() || !res.Kind().Retryable() || attempt >= b.cfg.MaxAttempts {
			return res
		}

		delay := BackoffDelay(b.cfg.BaseDelay, b.cfg.MaxDelay, b.cfg.JitterFraction, attempt)
		metrics.RecordRetry(inv.TypeName, "pipeline")
		logging.Ctx(ctx).Debug().
			Str("request", inv.TypeName).
			Int("attempt", attempt).
			Str("outcome", res.Kind().String()).
			Dur("backoff", delay).
			Msg("Retrying request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res
		case <-timer.C:
		}
	}
}

// BackoffDelay computes min(maxDelay, base*2^(attempt-1) + jitter), where
// jitter is uniform in [0, jitterFraction*delay). Shared by the pipeline
// retry behavior and the outbox publisher.
func BackoffDelay(base, maxDelay time.Duration, jitterFraction float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			d = maxDelay
			break
		}
	}
	if jitterFraction > 0 {
		d += time.Duration(rand.Float64() * jitterFraction * float64(d))
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// BreakerConfig holds per-type circuit breaker tuning.
type BreakerConfig struct {
	// FailureThreshold trips the breaker after this many consecutive
	// transient failures.
	FailureThreshold uint32

	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// MaxRequests is the half-open probe allowance.
	MaxRequests uint32
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreakerBehavior maintains one breaker per request type. Only
// transient failures count toward tripping; an open breaker short-circuits
// with a circuit-open failure before anything downstream runs.
type CircuitBreakerBehavior struct {
	cfg      BreakerConfig
	breakers sync.Map // type name -> *gobreaker.CircuitBreaker[result.Result[any]]
}

// errBreakerCounted marks a transient failure for breaker accounting; the
// carried result reaches the caller unchanged.
var errBreakerCounted = errors.New("transient failure counted by circuit breaker")

// NewCircuitBreakerBehavior creates the circuit breaker behavior.
func NewCircuitBreakerBehavior(cfg BreakerConfig) *CircuitBreakerBehavior {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	return &CircuitBreakerBehavior{cfg: cfg}
}

// Name implements Behavior.
func (*CircuitBreakerBehavior) Name() string { return "circuit_breaker" }

// Order implements Behavior.
func (*CircuitBreakerBehavior) Order() int { return OrderCircuitBreaker }

// Handle implements Behavior.
func (b *CircuitBreakerBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	cb := b.breakerFor(inv.TypeName)

	res, err := cb.Execute(func() (result.Result[any], error) {
		r := next(ctx)
		if r.Kind() == result.KindTransient {
			return r, errBreakerCounted
		}
		return r, nil
	})
	switch {
	case err == nil:
		return res
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordCircuitOpen(inv.TypeName)
		return result.Wrap[any](result.KindCircuitOpen, inv.TypeName+" breaker open", err)
	default:
		return res
	}
}

// State reports a request type's breaker state, or "closed" when the type
// has not been dispatched yet.
func (b *CircuitBreakerBehavior) State(typeName string) string {
	if v, ok := b.breakers.Load(typeName); ok {
		return v.(*gobreaker.CircuitBreaker[result.Result[any]]).State().String()
	}
	return gobreaker.StateClosed.String()
}

func (b *CircuitBreakerBehavior) breakerFor(typeName string) *gobreaker.CircuitBreaker[result.Result[any]] {
	if v, ok := b.breakers.Load(typeName); ok {
		return v.(*gobreaker.CircuitBreaker[result.Result[any]])
	}

	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[result.Result[any]](gobreaker.Settings{
		Name:        typeName,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Request breaker state changed")
		},
	})

	actual, _ := b.breakers.LoadOrStore(typeName, cb)
	return actual.(*gobreaker.CircuitBreaker[result.Result[any]])
}

// RateLimitConfig holds per-type token bucket tuning.
type RateLimitConfig struct {
	// RatePerSecond refills each type's bucket; 0 disables the behavior.
	RatePerSecond float64

	// Burst is the bucket depth. Defaults to RatePerSecond when 0.
	Burst int
}

// RateLimitBehavior keeps one token bucket per request type. A drained
// bucket denies immediately with a rate-limited failure; there is no queueing
// at this level.
type RateLimitBehavior struct {
	cfg      RateLimitConfig
	limiters sync.Map // type name -> *rate.Limiter
}

// NewRateLimitBehavior creates the rate limit behavior.
func NewRateLimitBehavior(cfg RateLimitConfig) *RateLimitBehavior {
	if cfg.Burst <= 0 && cfg.RatePerSecond > 0 {
		cfg.Burst = int(cfg.RatePerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &RateLimitBehavior{cfg: cfg}
}

// Name implements Behavior.
func (*RateLimitBehavior) Name() string { return "rate_limit" }

// Order implements Behavior.
func (*RateLimitBehavior) Order() int { return OrderRateLimit }

// Handle implements Behavior.
func (b *RateLimitBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if b.cfg.RatePerSecond <= 0 {
		return next(ctx)
	}
	if !b.limiterFor(inv.TypeName).Allow() {
		metrics.RecordRateLimited(inv.TypeName)
		return result.Fail[any](result.KindRateLimited, inv.TypeName+" rate limit exceeded")
	}
	return next(ctx)
}

func (b *RateLimitBehavior) limiterFor(typeName string) *rate.Limiter {
	if v, ok := b.limiters.Load(typeName); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(b.cfg.RatePerSecond), b.cfg.Burst)
	actual, _ := b.limiters.LoadOrStore(typeName, limiter)
	return actual.(*rate.Limiter)
}

// ConcurrencyConfig holds concurrency cap tuning.
type ConcurrencyConfig struct {
	// MaxInFlight caps dispatches inside this behavior; 0 disables it.
	MaxInFlight int64

	// Wait selects wait mode, bounded by the caller's context. False denies
	// immediately with an overloaded failure.
	Wait bool
}

// ConcurrencyBehavior caps in-flight dispatches with a weighted semaphore.
// One instance is one cap: register it once for a process-wide limit inside
// the pipeline, or build separate mediators for separate pools.
type ConcurrencyBehavior struct {
	cfg ConcurrencyConfig
	sem *semaphore.Weighted
}

// NewConcurrencyBehavior creates the concurrency behavior.
func NewConcurrencyBehavior(cfg ConcurrencyConfig) *ConcurrencyBehavior {
	b := &ConcurrencyBehavior{cfg: cfg}
	if cfg.MaxInFlight > 0 {
		b.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return b
}

// Name implements Behavior.
func (*ConcurrencyBehavior) Name() string { return "concurrency" }

// Order implements Behavior.
func (*ConcurrencyBehavior) Order() int { return OrderConcurrency }

// Handle implements Behavior.
func (b *ConcurrencyBehavior) Handle(ctx context.Context, inv *Invocation, next Next) result.Result[any] {
	if b.sem == nil {
		return next(ctx)
	}
	if b.cfg.Wait {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return result.FromContextErr[any](err)
		}
	} else if !b.sem.TryAcquire(1) {
		metrics.RecordOverloaded()
		return result.Fail[any](result.KindOverloaded, inv.TypeName+" concurrency cap reached")
	}
	defer b.sem.Release(1)
	return next(ctx)
}
