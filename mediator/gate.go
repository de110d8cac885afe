// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package mediator

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/result"
)

// GateConfig holds admission gate tuning. Zero values disable the matching
// stage, so a zero GateConfig admits everything.
type GateConfig struct {
	// RatePerSecond caps process-wide send admission; 0 disables the bucket.
	RatePerSecond float64

	// RateBurst is the token bucket depth. Defaults to RatePerSecond when 0.
	RateBurst int

	// BreakerEnabled turns on the process-wide circuit breaker.
	BreakerEnabled bool

	// BreakerFailureThreshold trips the breaker after this many consecutive
	// transient failures.
	BreakerFailureThreshold uint32

	// BreakerInterval is the cyclic period for clearing counts while closed.
	BreakerInterval time.Duration

	// BreakerTimeout is how long the breaker stays open before half-open.
	BreakerTimeout time.Duration

	// BreakerMaxRequests is the half-open probe allowance.
	BreakerMaxRequests uint32

	// MaxConcurrent caps in-flight sends; 0 disables the semaphore.
	MaxConcurrent int64

	// WaitForSlot selects wait mode for the concurrency cap: waiting is
	// bounded by the caller's context. False denies immediately.
	WaitForSlot bool
}

// DefaultGateConfig returns production defaults: breaker and concurrency cap
// on, rate limiting off.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		BreakerEnabled:          true,
		BreakerFailureThreshold: 5,
		BreakerInterval:         60 * time.Second,
		BreakerTimeout:          30 * time.Second,
		BreakerMaxRequests:      3,
		MaxConcurrent:           1024,
	}
}

// Gate is the process-wide admission control for Send: token bucket, then
// circuit breaker, then concurrency cap, first denial wins. Publish never
// passes through the gate.
type Gate struct {
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[result.Result[any]]
	sem         *semaphore.Weighted
	waitForSlot bool
}

// errGateCounted marks a transient downstream failure for the breaker's
// accounting. The carried result reaches the caller unchanged.
var errGateCounted = errors.New("transient failure counted by admission breaker")

// NewGate builds a gate from config. A gate with every stage disabled is
// valid and admits everything.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{waitForSlot: cfg.WaitForSlot}

	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	if cfg.BreakerEnabled {
		threshold := cfg.BreakerFailureThreshold
		if threshold == 0 {
			threshold = DefaultGateConfig().BreakerFailureThreshold
		}
		g.breaker = gobreaker.NewCircuitBreaker[result.Result[any]](gobreaker.Settings{
			Name:        "admission",
			MaxRequests: cfg.BreakerMaxRequests,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Admission breaker state changed")
			},
		})
	}

	if cfg.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}

	return g
}

// Do admits and runs one dispatch. Denials are cheap: nothing downstream is
// invoked once a stage rejects.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) result.Result[any]) result.Result[any] {
	if g == nil {
		return fn(ctx)
	}

	if g.limiter != nil && !g.limiter.Allow() {
		metrics.RecordRateLimited("admission")
		return result.Fail[any](result.KindRateLimited, "admission rate exceeded")
	}

	if g.breaker == nil {
		return g.withSlot(ctx, fn)
	}

	res, err := g.breaker.Execute(func() (result.Result[any], error) {
		r := g.withSlot(ctx, fn)
		if r.Kind() == result.KindTransient {
			return r, errGateCounted
		}
		return r, nil
	})
	switch {
	case err == nil:
		return res
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordCircuitOpen("admission")
		return result.Wrap[any](result.KindCircuitOpen, "admission breaker open", err)
	default:
		// errGateCounted: res already carries the transient failure.
		return res
	}
}

func (g *Gate) withSlot(ctx context.Context, fn func(ctx context.Context) result.Result[any]) result.Result[any] {
	if g.sem == nil {
		return fn(ctx)
	}
	if g.waitForSlot {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return result.FromContextErr[any](err)
		}
	} else if !g.sem.TryAcquire(1) {
		metrics.RecordOverloaded()
		return result.Fail[any](result.KindOverloaded, "admission concurrency cap reached")
	}
	defer g.sem.Release(1)
	return fn(ctx)
}

// BreakerState reports the admission breaker state for health endpoints, or
// "disabled" when no breaker is configured.
func (g *Gate) BreakerState() string {
	if g == nil || g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}
