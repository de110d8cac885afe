// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package health aggregates component health checks. Long-running components
// implement Checkable; the Checker fans out to all of them with a per-check
// timeout and folds the results into one overall status for readiness
// endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the overall health level.
type Status string

const (
	// StatusHealthy indicates every component is functioning normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some components report issues but remain
	// operational.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates at least one component is failing.
	StatusUnhealthy Status = "unhealthy"
)

// Config holds health checker tuning.
type Config struct {
	// Timeout bounds each individual component check.
	Timeout time.Duration

	// Interval is how often periodic checks run.
	Interval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		Interval: 30 * time.Second,
	}
}

// ComponentHealth is the result of checking one component.
type ComponentHealth struct {
	// Healthy indicates whether the component is functioning.
	Healthy bool `json:"healthy"`
	// Degraded indicates the component works but is experiencing issues.
	Degraded bool `json:"degraded,omitempty"`
	// Name is the component identifier.
	Name string `json:"name"`
	// Message provides context about the status.
	Message string `json:"message,omitempty"`
	// Error holds failure details when unhealthy.
	Error string `json:"error,omitempty"`
	// LastCheck is when the check ran.
	LastCheck time.Time `json:"last_check"`
	// Details carries component-specific diagnostics.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checkable is implemented by components that support health checking.
type Checkable interface {
	// HealthCheck performs a health check and returns the result.
	HealthCheck(ctx context.Context) ComponentHealth
}

// CheckableFunc adapts a function to Checkable.
type CheckableFunc func(ctx context.Context) ComponentHealth

// HealthCheck implements Checkable.
func (f CheckableFunc) HealthCheck(ctx context.Context) ComponentHealth {
	return f(ctx)
}

// Overall is the aggregated status of every registered component.
type Overall struct {
	// Healthy indicates whether all components are healthy.
	Healthy bool `json:"healthy"`
	// Status is the folded health level.
	Status Status `json:"status"`
	// Timestamp is when this aggregation ran.
	Timestamp time.Time `json:"timestamp"`
	// Components holds per-component results.
	Components map[string]ComponentHealth `json:"components"`
}

// Checker runs health checks across registered components.
type Checker struct {
	config     Config
	mu         sync.RWMutex
	components map[string]Checkable
}

// NewChecker creates a health checker.
func NewChecker(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Checker{
		config:     cfg,
		components: make(map[string]Checkable),
	}
}

// Register adds a component. Re-registering a name replaces the previous
// component.
func (c *Checker) Register(name string, component Checkable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
}

// CheckAll checks every registered component concurrently and folds the
// results. A component that does not answer within the configured timeout is
// reported unhealthy.
func (c *Checker) CheckAll(ctx context.Context) Overall {
	c.mu.RLock()
	snapshot := make(map[string]Checkable, len(c.components))
	for name, comp := range c.components {
		snapshot[name] = comp
	}
	c.mu.RUnlock()

	overall := Overall{
		Healthy:    true,
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, component := range snapshot {
		wg.Add(1)
		go func(name string, comp Checkable) {
			defer wg.Done()

			result := c.runCheck(ctx, name, comp)

			mu.Lock()
			overall.Components[name] = result
			if !result.Healthy {
				overall.Healthy = false
				overall.Status = StatusUnhealthy
			} else if result.Degraded && overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
			mu.Unlock()
		}(name, component)
	}

	wg.Wait()
	return overall
}

// Check checks one component by name.
func (c *Checker) Check(ctx context.Context, name string) ComponentHealth {
	c.mu.RLock()
	component, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{
			Name:      name,
			Healthy:   false,
			Error:     "component not found",
			LastCheck: time.Now(),
		}
	}
	return c.runCheck(ctx, name, component)
}

// runCheck executes one check in a goroutine so a stuck component cannot
// block the aggregation past the timeout.
func (c *Checker) runCheck(ctx context.Context, name string, component Checkable) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resultCh := make(chan ComponentHealth, 1)
	go func() {
		result := component.HealthCheck(checkCtx)
		result.Name = name
		result.LastCheck = time.Now()
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result
	case <-checkCtx.Done():
		return ComponentHealth{
			Name:      name,
			Healthy:   false,
			Error:     "health check timeout",
			LastCheck: time.Now(),
		}
	}
}
