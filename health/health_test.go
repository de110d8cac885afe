// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package health

import (
	"context"
	"testing"
	"time"
)

func staticCheck(healthy, degraded bool) Checkable {
	return CheckableFunc(func(context.Context) ComponentHealth {
		return ComponentHealth{Healthy: healthy, Degraded: degraded}
	})
}

func TestCheckAllHealthy(t *testing.T) {
	c := NewChecker(Config{})
	c.Register("store", staticCheck(true, false))
	c.Register("transport", staticCheck(true, false))

	overall := c.CheckAll(context.Background())
	if !overall.Healthy || overall.Status != StatusHealthy {
		t.Fatalf("overall = %+v, want healthy", overall)
	}
	if len(overall.Components) != 2 {
		t.Errorf("components = %d, want 2", len(overall.Components))
	}
	for name, comp := range overall.Components {
		if comp.Name != name {
			t.Errorf("component %q reported name %q", name, comp.Name)
		}
		if comp.LastCheck.IsZero() {
			t.Errorf("component %q missing LastCheck", name)
		}
	}
}

func TestCheckAllDegraded(t *testing.T) {
	c := NewChecker(Config{})
	c.Register("store", staticCheck(true, false))
	c.Register("outbox", staticCheck(true, true))

	overall := c.CheckAll(context.Background())
	if !overall.Healthy {
		t.Error("degraded components should not flip Healthy to false")
	}
	if overall.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", overall.Status)
	}
}

func TestCheckAllUnhealthyWins(t *testing.T) {
	c := NewChecker(Config{})
	c.Register("a", staticCheck(true, true))
	c.Register("b", staticCheck(false, false))

	overall := c.CheckAll(context.Background())
	if overall.Healthy || overall.Status != StatusUnhealthy {
		t.Fatalf("overall = %+v, want unhealthy", overall)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(Config{Timeout: 50 * time.Millisecond})
	c.Register("stuck", CheckableFunc(func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		time.Sleep(time.Second)
		return ComponentHealth{Healthy: true}
	}))

	start := time.Now()
	result := c.Check(context.Background(), "stuck")
	if time.Since(start) > 2*time.Second {
		t.Fatal("check did not respect its timeout")
	}
	if result.Healthy || result.Error != "health check timeout" {
		t.Errorf("result = %+v, want timeout failure", result)
	}
}

func TestCheckUnknownComponent(t *testing.T) {
	c := NewChecker(Config{})
	result := c.Check(context.Background(), "ghost")
	if result.Healthy || result.Error != "component not found" {
		t.Errorf("result = %+v, want component not found", result)
	}
}

func TestUnregister(t *testing.T) {
	c := NewChecker(Config{})
	c.Register("temp", staticCheck(false, false))
	c.Unregister("temp")

	overall := c.CheckAll(context.Background())
	if !overall.Healthy {
		t.Error("unregistered component still counted")
	}
	if len(overall.Components) != 0 {
		t.Errorf("components = %d, want 0", len(overall.Components))
	}
}
