// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUBasics(t *testing.T) {
	c := NewLRU(10, time.Minute)
	now := time.Now()

	t.Run("miss then hit", func(t *testing.T) {
		if _, _, ok := c.Get("m1"); ok {
			t.Fatal("unexpected hit on empty cache")
		}

		c.Put("m1", "fp1", now)
		fp, at, ok := c.Get("m1")
		if !ok {
			t.Fatal("expected hit")
		}
		if fp != "fp1" || !at.Equal(now) {
			t.Errorf("Get = (%q, %v)", fp, at)
		}
	})

	t.Run("contains does not count stats", func(t *testing.T) {
		hitsBefore, missesBefore, _ := c.Stats()
		if !c.Contains("m1") {
			t.Error("Contains(m1) = false")
		}
		if c.Contains("absent") {
			t.Error("Contains(absent) = true")
		}
		hits, misses, _ := c.Stats()
		if hits != hitsBefore || misses != missesBefore {
			t.Error("Contains must not change stats")
		}
	})

	t.Run("remove", func(t *testing.T) {
		if !c.Remove("m1") {
			t.Error("Remove(m1) = false")
		}
		if c.Remove("m1") {
			t.Error("second Remove(m1) = true")
		}
	})
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU(3, time.Minute)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		c.Put(fmt.Sprintf("m%d", i), "fp", now)
	}

	// Touch m1 so m2 becomes the eviction candidate.
	c.Get("m1")
	c.Put("m4", "fp", now)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.Contains("m2") {
		t.Error("m2 should have been evicted as least recently used")
	}
	for _, key := range []string{"m1", "m3", "m4"} {
		if !c.Contains(key) {
			t.Errorf("%s should be present", key)
		}
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU(10, 30*time.Millisecond)
	c.Put("m1", "fp", time.Now())

	if !c.Contains("m1") {
		t.Fatal("entry should be live immediately after Put")
	}

	time.Sleep(60 * time.Millisecond)

	if c.Contains("m1") {
		t.Error("entry should have expired")
	}
	if _, _, ok := c.Get("m1"); ok {
		t.Error("Get should lazily remove expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after lazy removal, want 0", c.Len())
	}
}

func TestLRURemoveOlderThan(t *testing.T) {
	c := NewLRU(10, time.Hour)
	base := time.Now()

	c.Put("old1", "fp", base.Add(-2*time.Hour))
	c.Put("old2", "fp", base.Add(-90*time.Minute))
	c.Put("fresh", "fp", base)

	removed := c.RemoveOlderThan(base.Add(-time.Hour))
	if removed != 2 {
		t.Errorf("RemoveOlderThan removed %d, want 2", removed)
	}
	if !c.Contains("fresh") {
		t.Error("fresh entry must survive retention purge")
	}
}

func TestLRUCleanupExpired(t *testing.T) {
	c := NewLRU(10, 20*time.Millisecond)
	now := time.Now()
	c.Put("a", "fp", now)
	c.Put("b", "fp", now)

	time.Sleep(50 * time.Millisecond)
	c.Put("c", "fp", time.Now())

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired = %d, want 2", removed)
	}
	if !c.Contains("c") {
		t.Error("unexpired entry removed")
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRU(128, time.Minute)
	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-m%d", g, i%64)
				c.Put(key, "fp", time.Now())
				c.Get(key)
				c.Contains(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	if c.Len() > 128 {
		t.Errorf("Len = %d exceeds capacity", c.Len())
	}
}
