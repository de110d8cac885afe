// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestBloomFilter_BasicOperations(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	bf.Add("hello")
	bf.Add("world")

	if !bf.Test("hello") {
		t.Error("Expected 'hello' to be found")
	}
	if !bf.Test("world") {
		t.Error("Expected 'world' to be found")
	}
}

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(10000, 0.01)

	items := make([]string, 1000)
	for i := 0; i < 1000; i++ {
		items[i] = fmt.Sprintf("item-%d", i)
		bf.Add(items[i])
	}

	for _, item := range items {
		if !bf.Test(item) {
			t.Errorf("False negative for item: %s", item)
		}
	}
}

func TestBloomFilter_FalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("item-%d", i))
	}

	// Test 10000 keys that were never added.
	falsePositives := 0
	for i := 1000; i < 11000; i++ {
		if bf.Test(fmt.Sprintf("item-%d", i)) {
			falsePositives++
		}
	}

	// Target is 1%; allow generous margin for the sizing approximation.
	fpRate := float64(falsePositives) / 10000.0
	if fpRate > 0.05 {
		t.Errorf("False positive rate too high: %.2f%% (expected ~1%%)", fpRate*100)
	}
}

func TestBloomFilter_AddAndTest(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	if bf.AddAndTest("key1") {
		t.Error("First AddAndTest should return false")
	}
	if !bf.AddAndTest("key1") {
		t.Error("Second AddAndTest should return true")
	}
	if bf.AddAndTest("key2") {
		t.Error("New key AddAndTest should return false")
	}
}

func TestBloomFilter_Clear(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	bf.Add("test")
	if !bf.Test("test") {
		t.Error("Expected 'test' to be found before Clear")
	}

	bf.Clear()

	if bf.Count() != 0 {
		t.Errorf("Expected count 0 after Clear, got %d", bf.Count())
	}
	if got := bf.ApproximateFillRatio(); got != 0 {
		t.Errorf("Expected 0 fill ratio after Clear, got %f", got)
	}
}

func TestBloomFilter_DefaultSizing(t *testing.T) {
	// Out-of-range arguments fall back to defaults rather than panic.
	bf := NewBloomFilter(0, 2.0)

	if bf.Capacity() != 10000 {
		t.Errorf("Expected default capacity 10000, got %d", bf.Capacity())
	}

	bf.Add("key")
	if !bf.Test("key") {
		t.Error("Expected key to be found after Add")
	}
}

func TestBloomFilter_FillRatio(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	if got := bf.ApproximateFillRatio(); got != 0 {
		t.Errorf("Expected 0 fill ratio initially, got %f", got)
	}

	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("item-%d", i))
	}

	fill := bf.ApproximateFillRatio()
	if fill <= 0 || fill >= 1 {
		t.Errorf("Expected fill ratio in (0, 1) at capacity, got %f", fill)
	}
}

func TestBloomFilter_ConcurrentAccess(t *testing.T) {
	bf := NewBloomFilter(10000, 0.01)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-item-%d", g, i)
				bf.Add(key)
				if !bf.Test(key) {
					t.Errorf("False negative under concurrency: %s", key)
				}
			}
		}(g)
	}
	wg.Wait()

	if bf.Count() != 8*500 {
		t.Errorf("Expected count %d, got %d", 8*500, bf.Count())
	}
}
