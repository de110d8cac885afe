// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package cache provides the bounded TTL cache backing the in-memory
// idempotency store. The implementation pairs a hashmap with a doubly-linked
// list so lookup, insert, and eviction are all O(1).
package cache

import (
	"sync"
	"time"
)

// entry is a node in the doubly-linked recency list.
type entry struct {
	key         string
	fingerprint string
	recordedAt  time.Time
	expiresAt   time.Time
	prev        *entry
	next        *entry
}

// LRU is a thread-safe least-recently-used cache with per-entry TTL and lazy
// expiration. Values are dedup records: a payload fingerprint plus the time
// the key was recorded.
type LRU struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration

	items map[string]*entry

	// head.next is most recently used, tail.prev least recently used.
	head *entry
	tail *entry

	hits   int64
	misses int64
}

// NewLRU creates a cache holding at most capacity entries, each expiring ttl
// after insertion. Non-positive arguments fall back to defaults sized for
// dedup workloads.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 65536
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the dedup record for key. Expired entries are removed on
// access. A hit refreshes recency but not the TTL.
func (c *LRU) Get(key string) (fingerprint string, recordedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		c.misses++
		return "", time.Time{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		c.misses++
		return "", time.Time{}, false
	}

	c.moveToFront(e)
	c.hits++
	return e.fingerprint, e.recordedAt, true
}

// Contains reports whether key is present and unexpired, without touching
// recency or stats.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	return exists && !time.Now().After(e.expiresAt)
}

// Put inserts or refreshes a dedup record, evicting the least recently used
// entry when over capacity.
func (c *LRU) Put(key, fingerprint string, recordedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)

	if e, exists := c.items[key]; exists {
		e.fingerprint = fingerprint
		e.recordedAt = recordedAt
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{
		key:         key,
		fingerprint: fingerprint,
		recordedAt:  recordedAt,
		expiresAt:   expiresAt,
	}
	c.addToFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Remove deletes key. Returns true if it was present.
func (c *LRU) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		c.remove(e)
		return true
	}
	return false
}

// RemoveOlderThan deletes entries recorded before cutoff and returns how many
// were removed. Retention purges use this on top of TTL expiry.
func (c *LRU) RemoveOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if e.recordedAt.Before(cutoff) {
			c.remove(e)
			removed++
		}
		e = prev
	}
	return removed
}

// CleanupExpired removes entries past their TTL and returns how many were
// removed.
func (c *LRU) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.remove(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the current number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss counters and the current size.
func (c *LRU) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// List manipulation below requires c.mu held.

func (c *LRU) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRU) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *LRU) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *LRU) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.remove(oldest)
}
