// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/cache"
)

// lockRecord is the per-message state. attempts survives releases and lock
// expiry; only PurgeStale forgets it.
type lockRecord struct {
	owner       string
	expiresAt   time.Time
	attempts    int
	processed   bool
	processedAt time.Time
}

func (r *lockRecord) lockedAt(now time.Time) bool {
	return r.owner != "" && now.Before(r.expiresAt)
}

// staleSince is the moment the record stopped mattering: completion time for
// processed records, lock expiry for the rest.
func (r *lockRecord) staleSince() time.Time {
	if r.processed {
		return r.processedAt
	}
	return r.expiresAt
}

// MemoryStore is the in-memory inbox store. Single-process only: locks taken
// here are invisible to other processes, so multi-instance deployments need
// the Badger-backed store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*lockRecord
}

// NewMemoryStore creates an empty in-memory inbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*lockRecord)}
}

var _ Store = (*MemoryStore)(nil)

// TryLock implements Store.
func (m *MemoryStore) TryLock(_ context.Context, id, owner string, ttl time.Duration) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		rec = &lockRecord{}
		m.records[id] = rec
	}

	if rec.processed {
		return false, rec.attempts, nil
	}

	now := time.Now()
	if rec.lockedAt(now) {
		return false, rec.attempts, nil
	}

	rec.owner = owner
	rec.expiresAt = now.Add(ttl)
	rec.attempts++
	return true, rec.attempts, nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.owner = ""
		rec.expiresAt = time.Time{}
	}
	return nil
}

// MarkProcessed implements Store.
func (m *MemoryStore) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		rec = &lockRecord{}
		m.records[id] = rec
	}
	rec.processed = true
	rec.processedAt = time.Now()
	rec.owner = ""
	rec.expiresAt = time.Time{}
	return nil
}

// IsProcessed implements Store.
func (m *MemoryStore) IsProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	return ok && rec.processed, nil
}

// PurgeStale implements Store.
func (m *MemoryStore) PurgeStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, rec := range m.records {
		since := rec.staleSince()
		if !since.IsZero() && since.Before(cutoff) {
			delete(m.records, id)
			purged++
		}
	}
	return purged, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Tracked: len(m.records)}
	now := time.Now()
	for _, rec := range m.records {
		if rec.processed {
			stats.Processed++
		} else if rec.lockedAt(now) {
			stats.Locked++
		}
	}
	return stats, nil
}

// MemoryIdempotencyStore is the in-memory idempotency ledger, a bounded LRU
// with per-record TTL. It satisfies both this package's IdempotencyStore and
// the mediator pipeline's subset, so one instance deduplicates deliveries
// and dispatches alike.
type MemoryIdempotencyStore struct {
	lru *cache.LRU
}

// NewMemoryIdempotencyStore creates a ledger holding at most capacity
// records, each expiring ttl after it is recorded. Non-positive arguments
// fall back to the cache defaults.
func NewMemoryIdempotencyStore(capacity int, ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{lru: cache.NewLRU(capacity, ttl)}
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// Seen implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Seen(_ context.Context, key string) (bool, error) {
	return s.lru.Contains(key), nil
}

// Record implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Record(_ context.Context, key, fingerprint string, at time.Time) error {
	s.lru.Put(key, fingerprint, at)
	return nil
}

// PurgeOlderThan implements IdempotencyStore.
func (s *MemoryIdempotencyStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	return s.lru.RemoveOlderThan(cutoff), nil
}

// Len returns the number of live records.
func (s *MemoryIdempotencyStore) Len() int {
	return s.lru.Len()
}
