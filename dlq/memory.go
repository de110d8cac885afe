// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package dlq

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/herald/internal/cache"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
)

// DefaultCapacity bounds the in-memory store when no capacity is given.
const DefaultCapacity = 10000

// MemoryStore is a bounded in-memory dead-letter store. When full, parking a
// new message evicts the entry with the oldest first-seen time.
//
// Suited to development and tests; production deployments should prefer the
// Badger-backed store, which survives restarts.
type MemoryStore struct {
	capacity int

	// mu serializes multi-step heap operations; the heap itself is also
	// internally synchronized.
	mu      sync.Mutex
	entries *cache.MinHeap[*Entry]

	added    atomic.Int64
	removed  atomic.Int64
	requeued atomic.Int64
	evicted  atomic.Int64
	purged   atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a bounded store. capacity <= 0 selects
// DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		entries:  cache.NewMinHeap[*Entry](capacity),
	}
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, entry *Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}

	now := time.Now().UTC()
	parked := &Entry{
		Envelope:  entry.Envelope.Clone(),
		Source:    entry.Source,
		Reason:    entry.Reason,
		Attempts:  entry.Attempts,
		FirstSeen: entry.FirstSeen,
		LastSeen:  entry.LastSeen,
	}
	if parked.FirstSeen.IsZero() {
		parked.FirstSeen = now
	}
	if parked.LastSeen.IsZero() {
		parked.LastSeen = now
	}

	s.mu.Lock()
	if existing := s.entries.Get(parked.Envelope.MessageID); existing != nil {
		parked.FirstSeen = existing.Value.FirstSeen
	}
	evicted := s.entries.Push(parked.Envelope.MessageID, parked, parked.FirstSeen)
	s.mu.Unlock()

	s.added.Add(1)
	metrics.RecordDeadLetter(string(parked.Source))

	if evicted != nil {
		s.evicted.Add(1)
		logging.Warn().
			Str("message_id", evicted.Key).
			Str("source", string(evicted.Value.Source)).
			Msg("Dead letter store full, evicted oldest entry")
	}

	logging.Warn().
		Str("message_id", parked.Envelope.MessageID).
		Str("message_type", parked.Envelope.MessageType).
		Str("source", string(parked.Source)).
		Str("reason", parked.Reason).
		Int("attempts", parked.Attempts).
		Msg("Message dead lettered")

	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, messageID string) (*Entry, error) {
	if entry := s.entries.Get(messageID); entry != nil {
		return entry.Value, nil
	}
	return nil, ErrNotFound
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Entry, error) {
	all := s.entries.All()
	out := make([]*Entry, 0, len(all))
	for _, he := range all {
		out = append(out, he.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, messageID string) (bool, error) {
	if s.entries.Remove(messageID) == nil {
		return false, nil
	}
	s.removed.Add(1)
	return true, nil
}

// Requeue implements Store.
func (s *MemoryStore) Requeue(ctx context.Context, messageID string, publish RequeueFunc) error {
	entry, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := publish(ctx, entry.Envelope); err != nil {
		return err
	}
	s.entries.Remove(messageID)
	s.requeued.Add(1)

	logging.Info().
		Str("message_id", messageID).
		Str("source", string(entry.Source)).
		Msg("Dead letter requeued")

	return nil
}

// PurgeOlderThan implements Store.
func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	dropped := s.entries.PopBefore(cutoff)
	if len(dropped) > 0 {
		s.purged.Add(int64(len(dropped)))
		logging.Debug().
			Int("count", len(dropped)).
			Time("cutoff", cutoff).
			Msg("Purged expired dead letters")
	}
	return len(dropped), nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	stats := Stats{
		Entries:  int64(s.entries.Len()),
		Added:    s.added.Load(),
		Removed:  s.removed.Load(),
		Requeued: s.requeued.Load(),
		Evicted:  s.evicted.Load(),
		Purged:   s.purged.Load(),
		BySource: make(map[Source]int64),
	}
	for _, he := range s.entries.All() {
		stats.BySource[he.Value.Source]++
	}
	if oldest := s.entries.Peek(); oldest != nil {
		stats.Oldest = oldest.Value.FirstSeen
	}
	return stats, nil
}
