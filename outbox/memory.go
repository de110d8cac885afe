// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/metrics"
)

// MemoryStore is an in-memory outbox store for development and tests. It
// mirrors the durable store's contract, including leases, so the publisher
// behaves identically against either.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	pending int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, subject string, env *envelope.Envelope) error {
	if subject == "" {
		return errors.New("outbox: empty subject")
	}
	if env == nil {
		return errors.New("outbox: nil envelope")
	}
	if err := env.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[env.MessageID]; exists {
		return ErrDuplicate
	}
	s.records[env.MessageID] = &Record{
		MessageID: env.MessageID,
		Subject:   subject,
		Envelope:  env.Clone(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.pending++
	metrics.SetOutboxPending(s.pending)
	return nil
}

// ReadPending implements Store.
func (s *MemoryStore) ReadPending(_ context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, s.pending)
	for _, r := range s.records {
		if r.Status == StatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, messageID, holder string, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, errors.New("outbox: empty lease holder")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[messageID]
	if !exists || r.Status != StatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	if r.Leased(now) && r.LeaseHolder != holder {
		metrics.RecordOutboxLeaseConflict()
		return false, nil
	}
	r.LeaseHolder = holder
	r.LeaseExpiry = now.Add(ttl)
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.records[messageID]; exists {
		r.LeaseHolder = ""
		r.LeaseExpiry = time.Time{}
	}
	return nil
}

// RecordAttempt implements Store.
func (s *MemoryStore) RecordAttempt(_ context.Context, messageID string, attemptErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[messageID]
	if !exists {
		return ErrNotFound
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.AttemptCount++
	r.LastAttemptAt = time.Now().UTC()
	if attemptErr != nil {
		r.LastError = attemptErr.Error()
	}
	return nil
}

// MarkPublished implements Store.
func (s *MemoryStore) MarkPublished(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[messageID]
	if !exists {
		return ErrNotFound
	}
	switch r.Status {
	case StatusPublished:
		return nil
	case StatusFailed:
		return ErrNotPending
	}

	r.Status = StatusPublished
	r.LastAttemptAt = time.Now().UTC()
	r.LeaseHolder = ""
	r.LeaseExpiry = time.Time{}
	s.pending--
	metrics.SetOutboxPending(s.pending)
	metrics.RecordOutboxPublished()
	return nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[messageID]
	if !exists {
		return ErrNotFound
	}
	switch r.Status {
	case StatusFailed:
		return nil
	case StatusPublished:
		return ErrNotPending
	}

	r.Status = StatusFailed
	r.LastError = reason
	r.LastAttemptAt = time.Now().UTC()
	r.LeaseHolder = ""
	r.LeaseExpiry = time.Time{}
	s.pending--
	metrics.SetOutboxPending(s.pending)
	metrics.RecordOutboxFailed()
	return nil
}

// PurgeTerminal implements Store.
func (s *MemoryStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, r := range s.records {
		if r.Status == StatusPending {
			continue
		}
		if r.LastAttemptAt.Before(cutoff) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, r := range s.records {
		switch r.Status {
		case StatusPending:
			stats.Pending++
			if stats.OldestPending.IsZero() || r.CreatedAt.Before(stats.OldestPending) {
				stats.OldestPending = r.CreatedAt
			}
		case StatusPublished:
			stats.Published++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
