// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
)

// DeadLetterStore is the durable dlq.Store. Entries survive restarts; when
// the store is full, parking a new message evicts the entry with the oldest
// first-seen time inside the same transaction.
//
// The added/removed/requeued counters reset with the process; entry counts
// and ages always come from the database.
type DeadLetterStore struct {
	s        *Store
	capacity int

	added    atomic.Int64
	removed  atomic.Int64
	requeued atomic.Int64
	evicted  atomic.Int64
	purged   atomic.Int64
}

var _ dlq.Store = (*DeadLetterStore)(nil)

func newDeadLetterStore(s *Store, capacity int) *DeadLetterStore {
	if capacity <= 0 {
		capacity = dlq.DefaultCapacity
	}
	return &DeadLetterStore{s: s, capacity: capacity}
}

func deadLetterKey(messageID string) []byte {
	return []byte(prefixDeadLetter + messageID)
}

// Add implements dlq.Store. Re-adding a message ID merges, preserving the
// original first-seen time. Eviction scans for the oldest entry; dead letters
// are expected to be rare.
func (d *DeadLetterStore) Add(_ context.Context, entry *dlq.Entry) error {
	if err := dlq.ValidateEntry(entry); err != nil {
		return err
	}

	start := time.Now()
	defer observe("dlq", "add", start)

	now := time.Now().UTC()
	parked := &dlq.Entry{
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

	var evictedID string
	var evictedSource dlq.Source
	err := d.s.update(func(txn *badger.Txn) error {
		key := deadLetterKey(parked.Envelope.MessageID)

		var existing dlq.Entry
		err := getJSON(txn, key, &existing)
		switch {
		case err == nil:
			parked.FirstSeen = existing.FirstSeen
		case errors.Is(err, badger.ErrKeyNotFound):
			oldest, count, scanErr := d.scanOldest(txn)
			if scanErr != nil {
				return scanErr
			}
			if count >= d.capacity && oldest != nil {
				if delErr := txn.Delete(deadLetterKey(oldest.Envelope.MessageID)); delErr != nil {
					return delErr
				}
				evictedID = oldest.Envelope.MessageID
				evictedSource = oldest.Source
			}
		default:
			return err
		}

		return setJSON(txn, key, parked)
	})
	if err != nil {
		return fmt.Errorf("park %s: %w", parked.Envelope.MessageID, err)
	}

	d.added.Add(1)
	metrics.RecordDeadLetter(string(parked.Source))

	if evictedID != "" {
		d.evicted.Add(1)
		logging.Warn().
			Str("message_id", evictedID).
			Str("source", string(evictedSource)).
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

// Get implements dlq.Store.
func (d *DeadLetterStore) Get(_ context.Context, messageID string) (*dlq.Entry, error) {
	start := time.Now()
	defer observe("dlq", "get", start)

	var entry dlq.Entry
	err := d.s.view(func(txn *badger.Txn) error {
		return getJSON(txn, deadLetterKey(messageID), &entry)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, dlq.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter %s: %w", messageID, err)
	}
	return &entry, nil
}

// List implements dlq.Store.
func (d *DeadLetterStore) List(ctx context.Context, limit int) ([]*dlq.Entry, error) {
	start := time.Now()
	defer observe("dlq", "list", start)

	var entries []*dlq.Entry
	err := d.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDeadLetter)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry dlq.Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Msg("Skipping undecodable dead letter")
				continue
			}
			e := entry
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstSeen.Before(entries[j].FirstSeen) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Remove implements dlq.Store.
func (d *DeadLetterStore) Remove(_ context.Context, messageID string) (bool, error) {
	start := time.Now()
	defer observe("dlq", "remove", start)

	removed := false
	err := d.s.update(func(txn *badger.Txn) error {
		key := deadLetterKey(messageID)
		if !keyExists(txn, key) {
			return nil
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove dead letter %s: %w", messageID, err)
	}
	if removed {
		d.removed.Add(1)
	}
	return removed, nil
}

// Requeue implements dlq.Store. The entry stays parked when publish fails.
func (d *DeadLetterStore) Requeue(ctx context.Context, messageID string, publish dlq.RequeueFunc) error {
	start := time.Now()
	defer observe("dlq", "requeue", start)

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := publish(ctx, entry.Envelope); err != nil {
		return err
	}

	err = d.s.update(func(txn *badger.Txn) error {
		return txn.Delete(deadLetterKey(messageID))
	})
	if err != nil {
		return fmt.Errorf("remove requeued dead letter %s: %w", messageID, err)
	}
	d.requeued.Add(1)

	logging.Info().
		Str("message_id", messageID).
		Str("source", string(entry.Source)).
		Msg("Dead letter requeued")

	return nil
}

// PurgeOlderThan implements dlq.Store.
func (d *DeadLetterStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer observe("dlq", "purge", start)

	var stale [][]byte
	err := d.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDeadLetter)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry dlq.Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil || entry.FirstSeen.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan dead letters: %w", err)
	}

	purged := 0
	for _, key := range stale {
		key := key
		err := d.s.update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(key)).Msg("Failed to purge dead letter")
			continue
		}
		purged++
	}

	if purged > 0 {
		d.purged.Add(int64(purged))
		logging.Debug().
			Int("count", purged).
			Time("cutoff", cutoff).
			Msg("Purged expired dead letters")
	}
	return purged, nil
}

// Stats implements dlq.Store.
func (d *DeadLetterStore) Stats(ctx context.Context) (dlq.Stats, error) {
	start := time.Now()
	defer observe("dlq", "stats", start)

	stats := dlq.Stats{
		Added:    d.added.Load(),
		Removed:  d.removed.Load(),
		Requeued: d.requeued.Load(),
		Evicted:  d.evicted.Load(),
		Purged:   d.purged.Load(),
		BySource: make(map[dlq.Source]int64),
	}

	err := d.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDeadLetter)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry dlq.Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				continue
			}
			stats.Entries++
			stats.BySource[entry.Source]++
			if stats.Oldest.IsZero() || entry.FirstSeen.Before(stats.Oldest) {
				stats.Oldest = entry.FirstSeen
			}
		}
		return nil
	})
	if err != nil {
		return dlq.Stats{}, fmt.Errorf("dead letter stats: %w", err)
	}
	return stats, nil
}

// scanOldest returns the entry with the oldest first-seen time and the total
// entry count.
func (d *DeadLetterStore) scanOldest(txn *badger.Txn) (*dlq.Entry, int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	var oldest *dlq.Entry
	count := 0
	prefix := []byte(prefixDeadLetter)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var entry dlq.Entry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
		if err != nil {
			continue
		}
		count++
		if oldest == nil || entry.FirstSeen.Before(oldest.FirstSeen) {
			e := entry
			oldest = &e
		}
	}
	return oldest, count, nil
}
