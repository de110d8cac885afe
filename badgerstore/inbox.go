// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/inbox"
	"github.com/tomtom215/herald/logging"
)

// InboxStore is the durable inbox.Store. Every lock acquisition is a write
// transaction, so a lock taken here holds against consumers in other
// processes sharing the database.
type InboxStore struct {
	s *Store
}

var _ inbox.Store = (*InboxStore)(nil)

// inboxRecord is the persisted per-message processing state.
type inboxRecord struct {
	Owner       string    `json:"owner,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Attempts    int       `json:"attempts"`
	Processed   bool      `json:"processed"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

func (r *inboxRecord) lockedAt(now time.Time) bool {
	return r.Owner != "" && now.Before(r.ExpiresAt)
}

// staleSince is the moment the record stopped mattering: completion time for
// processed records, lock expiry for the rest.
func (r *inboxRecord) staleSince() time.Time {
	if r.Processed {
		return r.ProcessedAt
	}
	return r.ExpiresAt
}

func inboxKey(messageID string) []byte {
	return []byte(prefixInbox + messageID)
}

// TryLock implements inbox.Store.
func (i *InboxStore) TryLock(_ context.Context, id, owner string, ttl time.Duration) (bool, int, error) {
	start := time.Now()
	defer observe("inbox", "try_lock", start)

	var (
		locked   bool
		attempts int
	)
	err := i.s.update(func(txn *badger.Txn) error {
		key := inboxKey(id)
		var rec inboxRecord
		if err := getJSON(txn, key, &rec); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if rec.Processed {
			attempts = rec.Attempts
			return nil
		}

		now := time.Now().UTC()
		if rec.lockedAt(now) {
			attempts = rec.Attempts
			return nil
		}

		rec.Owner = owner
		rec.ExpiresAt = now.Add(ttl)
		rec.Attempts++
		if err := setJSON(txn, key, &rec); err != nil {
			return err
		}
		locked = true
		attempts = rec.Attempts
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("try lock %s: %w", id, err)
	}
	return locked, attempts, nil
}

// Release implements inbox.Store. The attempt count survives so delivery
// limits keep counting across releases.
func (i *InboxStore) Release(_ context.Context, id string) error {
	start := time.Now()
	defer observe("inbox", "release", start)

	return i.s.update(func(txn *badger.Txn) error {
		key := inboxKey(id)
		var rec inboxRecord
		if err := getJSON(txn, key, &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		rec.Owner = ""
		rec.ExpiresAt = time.Time{}
		return setJSON(txn, key, &rec)
	})
}

// MarkProcessed implements inbox.Store. Unknown ids are created already
// processed.
func (i *InboxStore) MarkProcessed(_ context.Context, id string) error {
	start := time.Now()
	defer observe("inbox", "mark_processed", start)

	return i.s.update(func(txn *badger.Txn) error {
		key := inboxKey(id)
		var rec inboxRecord
		if err := getJSON(txn, key, &rec); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec.Processed = true
		rec.ProcessedAt = time.Now().UTC()
		rec.Owner = ""
		rec.ExpiresAt = time.Time{}
		return setJSON(txn, key, &rec)
	})
}

// IsProcessed implements inbox.Store.
func (i *InboxStore) IsProcessed(_ context.Context, id string) (bool, error) {
	start := time.Now()
	defer observe("inbox", "is_processed", start)

	processed := false
	err := i.s.view(func(txn *badger.Txn) error {
		var rec inboxRecord
		if err := getJSON(txn, inboxKey(id), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		processed = rec.Processed
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("is processed %s: %w", id, err)
	}
	return processed, nil
}

// PurgeStale implements inbox.Store. The scan runs in a read transaction and
// each delete in its own write, which keeps every transaction small.
func (i *InboxStore) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer observe("inbox", "purge_stale", start)

	var stale [][]byte
	err := i.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixInbox)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec inboxRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				stale = append(stale, it.Item().KeyCopy(nil))
				continue
			}
			since := rec.staleSince()
			if !since.IsZero() && since.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan inbox records: %w", err)
	}

	purged := 0
	for _, key := range stale {
		key := key
		err := i.s.update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(key)).Msg("Failed to purge inbox record")
			continue
		}
		purged++
	}
	return purged, nil
}

// Stats implements inbox.Store.
func (i *InboxStore) Stats(ctx context.Context) (inbox.Stats, error) {
	start := time.Now()
	defer observe("inbox", "stats", start)

	var stats inbox.Stats
	err := i.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		prefix := []byte(prefixInbox)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec inboxRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			stats.Tracked++
			if rec.Processed {
				stats.Processed++
			} else if rec.lockedAt(now) {
				stats.Locked++
			}
		}
		return nil
	})
	if err != nil {
		return inbox.Stats{}, fmt.Errorf("inbox stats: %w", err)
	}
	return stats, nil
}
