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
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
	"github.com/tomtom215/herald/outbox"
)

// OutboxStore is the durable outbox.Store. A record lives under exactly one
// of the pending, published, or failed prefixes; status transitions move it
// between prefixes inside a single transaction, so a crash can never leave a
// record half-transitioned.
type OutboxStore struct {
	s *Store
}

var _ outbox.Store = (*OutboxStore)(nil)

func outboxKey(status outbox.Status, messageID string) []byte {
	switch status {
	case outbox.StatusPublished:
		return []byte(prefixOutboxPublished + messageID)
	case outbox.StatusFailed:
		return []byte(prefixOutboxFailed + messageID)
	default:
		return []byte(prefixOutboxPending + messageID)
	}
}

// Enqueue implements outbox.Store.
func (o *OutboxStore) Enqueue(_ context.Context, subject string, env *envelope.Envelope) error {
	if subject == "" {
		return errors.New("outbox: empty subject")
	}
	if env == nil {
		return errors.New("outbox: nil envelope")
	}
	if err := env.Validate(); err != nil {
		return err
	}

	start := time.Now()
	defer observe("outbox", "enqueue", start)

	record := &outbox.Record{
		MessageID: env.MessageID,
		Subject:   subject,
		Envelope:  env,
		Status:    outbox.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	return o.s.update(func(txn *badger.Txn) error {
		// A message ID stays unique across its whole lifecycle, terminal
		// states included.
		for _, st := range []outbox.Status{outbox.StatusPending, outbox.StatusPublished, outbox.StatusFailed} {
			if keyExists(txn, outboxKey(st, env.MessageID)) {
				return outbox.ErrDuplicate
			}
		}
		return setJSON(txn, outboxKey(outbox.StatusPending, env.MessageID), record)
	})
}

// ReadPending implements outbox.Store.
func (o *OutboxStore) ReadPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer observe("outbox", "read_pending", start)

	var records []*outbox.Record
	err := o.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixOutboxPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var r outbox.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				logging.Warn().Err(err).Msg("Skipping undecodable outbox record")
				continue
			}
			records = append(records, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Claim implements outbox.Store. The lease is written durably, so it holds
// across publishers on different processes sharing the store.
func (o *OutboxStore) Claim(_ context.Context, messageID, holder string, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, errors.New("outbox: empty lease holder")
	}

	start := time.Now()
	defer observe("outbox", "claim", start)

	claimed := false
	err := o.s.update(func(txn *badger.Txn) error {
		key := outboxKey(outbox.StatusPending, messageID)
		var r outbox.Record
		if err := getJSON(txn, key, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		if r.Leased(now) && r.LeaseHolder != holder {
			metrics.RecordOutboxLeaseConflict()
			return nil
		}

		r.LeaseHolder = holder
		r.LeaseExpiry = now.Add(ttl)
		if err := setJSON(txn, key, &r); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", messageID, err)
	}
	return claimed, nil
}

// Release implements outbox.Store.
func (o *OutboxStore) Release(_ context.Context, messageID string) error {
	start := time.Now()
	defer observe("outbox", "release", start)

	return o.s.update(func(txn *badger.Txn) error {
		key := outboxKey(outbox.StatusPending, messageID)
		var r outbox.Record
		if err := getJSON(txn, key, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		r.LeaseHolder = ""
		r.LeaseExpiry = time.Time{}
		return setJSON(txn, key, &r)
	})
}

// RecordAttempt implements outbox.Store.
func (o *OutboxStore) RecordAttempt(_ context.Context, messageID string, attemptErr error) error {
	start := time.Now()
	defer observe("outbox", "record_attempt", start)

	return o.s.update(func(txn *badger.Txn) error {
		key := outboxKey(outbox.StatusPending, messageID)
		var r outbox.Record
		if err := getJSON(txn, key, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return o.terminalStateError(txn, messageID)
			}
			return err
		}
		r.AttemptCount++
		r.LastAttemptAt = time.Now().UTC()
		if attemptErr != nil {
			r.LastError = attemptErr.Error()
		}
		return setJSON(txn, key, &r)
	})
}

// MarkPublished implements outbox.Store.
func (o *OutboxStore) MarkPublished(_ context.Context, messageID string) error {
	start := time.Now()
	defer observe("outbox", "mark_published", start)

	moved := false
	err := o.s.update(func(txn *badger.Txn) error {
		pendingKey := outboxKey(outbox.StatusPending, messageID)
		var r outbox.Record
		if err := getJSON(txn, pendingKey, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				if keyExists(txn, outboxKey(outbox.StatusPublished, messageID)) {
					return nil
				}
				if keyExists(txn, outboxKey(outbox.StatusFailed, messageID)) {
					return outbox.ErrNotPending
				}
				return outbox.ErrNotFound
			}
			return err
		}

		r.Status = outbox.StatusPublished
		r.LastAttemptAt = time.Now().UTC()
		r.LeaseHolder = ""
		r.LeaseExpiry = time.Time{}

		if err := txn.Delete(pendingKey); err != nil {
			return err
		}
		if err := setJSON(txn, outboxKey(outbox.StatusPublished, messageID), &r); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return err
	}
	if moved {
		metrics.RecordOutboxPublished()
	}
	return nil
}

// MarkFailed implements outbox.Store.
func (o *OutboxStore) MarkFailed(_ context.Context, messageID, reason string) error {
	start := time.Now()
	defer observe("outbox", "mark_failed", start)

	moved := false
	err := o.s.update(func(txn *badger.Txn) error {
		pendingKey := outboxKey(outbox.StatusPending, messageID)
		var r outbox.Record
		if err := getJSON(txn, pendingKey, &r); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				if keyExists(txn, outboxKey(outbox.StatusFailed, messageID)) {
					return nil
				}
				if keyExists(txn, outboxKey(outbox.StatusPublished, messageID)) {
					return outbox.ErrNotPending
				}
				return outbox.ErrNotFound
			}
			return err
		}

		r.Status = outbox.StatusFailed
		r.LastError = reason
		r.LastAttemptAt = time.Now().UTC()
		r.LeaseHolder = ""
		r.LeaseExpiry = time.Time{}

		if err := txn.Delete(pendingKey); err != nil {
			return err
		}
		if err := setJSON(txn, outboxKey(outbox.StatusFailed, messageID), &r); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return err
	}
	if moved {
		metrics.RecordOutboxFailed()
	}
	return nil
}

// PurgeTerminal implements outbox.Store. The scan runs in a read transaction
// and each delete in its own write, which keeps every transaction small.
func (o *OutboxStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer observe("outbox", "purge_terminal", start)

	var stale [][]byte
	err := o.s.view(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixOutboxPublished, prefixOutboxFailed} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = true
			it := txn.NewIterator(opts)

			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				select {
				case <-ctx.Done():
					it.Close()
					return ctx.Err()
				default:
				}

				var r outbox.Record
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				})
				if err != nil || r.LastAttemptAt.Before(cutoff) {
					stale = append(stale, it.Item().KeyCopy(nil))
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan terminal records: %w", err)
	}

	purged := 0
	for _, key := range stale {
		key := key
		err := o.s.update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(key)).Msg("Failed to purge outbox record")
			continue
		}
		purged++
	}
	return purged, nil
}

// Stats implements outbox.Store. It refreshes the pending gauge as a side
// effect, so the publisher's periodic stats call keeps metrics current.
func (o *OutboxStore) Stats(ctx context.Context) (outbox.Stats, error) {
	start := time.Now()
	defer observe("outbox", "stats", start)

	var stats outbox.Stats
	err := o.s.view(func(txn *badger.Txn) error {
		countPrefix := func(prefix string, counter *int64) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				*counter++
			}
			return nil
		}

		// Pending needs values for the oldest created-at timestamp.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		p := []byte(prefixOutboxPending)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			select {
			case <-ctx.Done():
				it.Close()
				return ctx.Err()
			default:
			}

			var r outbox.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				continue
			}
			stats.Pending++
			if stats.OldestPending.IsZero() || r.CreatedAt.Before(stats.OldestPending) {
				stats.OldestPending = r.CreatedAt
			}
		}
		it.Close()

		if err := countPrefix(prefixOutboxPublished, &stats.Published); err != nil {
			return err
		}
		return countPrefix(prefixOutboxFailed, &stats.Failed)
	})
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("outbox stats: %w", err)
	}

	metrics.SetOutboxPending(int(stats.Pending))
	return stats, nil
}

// terminalStateError distinguishes a missing record from one already settled.
func (o *OutboxStore) terminalStateError(txn *badger.Txn, messageID string) error {
	if keyExists(txn, outboxKey(outbox.StatusPublished, messageID)) ||
		keyExists(txn, outboxKey(outbox.StatusFailed, messageID)) {
		return outbox.ErrNotPending
	}
	return outbox.ErrNotFound
}
