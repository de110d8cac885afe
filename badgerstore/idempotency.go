// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/inbox"
	"github.com/tomtom215/herald/internal/cache"
	"github.com/tomtom215/herald/logging"
)

// bloomMinCapacity floors the filter size so small ledgers still get a low
// false positive rate with headroom to grow.
const bloomMinCapacity = 100000

// bloomFalsePositiveRate is the target rate for the ledger filter. A false
// positive only costs one extra database read.
const bloomFalsePositiveRate = 0.01

// IdempotencyStore is the durable idempotency ledger. An in-memory bloom
// filter fronts every lookup: most unseen keys are rejected without touching
// the database, seen keys (and the occasional false positive) fall through to
// the authoritative read.
//
// Records carry the retention as a BadgerDB entry TTL, so expired records
// vanish without a purge pass.
//
// Badger admits a single process, so every ledger write in a deployment goes
// through this process and the filter never misses a recorded key. Create one
// view per database: the filter only sees writes made through it.
type IdempotencyStore struct {
	s         *Store
	retention time.Duration
	bloom     *cache.BloomFilter
}

var _ inbox.IdempotencyStore = (*IdempotencyStore)(nil)

// idempotencyRecord is the persisted ledger entry.
type idempotencyRecord struct {
	Fingerprint string    `json:"fingerprint,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func idempotencyKey(key string) []byte {
	return []byte(prefixIdempotency + key)
}

// newIdempotencyStore builds the view and warms the bloom filter with one
// keys-only scan of the ledger prefix.
func newIdempotencyStore(s *Store, retention time.Duration) (*IdempotencyStore, error) {
	start := time.Now()

	var keys []string
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixIdempotency)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), prefixIdempotency))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("warm idempotency filter: %w", err)
	}

	capacity := bloomMinCapacity
	if want := 2 * len(keys); want > capacity {
		capacity = want
	}
	bloom := cache.NewBloomFilter(capacity, bloomFalsePositiveRate)
	for _, k := range keys {
		bloom.Add(k)
	}

	logging.Debug().
		Int("keys", len(keys)).
		Int("capacity", capacity).
		Dur("took", time.Since(start)).
		Msg("Idempotency filter warmed")

	return &IdempotencyStore{s: s, retention: retention, bloom: bloom}, nil
}

// Seen implements inbox.IdempotencyStore. A filter miss answers without a
// database read.
func (l *IdempotencyStore) Seen(_ context.Context, key string) (bool, error) {
	start := time.Now()
	defer observe("idempotency", "seen", start)

	if !l.bloom.Test(key) {
		return false, nil
	}

	seen := false
	err := l.s.view(func(txn *badger.Txn) error {
		var rec idempotencyRecord
		if err := getJSON(txn, idempotencyKey(key), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if l.retention <= 0 || time.Since(rec.RecordedAt) < l.retention {
			seen = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("idempotency seen %s: %w", key, err)
	}
	return seen, nil
}

// Record implements inbox.IdempotencyStore. Records already past retention
// are not written.
func (l *IdempotencyStore) Record(_ context.Context, key, fingerprint string, at time.Time) error {
	start := time.Now()
	defer observe("idempotency", "record", start)

	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var ttl time.Duration
	if l.retention > 0 {
		ttl = time.Until(at.Add(l.retention))
		if ttl <= 0 {
			return nil
		}
	}

	rec := idempotencyRecord{Fingerprint: fingerprint, RecordedAt: at}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	err = l.s.update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(idempotencyKey(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("record idempotency %s: %w", key, err)
	}

	l.bloom.Add(key)
	return nil
}

// PurgeOlderThan implements inbox.IdempotencyStore. Entry TTLs already drop
// records past retention; this handles earlier cutoffs. Purged keys stay in
// the filter, costing one extra read if they recur.
func (l *IdempotencyStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer observe("idempotency", "purge", start)

	var stale [][]byte
	err := l.s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixIdempotency)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec idempotencyRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil || rec.RecordedAt.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan idempotency records: %w", err)
	}

	purged := 0
	for _, key := range stale {
		key := key
		err := l.s.update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(key)).Msg("Failed to purge idempotency record")
			continue
		}
		purged++
	}
	return purged, nil
}

// FilterFillRatio exposes the bloom filter's saturation for health reporting.
func (l *IdempotencyStore) FilterFillRatio() float64 {
	return l.bloom.ApproximateFillRatio()
}
