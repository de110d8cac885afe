// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package badgerstore backs the outbox, inbox, idempotency ledger, and
// dead-letter store with a single BadgerDB database. Records are persisted
// with fsync (when SyncWrites is on) before any publish or dispatch proceeds,
// so neither a process crash nor a power loss drops a message the stores have
// accepted.
//
// All four stores share one DB under distinct key prefixes and one value log,
// so a deployment pays for one set of memtables and one GC loop.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/health"
	"github.com/tomtom215/herald/logging"
	"github.com/tomtom215/herald/metrics"
)

// Key prefixes partition the shared database.
const (
	prefixOutboxPending   = "outbox:pending:"
	prefixOutboxPublished = "outbox:published:"
	prefixOutboxFailed    = "outbox:failed:"
	prefixInbox           = "inbox:"
	prefixIdempotency     = "idem:"
	prefixDeadLetter      = "dlq:"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("badgerstore: store is closed")

// Config holds BadgerDB tuning. The zero value is unusable; start from
// DefaultConfig and override.
type Config struct {
	// Path is the directory for the database files. Must be on a durable
	// filesystem, not tmpfs.
	Path string

	// SyncWrites forces fsync after every write. Turning it off trades
	// crash durability for throughput.
	SyncWrites bool

	// Compression enables Snappy compression of stored blocks. JSON
	// payloads compress well; the CPU cost is small.
	Compression bool

	// MemTableSize is the size of each memtable in bytes.
	MemTableSize int64

	// ValueLogFileSize is the size of each value log file in bytes.
	ValueLogFileSize int64

	// NumCompactors is the number of compaction workers. BadgerDB requires
	// at least 2.
	NumCompactors int

	// NumMemtables is the number of memtables kept in memory.
	NumMemtables int

	// BlockCacheSize is the block cache size in bytes.
	BlockCacheSize int64

	// IndexCacheSize is the index cache size in bytes. Zero shares the
	// block cache.
	IndexCacheSize int64

	// GCRatio is the value log garbage collection ratio. Lower reclaims
	// more space at more CPU.
	GCRatio float64

	// GCInterval is how often the maintenance loop runs value log GC.
	GCInterval time.Duration

	// CloseTimeout bounds graceful shutdown before Close gives up.
	CloseTimeout time.Duration
}

// DefaultConfig returns durability-first defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/herald",
		SyncWrites:       true,
		Compression:      true,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
		NumMemtables:     5,
		BlockCacheSize:   256 * 1024 * 1024,
		IndexCacheSize:   0,
		GCRatio:          0.5,
		GCInterval:       30 * time.Minute,
		CloseTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MemTableSize <= 0 {
		c.MemTableSize = def.MemTableSize
	}
	if c.ValueLogFileSize <= 0 {
		c.ValueLogFileSize = def.ValueLogFileSize
	}
	if c.NumCompactors < 2 {
		c.NumCompactors = def.NumCompactors
	}
	if c.NumMemtables <= 0 {
		c.NumMemtables = def.NumMemtables
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		c.GCRatio = def.GCRatio
	}
	if c.GCInterval <= 0 {
		c.GCInterval = def.GCInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

// Store owns the shared BadgerDB database. The typed store views returned by
// Outbox, Inbox, Idempotency, and DeadLetters all operate on it.
type Store struct {
	db     *badger.DB
	cfg    Config
	closed chan struct{}
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	opts.NumMemtables = cfg.NumMemtables
	if cfg.BlockCacheSize > 0 {
		opts.BlockCacheSize = cfg.BlockCacheSize
	}
	if cfg.IndexCacheSize > 0 {
		opts.IndexCacheSize = cfg.IndexCacheSize
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("compression", cfg.Compression).
		Msg("Badger store opened")

	return &Store{db: db, cfg: cfg, closed: make(chan struct{})}, nil
}

// Outbox returns the outbox store view.
func (s *Store) Outbox() *OutboxStore { return &OutboxStore{s: s} }

// Inbox returns the inbox store view.
func (s *Store) Inbox() *InboxStore { return &InboxStore{s: s} }

// DeadLetters returns the dead-letter store view. capacity <= 0 selects the
// dlq package default.
func (s *Store) DeadLetters(capacity int) *DeadLetterStore {
	return newDeadLetterStore(s, capacity)
}

// Idempotency returns the ledger view with the given retention. The in-memory
// bloom filter fronting lookups is warmed from the existing keys, which scans
// the ledger prefix once.
func (s *Store) Idempotency(retention time.Duration) (*IdempotencyStore, error) {
	return newIdempotencyStore(s, retention)
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// Serve implements suture.Service: it runs value log garbage collection every
// GCInterval until ctx is cancelled.
func (s *Store) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Badger value log GC failed")
			}
		}
	}
}

// RunGC rewrites value log files until no more space can be reclaimed.
func (s *Store) RunGC() error {
	if s.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	defer observe("badger", "gc", start)

	for {
		err := s.db.RunValueLogGC(s.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close shuts the database down, waiting at most CloseTimeout.
func (s *Store) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closed)

	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
		logging.Info().Str("path", s.cfg.Path).Msg("Badger store closed")
		return nil
	case <-time.After(s.cfg.CloseTimeout):
		return fmt.Errorf("badger close timeout after %v", s.cfg.CloseTimeout)
	}
}

// HealthCheck implements health.Checkable.
func (s *Store) HealthCheck(_ context.Context) health.ComponentHealth {
	if s.isClosed() {
		return health.ComponentHealth{
			Healthy: false,
			Error:   "store is closed",
		}
	}

	lsm, vlog := s.db.Size()
	return health.ComponentHealth{
		Healthy: true,
		Message: "store is open",
		Details: map[string]interface{}{
			"path":            s.cfg.Path,
			"lsm_size_bytes":  lsm,
			"vlog_size_bytes": vlog,
		},
	}
}

// observe records a store operation latency.
func observe(store, op string, start time.Time) {
	metrics.ObserveStoreOp(store, op, time.Since(start))
}

// getJSON loads and unmarshals the value at key. Returns badger.ErrKeyNotFound
// untouched so callers can map it to their own sentinel.
func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// setJSON marshals v and stores it at key.
func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// keyExists reports whether key is present without loading its value.
func keyExists(txn *badger.Txn, key []byte) bool {
	_, err := txn.Get(key)
	return err == nil
}
