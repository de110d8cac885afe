// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package badgerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/herald/dlq"
	"github.com/tomtom215/herald/envelope"
	"github.com/tomtom215/herald/outbox"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false // fsync per write is too slow for tests

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEnv(id string) *envelope.Envelope {
	return envelope.New("order.created", "application/json", []byte(`{"id":1}`),
		envelope.WithMessageID(id))
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)
	ob := s.Outbox()
	ctx := context.Background()

	if err := ob.Enqueue(ctx, "orders", testEnv("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := ob.Enqueue(ctx, "orders", testEnv("m1")); !errors.Is(err, outbox.ErrDuplicate) {
		t.Errorf("duplicate Enqueue err = %v, want ErrDuplicate", err)
	}

	pending, err := ob.ReadPending(ctx, 10)
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m1" {
		t.Fatalf("pending = %+v, want one record m1", pending)
	}
	if pending[0].Subject != "orders" || pending[0].Status != outbox.StatusPending {
		t.Errorf("record = %+v", pending[0])
	}

	claimed, err := ob.Claim(ctx, "m1", "worker-a", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("Claim = (%v, %v), want (true, nil)", claimed, err)
	}
	if err := ob.RecordAttempt(ctx, "m1", errors.New("broker down")); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := ob.MarkPublished(ctx, "m1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	// Published is terminal: idempotent on repeat, rejected cross-terminal.
	if err := ob.MarkPublished(ctx, "m1"); err != nil {
		t.Errorf("repeat MarkPublished err = %v, want nil", err)
	}
	if err := ob.MarkFailed(ctx, "m1", "nope"); !errors.Is(err, outbox.ErrNotPending) {
		t.Errorf("MarkFailed after publish err = %v, want ErrNotPending", err)
	}

	// The terminal record still blocks re-enqueues of the same ID.
	if err := ob.Enqueue(ctx, "orders", testEnv("m1")); !errors.Is(err, outbox.ErrDuplicate) {
		t.Errorf("Enqueue after publish err = %v, want ErrDuplicate", err)
	}

	stats, err := ob.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 || stats.Published != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOutboxClaimContention(t *testing.T) {
	s := openTestStore(t)
	ob := s.Outbox()
	ctx := context.Background()

	if err := ob.Enqueue(ctx, "orders", testEnv("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if claimed, _ := ob.Claim(ctx, "m1", "worker-a", time.Minute); !claimed {
		t.Fatal("worker-a should claim")
	}
	if claimed, _ := ob.Claim(ctx, "m1", "worker-b", time.Minute); claimed {
		t.Error("worker-b claimed over a live lease")
	}
	// The holder may renew its own lease.
	if claimed, _ := ob.Claim(ctx, "m1", "worker-a", time.Minute); !claimed {
		t.Error("worker-a should renew its own lease")
	}

	if err := ob.Release(ctx, "m1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if claimed, _ := ob.Claim(ctx, "m1", "worker-b", time.Minute); !claimed {
		t.Error("worker-b should claim after release")
	}

	// Expired leases are claimable without a release.
	if err := ob.Release(ctx, "m1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if claimed, _ := ob.Claim(ctx, "m1", "worker-a", time.Millisecond); !claimed {
		t.Fatal("worker-a should claim")
	}
	time.Sleep(5 * time.Millisecond)
	if claimed, _ := ob.Claim(ctx, "m1", "worker-b", time.Minute); !claimed {
		t.Error("worker-b should claim an expired lease")
	}

	// Claiming a missing record reports false, not an error.
	claimed, err := ob.Claim(ctx, "missing", "worker-a", time.Minute)
	if err != nil || claimed {
		t.Errorf("Claim(missing) = (%v, %v), want (false, nil)", claimed, err)
	}
}

func TestOutboxPurgeTerminal(t *testing.T) {
	s := openTestStore(t)
	ob := s.Outbox()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := ob.Enqueue(ctx, "orders", testEnv(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if err := ob.MarkPublished(ctx, "m1"); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := ob.MarkFailed(ctx, "m2", "exhausted"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	purged, err := ob.PurgeTerminal(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	stats, err := ob.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 || stats.Published != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want only m3 pending", stats)
	}

	// The purged ID is free for reuse now.
	if err := ob.Enqueue(ctx, "orders", testEnv("m1")); err != nil {
		t.Errorf("Enqueue after purge: %v", err)
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.Outbox().Enqueue(ctx, "orders", testEnv("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	pending, err := s2.Outbox().ReadPending(ctx, 10)
	if err != nil {
		t.Fatalf("ReadPending after reopen: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m1" {
		t.Errorf("pending after reopen = %+v, want m1", pending)
	}
}

func TestInboxLockLifecycle(t *testing.T) {
	s := openTestStore(t)
	ib := s.Inbox()
	ctx := context.Background()

	locked, attempts, err := ib.TryLock(ctx, "m1", "c1", time.Minute)
	if err != nil || !locked || attempts != 1 {
		t.Fatalf("TryLock = (%v, %d, %v), want (true, 1, nil)", locked, attempts, err)
	}

	// A live lock refuses everyone, the holder included.
	locked, attempts, err = ib.TryLock(ctx, "m1", "c1", time.Minute)
	if err != nil || locked || attempts != 1 {
		t.Errorf("relock = (%v, %d, %v), want (false, 1, nil)", locked, attempts, err)
	}

	if err := ib.Release(ctx, "m1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	locked, attempts, err = ib.TryLock(ctx, "m1", "c2", time.Minute)
	if err != nil || !locked || attempts != 2 {
		t.Errorf("TryLock after release = (%v, %d, %v), want (true, 2, nil)", locked, attempts, err)
	}

	if err := ib.MarkProcessed(ctx, "m1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	done, err := ib.IsProcessed(ctx, "m1")
	if err != nil || !done {
		t.Errorf("IsProcessed = (%v, %v), want (true, nil)", done, err)
	}
	locked, attempts, _ = ib.TryLock(ctx, "m1", "c3", time.Minute)
	if locked || attempts != 2 {
		t.Errorf("TryLock processed = (%v, %d), want (false, 2)", locked, attempts)
	}

	// Unknown ids are created already processed.
	if err := ib.MarkProcessed(ctx, "new"); err != nil {
		t.Fatalf("MarkProcessed(new): %v", err)
	}
	done, _ = ib.IsProcessed(ctx, "new")
	if !done {
		t.Error("IsProcessed(new) = false, want true")
	}
}

func TestInboxLockExpiry(t *testing.T) {
	s := openTestStore(t)
	ib := s.Inbox()
	ctx := context.Background()

	if locked, _, _ := ib.TryLock(ctx, "m1", "c1", time.Millisecond); !locked {
		t.Fatal("first TryLock should succeed")
	}
	time.Sleep(5 * time.Millisecond)

	locked, attempts, err := ib.TryLock(ctx, "m1", "c2", time.Minute)
	if err != nil || !locked || attempts != 2 {
		t.Errorf("TryLock after expiry = (%v, %d, %v), want (true, 2, nil)", locked, attempts, err)
	}
}

func TestInboxPurgeStaleAndStats(t *testing.T) {
	s := openTestStore(t)
	ib := s.Inbox()
	ctx := context.Background()

	if _, _, err := ib.TryLock(ctx, "live", "c1", time.Hour); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, _, err := ib.TryLock(ctx, "stale", "c1", time.Millisecond); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := ib.MarkProcessed(ctx, "done"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	stats, err := ib.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Tracked != 3 || stats.Locked != 1 || stats.Processed != 1 {
		t.Errorf("stats = %+v, want tracked 3, locked 1, processed 1", stats)
	}

	// The stale lock and the processed record are both behind the cutoff;
	// the live lock expires in an hour and survives.
	purged, err := ib.PurgeStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	stats, _ = ib.Stats(ctx)
	if stats.Tracked != 1 || stats.Locked != 1 {
		t.Errorf("stats after purge = %+v, want only the live lock", stats)
	}
}

func TestIdempotencyLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ledger, err := s.Idempotency(time.Hour)
	if err != nil {
		t.Fatalf("Idempotency: %v", err)
	}

	seen, err := ledger.Seen(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("Seen(unrecorded) = (%v, %v), want (false, nil)", seen, err)
	}

	if err := ledger.Record(ctx, "k1", "fp-1", time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	seen, err = ledger.Seen(ctx, "k1")
	if err != nil || !seen {
		t.Errorf("Seen(recorded) = (%v, %v), want (true, nil)", seen, err)
	}

	// A record already past retention is not written at all.
	if err := ledger.Record(ctx, "old", "fp-old", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("Record(old): %v", err)
	}
	seen, _ = ledger.Seen(ctx, "old")
	if seen {
		t.Error("Seen(expired) = true, want false")
	}
}

func TestIdempotencyWarmStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	ledger, err := s.Idempotency(time.Hour)
	if err != nil {
		t.Fatalf("Idempotency: %v", err)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if err := ledger.Record(ctx, k, "fp", time.Now()); err != nil {
			t.Fatalf("Record(%s): %v", k, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh view over the reopened database must see the old keys: the
	// filter is warmed from the ledger prefix, not from live writes.
	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	ledger2, err := s2.Idempotency(time.Hour)
	if err != nil {
		t.Fatalf("Idempotency after reopen: %v", err)
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		seen, err := ledger2.Seen(ctx, k)
		if err != nil || !seen {
			t.Errorf("Seen(%s) after reopen = (%v, %v), want (true, nil)", k, seen, err)
		}
	}
	if seen, _ := ledger2.Seen(ctx, "other"); seen {
		t.Error("Seen(other) = true, want false")
	}
}

func TestIdempotencyPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ledger, err := s.Idempotency(time.Hour)
	if err != nil {
		t.Fatalf("Idempotency: %v", err)
	}

	if err := ledger.Record(ctx, "old", "fp", time.Now().Add(-30*time.Minute)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Record(ctx, "new", "fp", time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	purged, err := ledger.PurgeOlderThan(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if seen, _ := ledger.Seen(ctx, "old"); seen {
		t.Error("Seen(purged) = true, want false")
	}
	if seen, _ := ledger.Seen(ctx, "new"); !seen {
		t.Error("Seen(kept) = false, want true")
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := openTestStore(t)
	dls := s.DeadLetters(0)
	ctx := context.Background()

	entry := &dlq.Entry{Envelope: testEnv("m1"), Source: dlq.SourceInbox, Reason: "handler failed", Attempts: 3}
	if err := dls.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := dls.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Reason != "handler failed" || got.Attempts != 3 || got.Source != dlq.SourceInbox {
		t.Errorf("entry = %+v", got)
	}
	firstSeen := got.FirstSeen
	if firstSeen.IsZero() {
		t.Fatal("FirstSeen not stamped")
	}

	// Re-adding merges: first-seen survives, the rest reflects the re-park.
	time.Sleep(2 * time.Millisecond)
	again := &dlq.Entry{Envelope: testEnv("m1"), Source: dlq.SourceOutbox, Reason: "again", Attempts: 5}
	if err := dls.Add(ctx, again); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	got, _ = dls.Get(ctx, "m1")
	if !got.FirstSeen.Equal(firstSeen) {
		t.Errorf("FirstSeen = %v, want original %v", got.FirstSeen, firstSeen)
	}
	if got.Reason != "again" || got.Attempts != 5 {
		t.Errorf("merged entry = %+v", got)
	}

	if _, err := dls.Get(ctx, "missing"); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	removed, err := dls.Remove(ctx, "m1")
	if err != nil || !removed {
		t.Errorf("Remove = (%v, %v), want (true, nil)", removed, err)
	}
	removed, _ = dls.Remove(ctx, "m1")
	if removed {
		t.Error("second Remove reported true")
	}
}

func TestDeadLetterRequeue(t *testing.T) {
	s := openTestStore(t)
	dls := s.DeadLetters(0)
	ctx := context.Background()

	if err := dls.Add(ctx, &dlq.Entry{Envelope: testEnv("m1"), Source: dlq.SourceOutbox, Reason: "x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Failed publish keeps the entry parked.
	err := dls.Requeue(ctx, "m1", func(context.Context, *envelope.Envelope) error {
		return errors.New("still down")
	})
	if err == nil {
		t.Fatal("Requeue with failing publish should error")
	}
	if _, err := dls.Get(ctx, "m1"); err != nil {
		t.Errorf("entry gone after failed requeue: %v", err)
	}

	var republished *envelope.Envelope
	err = dls.Requeue(ctx, "m1", func(_ context.Context, env *envelope.Envelope) error {
		republished = env
		return nil
	})
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if republished == nil || republished.MessageID != "m1" {
		t.Errorf("republished = %+v, want envelope m1", republished)
	}
	if _, err := dls.Get(ctx, "m1"); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("entry still parked after requeue: %v", err)
	}
}

func TestDeadLetterCapacityEviction(t *testing.T) {
	s := openTestStore(t)
	dls := s.DeadLetters(2)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if err := dls.Add(ctx, &dlq.Entry{Envelope: testEnv(id), Source: dlq.SourceInbox, Reason: "x"}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := dls.Add(ctx, &dlq.Entry{Envelope: testEnv("m3"), Source: dlq.SourceInbox, Reason: "x"}); err != nil {
		t.Fatalf("Add(m3): %v", err)
	}

	if _, err := dls.Get(ctx, "m1"); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("oldest entry not evicted: %v", err)
	}
	entries, err := dls.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].MessageID() != "m2" || entries[1].MessageID() != "m3" {
		t.Errorf("order = [%s %s], want oldest first", entries[0].MessageID(), entries[1].MessageID())
	}

	stats, err := dls.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 2 || stats.Evicted != 1 || stats.Added != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BySource[dlq.SourceInbox] != 2 {
		t.Errorf("BySource = %+v", stats.BySource)
	}
}

func TestStoreClosedOps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hc := s.HealthCheck(context.Background())
	if !hc.Healthy {
		t.Errorf("HealthCheck on open store = %+v", hc)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := s.Outbox().Enqueue(context.Background(), "orders", testEnv("m1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue on closed store err = %v, want ErrClosed", err)
	}
	if err := s.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC on closed store err = %v, want ErrClosed", err)
	}
	hc = s.HealthCheck(context.Background())
	if hc.Healthy {
		t.Error("HealthCheck on closed store reports healthy")
	}
}
