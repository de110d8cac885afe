// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package inbox

import (
	"context"
	"testing"
	"time"
)

func TestTryLockCountsAcquisitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	locked, attempts, err := s.TryLock(ctx, "m1", "owner-a", time.Minute)
	if err != nil || !locked || attempts != 1 {
		t.Fatalf("first TryLock = (%v, %d, %v), want (true, 1, nil)", locked, attempts, err)
	}

	if err := s.Release(ctx, "m1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	locked, attempts, err = s.TryLock(ctx, "m1", "owner-b", time.Minute)
	if err != nil || !locked || attempts != 2 {
		t.Fatalf("second TryLock = (%v, %d, %v), want (true, 2, nil)", locked, attempts, err)
	}
}

func TestTryLockRefusesLiveLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if locked, _, _ := s.TryLock(ctx, "m1", "owner-a", time.Minute); !locked {
		t.Fatal("setup lock refused")
	}

	// Another owner is refused, and so is the holder itself: an early
	// redelivery must not run beside the original.
	if locked, attempts, _ := s.TryLock(ctx, "m1", "owner-b", time.Minute); locked || attempts != 1 {
		t.Errorf("competing TryLock = (%v, %d), want (false, 1)", locked, attempts)
	}
	if locked, attempts, _ := s.TryLock(ctx, "m1", "owner-a", time.Minute); locked || attempts != 1 {
		t.Errorf("holder re-TryLock = (%v, %d), want (false, 1)", locked, attempts)
	}
}

func TestTryLockAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if locked, _, _ := s.TryLock(ctx, "m1", "owner-a", 5*time.Millisecond); !locked {
		t.Fatal("setup lock refused")
	}
	time.Sleep(10 * time.Millisecond)

	locked, attempts, err := s.TryLock(ctx, "m1", "owner-b", time.Minute)
	if err != nil || !locked || attempts != 2 {
		t.Fatalf("TryLock after expiry = (%v, %d, %v), want (true, 2, nil)", locked, attempts, err)
	}
}

func TestTryLockRefusesProcessed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.TryLock(ctx, "m1", "owner-a", time.Minute); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := s.MarkProcessed(ctx, "m1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	locked, attempts, err := s.TryLock(ctx, "m1", "owner-b", time.Minute)
	if err != nil || locked || attempts != 1 {
		t.Errorf("TryLock on processed = (%v, %d, %v), want (false, 1, nil)", locked, attempts, err)
	}
}

func TestMarkProcessedReleasesLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if locked, _, _ := s.TryLock(ctx, "m1", "owner-a", time.Minute); !locked {
		t.Fatal("setup lock refused")
	}
	if err := s.MarkProcessed(ctx, "m1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	processed, err := s.IsProcessed(ctx, "m1")
	if err != nil || !processed {
		t.Errorf("IsProcessed = (%v, %v), want (true, nil)", processed, err)
	}

	stats, _ := s.Stats(ctx)
	if stats.Locked != 0 || stats.Processed != 1 || stats.Tracked != 1 {
		t.Errorf("Stats = %+v, want processed record with no live lock", stats)
	}
}

func TestMarkProcessedUnknownID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.MarkProcessed(ctx, "ghost"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if processed, _ := s.IsProcessed(ctx, "ghost"); !processed {
		t.Error("IsProcessed = false after MarkProcessed on unknown id")
	}
}

func TestIsProcessedUnknownID(t *testing.T) {
	s := NewMemoryStore()

	processed, err := s.IsProcessed(context.Background(), "ghost")
	if err != nil || processed {
		t.Errorf("IsProcessed = (%v, %v), want (false, nil)", processed, err)
	}
	if err := s.Release(context.Background(), "ghost"); err != nil {
		t.Errorf("Release on unknown id: %v", err)
	}
}

func TestPurgeStaleDropsIdleRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Processed record, expired lock, and a live lock.
	s.TryLock(ctx, "done", "owner-a", time.Minute)
	s.MarkProcessed(ctx, "done")
	s.TryLock(ctx, "abandoned", "owner-a", time.Millisecond)
	s.TryLock(ctx, "active", "owner-a", time.Minute)
	time.Sleep(5 * time.Millisecond)

	purged, err := s.PurgeStale(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	stats, _ := s.Stats(ctx)
	if stats.Tracked != 1 || stats.Locked != 1 {
		t.Errorf("Stats = %+v, want only the live lock", stats)
	}

	// A purged unprocessed record starts its delivery count over.
	if _, attempts, _ := s.TryLock(ctx, "abandoned", "owner-b", time.Minute); attempts != 1 {
		t.Errorf("attempts after purge = %d, want 1", attempts)
	}
}

func TestPurgeStaleKeepsLiveLocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.TryLock(ctx, "m1", "owner-a", time.Hour)

	purged, err := s.PurgeStale(ctx, time.Now())
	if err != nil || purged != 0 {
		t.Errorf("PurgeStale = (%d, %v), want (0, nil)", purged, err)
	}
}

func TestIdempotencySeenAfterRecord(t *testing.T) {
	s := NewMemoryIdempotencyStore(0, 0)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "m1")
	if err != nil || seen {
		t.Fatalf("Seen before Record = (%v, %v), want (false, nil)", seen, err)
	}

	if err := s.Record(ctx, "m1", "fp", time.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	seen, err = s.Seen(ctx, "m1")
	if err != nil || !seen {
		t.Errorf("Seen after Record = (%v, %v), want (true, nil)", seen, err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestIdempotencyPurgeOlderThan(t *testing.T) {
	s := NewMemoryIdempotencyStore(0, 0)
	ctx := context.Background()

	s.Record(ctx, "old", "fp", time.Now().Add(-2*time.Hour))
	s.Record(ctx, "fresh", "fp", time.Now())

	purged, err := s.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeOlderThan = (%d, %v), want (1, nil)", purged, err)
	}

	if seen, _ := s.Seen(ctx, "old"); seen {
		t.Error("purged key still seen")
	}
	if seen, _ := s.Seen(ctx, "fresh"); !seen {
		t.Error("fresh key lost")
	}
}

func TestIdempotencyCapacityEvictsOldest(t *testing.T) {
	s := NewMemoryIdempotencyStore(2, time.Hour)
	ctx := context.Background()

	s.Record(ctx, "a", "", time.Now())
	s.Record(ctx, "b", "", time.Now())
	s.Record(ctx, "c", "", time.Now())

	if seen, _ := s.Seen(ctx, "a"); seen {
		t.Error("oldest key survived past capacity")
	}
	if seen, _ := s.Seen(ctx, "c"); !seen {
		t.Error("newest key evicted")
	}
}

func TestIdempotencyTTLExpires(t *testing.T) {
	s := NewMemoryIdempotencyStore(16, 5*time.Millisecond)
	ctx := context.Background()

	s.Record(ctx, "m1", "", time.Now())
	time.Sleep(10 * time.Millisecond)

	if seen, _ := s.Seen(ctx, "m1"); seen {
		t.Error("expired key still seen")
	}
}
