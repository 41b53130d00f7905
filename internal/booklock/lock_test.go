package booklock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl), s
}

func TestAcquireFreeLock(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()

	status, err := locker.Acquire(ctx, "book-1", "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !status.IsLocked || status.LockedBy != "alice" {
		t.Fatalf("unexpected status %+v", status)
	}
	if got := status.LockExpiry.Sub(status.LockedAt); got != time.Hour {
		t.Fatalf("expected 1h lock window, got %s", got)
	}
}

func TestAcquireHeldByOtherUser(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire(alice) error = %v", err)
	}
	status, err := locker.Acquire(ctx, "book-1", "bob")
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if status.LockedBy != "alice" {
		t.Fatalf("expected holder alice, got %+v", status)
	}
	if !status.HeldBy("bob") || status.HeldBy("alice") {
		t.Fatalf("unexpected HeldBy result for %+v", status)
	}
}

func TestAcquireRenewsForOwner(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return base }

	first, err := locker.Acquire(ctx, "book-1", "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	locker.now = func() time.Time { return base.Add(20 * time.Minute) }
	second, err := locker.Acquire(ctx, "book-1", "alice")
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	if !second.LockExpiry.After(first.LockExpiry) {
		t.Fatalf("expected renewed expiry, first=%s second=%s", first.LockExpiry, second.LockExpiry)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	locker, s := setupLocker(t, time.Hour)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire(alice) error = %v", err)
	}
	s.FastForward(61 * time.Minute)

	status, err := locker.Acquire(ctx, "book-1", "bob")
	if err != nil {
		t.Fatalf("expected bob to take expired lock, got %v", err)
	}
	if status.LockedBy != "bob" {
		t.Fatalf("expected bob, got %+v", status)
	}
}

func TestStatusClearsStaleLock(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()
	base := time.Now()
	locker.now = func() time.Time { return base }

	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	locker.now = func() time.Time { return base.Add(2 * time.Hour) }

	status, err := locker.Status(ctx, "book-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.IsLocked {
		t.Fatalf("expected stale lock to read as released, got %+v", status)
	}
	if _, err := locker.Acquire(ctx, "book-1", "bob"); err != nil {
		t.Fatalf("expected bob to acquire, got %v", err)
	}
}

func TestExpiredClearKeepsRenewedLock(t *testing.T) {
	locker, s := setupLocker(t, time.Hour)
	ctx := context.Background()
	base := time.Now()
	locker.now = func() time.Time { return base }

	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// A reader that saw the old expiry must not clear the renewed lock.
	stale := base.Add(30 * time.Minute).UnixMilli()
	cleared, err := expireScript.Run(ctx, locker.client, []string{locker.key("book-1")}, stale).Int()
	if err != nil {
		t.Fatalf("expire script error = %v", err)
	}
	if cleared != 0 || !s.Exists(locker.key("book-1")) {
		t.Fatalf("expected unexpired lock kept, cleared=%d", cleared)
	}

	due := base.Add(time.Hour).UnixMilli()
	cleared, err = expireScript.Run(ctx, locker.client, []string{locker.key("book-1")}, due).Int()
	if err != nil {
		t.Fatalf("expire script error = %v", err)
	}
	if cleared != 1 || s.Exists(locker.key("book-1")) {
		t.Fatalf("expected expired lock cleared, cleared=%d", cleared)
	}
}

func TestRelease(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()

	if err := locker.Release(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("releasing an unheld lock should succeed, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := locker.Release(ctx, "book-1", "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := locker.Release(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	status, err := locker.Status(ctx, "book-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.IsLocked {
		t.Fatalf("expected unlocked, got %+v", status)
	}
}

func TestForceRelease(t *testing.T) {
	locker, _ := setupLocker(t, time.Hour)
	ctx := context.Background()
	if _, err := locker.Acquire(ctx, "book-1", "alice"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := locker.ForceRelease(ctx, "book-1"); err != nil {
		t.Fatalf("ForceRelease() error = %v", err)
	}
	if _, err := locker.Acquire(ctx, "book-1", "bob"); err != nil {
		t.Fatalf("expected bob to acquire, got %v", err)
	}
}
