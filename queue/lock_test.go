package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLocker(client, "lock:session:", ttl), mini
}

func TestLocker_AcquireRelease(t *testing.T) {
	locker, _ := newTestLocker(t, 10*time.Second)
	ctx := context.Background()

	lk, err := locker.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "s1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "s2"); err != nil {
		t.Fatalf("other keys must be independent: %v", err)
	}

	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
}

func TestLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	locker, mini := newTestLocker(t, 10*time.Second)
	ctx := context.Background()

	stale, _ := locker.Acquire(ctx, "s1")
	mini.FastForward(11 * time.Second)

	if _, err := locker.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("expired lock should be acquirable: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := locker.Acquire(ctx, "s1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release must not drop the new holder, got %v", err)
	}
	if err := stale.Refresh(ctx); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost, got %v", err)
	}
}

func TestLocker_Refresh(t *testing.T) {
	locker, mini := newTestLocker(t, 10*time.Second)
	ctx := context.Background()

	lk, _ := locker.Acquire(ctx, "s1")
	mini.FastForward(8 * time.Second)
	if err := lk.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	mini.FastForward(8 * time.Second)
	if _, err := locker.Acquire(ctx, "s1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("refreshed lock should still be held, got %v", err)
	}
}
