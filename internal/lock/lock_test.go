package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, 10*time.Millisecond)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "conv-1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	locked, err := m.IsLocked(ctx, "conv-1")
	if err != nil || !locked {
		t.Fatalf("expected locked, got locked=%v err=%v", locked, err)
	}

	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}

	locked, err = m.IsLocked(ctx, "conv-1")
	if err != nil || locked {
		t.Fatalf("expected unlocked after release, got locked=%v err=%v", locked, err)
	}
}

func TestAcquireTimesOutWhenAlreadyHeld(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "conv-2", time.Minute, time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := m.Acquire(ctx, "conv-2", time.Minute, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected second acquire to time out")
	}
}

func TestReleaseIsNoOpWithWrongToken(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "conv-3", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	forged := &Handle{resourceID: "conv-3", token: "not-the-real-token"}
	if err := m.Release(ctx, forged); err != nil {
		t.Fatalf("release with wrong token should not error: %v", err)
	}

	locked, err := m.IsLocked(ctx, "conv-3")
	if err != nil || !locked {
		t.Fatalf("lock should still be held after forged release, got locked=%v err=%v", locked, err)
	}

	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("real release: %v", err)
	}
}

func TestExtendRefreshesTTL(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "conv-4", 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := m.Extend(ctx, h, time.Minute)
	if err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}

	ttl, err := m.rdb.PTTL(ctx, lockPrefix+"conv-4").Result()
	if err != nil || ttl <= 50*time.Millisecond {
		t.Fatalf("ttl after extend = %s err=%v, want more than the original 50ms", ttl, err)
	}

	time.Sleep(100 * time.Millisecond)

	locked, err := m.IsLocked(ctx, "conv-4")
	if err != nil || !locked {
		t.Fatalf("expected lock to survive past original ttl after extend, got locked=%v err=%v", locked, err)
	}
}
