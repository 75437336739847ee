package binding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), mr
}

func testSandbox(id, conv string) *backend.Sandbox {
	now := time.Now().UTC()
	return &backend.Sandbox{
		ID:             id,
		BackendType:    "docker",
		ConversationID: conv,
		AgentEndpoint:  "unix:/var/run/ws/" + id + "/agent.sock",
		ProxyEndpoint:  "unix:/var/run/ws/" + id + "/proxy.sock",
		CreatedAt:      now,
		LastActiveAt:   now,
		State:          backend.StateReady,
	}
}

func TestPutGetSymmetry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("ws-1", "conv-1")
	if err := s.Put(ctx, sb); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "ws-1" || got.AgentEndpoint != sb.AgentEndpoint {
		t.Errorf("got = %+v", got)
	}

	conv, err := s.ConversationFor(ctx, "ws-1")
	if err != nil || conv != "conv-1" {
		t.Errorf("reverse = %q err=%v, want conv-1", conv, err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesBothHalves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("ws-2", "conv-2")
	if err := s.Put(ctx, sb); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "conv-2", "ws-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get(ctx, "conv-2"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("forward half survived delete: %v", err)
	}
	conv, err := s.ConversationFor(ctx, "ws-2")
	if err != nil || conv != "" {
		t.Errorf("reverse half survived delete: %q err=%v", conv, err)
	}
}

func TestRefreshExtendsTTLAndTouches(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sb := testSandbox("ws-3", "conv-3")
	sb.LastActiveAt = time.Now().Add(-time.Hour).UTC()
	if err := s.Put(ctx, sb); err != nil {
		t.Fatalf("put: %v", err)
	}

	mr.FastForward(30 * time.Minute)

	sb.State = backend.StateRunning
	if err := s.Refresh(ctx, sb); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if ttl := mr.TTL(forwardKey("conv-3")); ttl != time.Hour {
		t.Errorf("forward ttl = %s, want %s", ttl, time.Hour)
	}
	if ttl := mr.TTL(reverseKey("ws-3")); ttl != time.Hour {
		t.Errorf("reverse ttl = %s, want %s", ttl, time.Hour)
	}

	got, err := s.Get(ctx, "conv-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != backend.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if time.Since(got.LastActiveAt) > time.Minute {
		t.Errorf("last_active_at not refreshed: %s", got.LastActiveAt)
	}
}

func TestRebindOverwritesForwardHash(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testSandbox("ws-old", "conv-4")); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := s.Put(ctx, testSandbox("ws-new", "conv-4")); err != nil {
		t.Fatalf("put new: %v", err)
	}

	got, err := s.Get(ctx, "conv-4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "ws-new" {
		t.Errorf("bound sandbox = %s, want ws-new", got.ID)
	}
}
