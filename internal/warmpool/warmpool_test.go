package warmpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
)

// fakeBackend mints sequentially numbered sandboxes and records destroys.
type fakeBackend struct {
	mu        sync.Mutex
	created   int
	destroyed []string
	unhealthy map[string]bool
	failNext  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{unhealthy: make(map[string]bool)}
}

func (f *fakeBackend) CreateContainer(_ context.Context, conversationID string) (*backend.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("backend create failed")
	}
	f.created++
	id := fmt.Sprintf("ws-%d", f.created)
	now := time.Now().UTC()
	state := backend.StateWarm
	if conversationID != "" {
		state = backend.StateReady
	}
	return &backend.Sandbox{
		ID:             id,
		BackendType:    "docker",
		ConversationID: conversationID,
		AgentEndpoint:  "unix:/var/run/ws/" + id + "/agent.sock",
		ProxyEndpoint:  "unix:/var/run/ws/" + id + "/proxy.sock",
		CreatedAt:      now,
		LastActiveAt:   now,
		State:          state,
	}, nil
}

func (f *fakeBackend) DestroyContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeBackend) IsHealthy(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy[id]
}

func (f *fakeBackend) ListWorkspaceContainers(context.Context) ([]*backend.Sandbox, error) {
	return nil, nil
}
func (f *fakeBackend) WaitForAgentReady(context.Context, *backend.Sandbox, time.Duration) error {
	return nil
}
func (f *fakeBackend) ExecInContainer(context.Context, string, []string) (int, string, error) {
	return 0, "", nil
}
func (f *fakeBackend) ExecInContainerBinary(context.Context, string, []string) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeBackend) WriteFile(context.Context, string, string, []byte) error { return nil }
func (f *fakeBackend) GetContainerLogs(context.Context, string, int) (string, error) {
	return "", nil
}

func newTestPool(t *testing.T, minSize, maxSize int) (*Pool, *fakeBackend) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	be := newFakeBackend()
	return New(rdb, be, nil, minSize, maxSize), be
}

func TestRefillBringsPoolToMinSize(t *testing.T) {
	p, be := newTestPool(t, 3, 5)
	ctx := context.Background()

	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if got := p.Size(ctx); got != 3 {
		t.Errorf("size = %d, want 3", got)
	}
	if be.created != 3 {
		t.Errorf("created = %d, want 3", be.created)
	}

	// A second refill is a no-op at steady state.
	if err := p.Refill(ctx); err != nil {
		t.Fatalf("second refill: %v", err)
	}
	if be.created != 3 {
		t.Errorf("created after steady-state refill = %d, want 3", be.created)
	}
}

func TestAcquireReturnsHydratedSandbox(t *testing.T) {
	p, _ := newTestPool(t, 2, 5)
	ctx := context.Background()

	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}

	sb, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sb.ID != "ws-1" {
		t.Errorf("id = %s, want ws-1 (FIFO head)", sb.ID)
	}
	if sb.AgentEndpoint == "" || sb.ProxyEndpoint == "" {
		t.Errorf("endpoints not hydrated: %+v", sb)
	}
	if sb.State != backend.StateWarm {
		t.Errorf("state = %s, want warm", sb.State)
	}
}

func TestAcquireSkipsUnhealthyHead(t *testing.T) {
	p, be := newTestPool(t, 2, 5)
	ctx := context.Background()

	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	be.unhealthy["ws-1"] = true

	sb, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sb.ID != "ws-2" {
		t.Errorf("id = %s, want ws-2", sb.ID)
	}

	be.mu.Lock()
	destroyed := append([]string(nil), be.destroyed...)
	be.mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != "ws-1" {
		t.Errorf("destroyed = %v, want [ws-1]", destroyed)
	}
}

func TestAcquireEmptyPoolCreatesCold(t *testing.T) {
	p, be := newTestPool(t, 2, 5)

	sb, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if sb == nil || be.created == 0 {
		t.Fatalf("expected cold create, got %+v created=%d", sb, be.created)
	}
}

func TestRefillRespectsMaxSize(t *testing.T) {
	p, _ := newTestPool(t, 4, 4)
	ctx := context.Background()

	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if got := p.Size(ctx); got > 4 {
		t.Errorf("size = %d, exceeds max 4", got)
	}
}

func TestRefillRetriesTransientFailure(t *testing.T) {
	p, be := newTestPool(t, 1, 5)
	be.failNext = 1

	if err := p.Refill(context.Background()); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if got := p.Size(context.Background()); got != 1 {
		t.Errorf("size = %d, want 1 after retry", got)
	}
}

func TestDrainDestroysEverything(t *testing.T) {
	p, be := newTestPool(t, 3, 5)
	ctx := context.Background()

	if err := p.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := p.Size(ctx); got != 0 {
		t.Errorf("size after drain = %d, want 0", got)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.destroyed) != 3 {
		t.Errorf("destroyed = %v, want 3 sandboxes", be.destroyed)
	}
}
