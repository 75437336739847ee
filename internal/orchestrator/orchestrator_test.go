package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/allowlist"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/dnscache"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
	"github.com/terusibata/workspace-sandbox/internal/events"
	"github.com/terusibata/workspace-sandbox/internal/filesync"
	"github.com/terusibata/workspace-sandbox/internal/lock"
	"github.com/terusibata/workspace-sandbox/internal/tasks"
	"github.com/terusibata/workspace-sandbox/internal/warmpool"
)

// fakeBackend mints sandboxes whose agent endpoint points at the test's
// httptest agent server. Proxy endpoints are empty, standing in for the
// sidecar-proxy backend so tests need no local listeners.
type fakeBackend struct {
	mu        sync.Mutex
	agentURL  string
	created   int
	destroyed []string
	live      map[string]bool
}

func newFakeBackend(agentURL string) *fakeBackend {
	return &fakeBackend{agentURL: agentURL, live: make(map[string]bool)}
}

func (f *fakeBackend) CreateContainer(_ context.Context, conversationID string) (*backend.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("ws-%d", f.created)
	f.live[id] = true
	now := time.Now().UTC()
	state := backend.StateWarm
	if conversationID != "" {
		state = backend.StateReady
	}
	return &backend.Sandbox{
		ID:             id,
		BackendType:    "docker",
		ConversationID: conversationID,
		AgentEndpoint:  f.agentURL,
		CreatedAt:      now,
		LastActiveAt:   now,
		State:          state,
	}, nil
}

func (f *fakeBackend) DestroyContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	delete(f.live, id)
	return nil
}

func (f *fakeBackend) IsHealthy(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

func (f *fakeBackend) ListWorkspaceContainers(context.Context) ([]*backend.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*backend.Sandbox
	for id := range f.live {
		out = append(out, &backend.Sandbox{ID: id, BackendType: "docker", AgentEndpoint: f.agentURL})
	}
	return out, nil
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

func (f *fakeBackend) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// memSink collects stream lines; failAfter > 0 makes Send start failing
// after that many lines, simulating a disconnected client.
type memSink struct {
	mu        sync.Mutex
	lines     []string
	failAfter int
}

func (s *memSink) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.lines) >= s.failAfter {
		return fmt.Errorf("client gone")
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *memSink) types(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lines))
	for _, line := range s.lines {
		ev, err := events.Parse(line)
		if err != nil {
			t.Fatalf("unparseable line %q: %v", line, err)
		}
		out = append(out, string(ev.Type))
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		ContainerExecutionTimeout: 2 * time.Second,
		EventTimeout:              3 * time.Second,
		LockTTL:                   10 * time.Second,
		LockAcquireTimeout:        200 * time.Millisecond,
		LockRetryInterval:         20 * time.Millisecond,
		ContainerGracePeriod:      time.Second,
		ContainerInactiveTTL:      30 * time.Minute,
		ContainerAbsoluteTTL:      time.Hour,
		WarmPoolMinSize:           0,
		WarmPoolMaxSize:           4,
	}
}

type testEnv struct {
	orch  *Orchestrator
	be    *fakeBackend
	cfg   *config.Config
	usage []events.Usage
	mu    sync.Mutex
}

func newTestEnv(t *testing.T, agentHandler http.HandlerFunc) *testEnv {
	t.Helper()

	srv := httptest.NewServer(agentHandler)
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := testConfig()
	be := newFakeBackend(srv.URL)
	tracker := tasks.New(context.Background())
	t.Cleanup(func() { tracker.Shutdown(time.Second) })

	env := &testEnv{be: be, cfg: cfg}
	env.orch = New(Options{
		Config:    cfg,
		Redis:     rdb,
		Backend:   be,
		Pool:      warmpool.New(rdb, be, tracker, cfg.WarmPoolMinSize, cfg.WarmPoolMaxSize),
		Locks:     lock.New(rdb, cfg.LockRetryInterval),
		Files:     filesync.New(nil, be, rdb, "workspaces"),
		Allowlist: allowlist.New([]string{"files.example.com"}),
		DNSCache:  dnscache.New(time.Minute),
		Tracker:   tracker,
		UsageHook: func(_, _ string, u events.Usage) {
			env.mu.Lock()
			env.usage = append(env.usage, u)
			env.mu.Unlock()
		},
	})
	return env
}

func scriptedAgent(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestExecuteWarmPath(t *testing.T) {
	env := newTestEnv(t, scriptedAgent(
		`session_start {"seq":1}`,
		`text_delta {"seq":2,"text":"hi"}`,
		`result {"seq":3,"usage":{"input_tokens":10,"output_tokens":5}}`,
		`done {"seq":4}`,
	))

	sink := &memSink{}
	err := env.orch.Execute(context.Background(), Request{ConversationID: "c1", TenantID: "t1"}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := sink.types(t)
	want := []string{"session_start", "text_delta", "result", "done"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}

	sb, err := env.orch.Bindings().Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("binding after execute: %v", err)
	}
	if sb.State != backend.StateIdle {
		t.Errorf("state = %s, want idle", sb.State)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.usage) != 1 || env.usage[0].InputTokens != 10 || env.usage[0].OutputTokens != 5 {
		t.Errorf("usage = %+v", env.usage)
	}
}

func TestExecuteReusesBoundSandbox(t *testing.T) {
	env := newTestEnv(t, scriptedAgent(`done {"seq":1}`))
	ctx := context.Background()

	if err := env.orch.Execute(ctx, Request{ConversationID: "c1", TenantID: "t1"}, &memSink{}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	first, _ := env.orch.Bindings().Get(ctx, "c1")

	if err := env.orch.Execute(ctx, Request{ConversationID: "c1", TenantID: "t1"}, &memSink{}); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	second, _ := env.orch.Bindings().Get(ctx, "c1")

	if first.ID != second.ID {
		t.Errorf("sandbox changed across executes: %s -> %s", first.ID, second.ID)
	}
}

func TestConcurrentExecutesSameConversation(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `session_start {"seq":1}`)
		flusher.Flush()
		time.Sleep(600 * time.Millisecond)
		fmt.Fprintln(w, `done {"seq":2}`)
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.orch.Execute(context.Background(), Request{ConversationID: "c2", TenantID: "t1"}, &memSink{})
		}(i)
	}
	wg.Wait()

	var locked, succeeded int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, errdefs.ErrConversationLocked):
			locked++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || locked != 1 {
		t.Errorf("succeeded=%d locked=%d, want exactly one of each", succeeded, locked)
	}
}

func TestExecuteRecoversFromAgentCrash(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		// Promise more bytes than are sent, then sever the connection so
		// the client observes an unexpected EOF mid-stream.
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nContent-Length: 4096\r\n\r\n")
		fmt.Fprintln(buf, `session_start {"seq":1}`)
		fmt.Fprintln(buf, `text_delta {"seq":2,"text":"partial"}`)
		buf.Flush()
	})

	sink := &memSink{}
	if err := env.orch.Execute(context.Background(), Request{ConversationID: "c3", TenantID: "t1"}, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := sink.types(t)
	if len(got) < 4 {
		t.Fatalf("events = %v, want text_delta/error/container_recovered sequence", got)
	}
	if got[len(got)-1] != "container_recovered" {
		t.Errorf("last event = %s, want container_recovered", got[len(got)-1])
	}
	if got[len(got)-2] != "error" {
		t.Errorf("second-to-last event = %s, want error", got[len(got)-2])
	}

	last, err := events.Parse(sink.lines[len(sink.lines)-1])
	if err != nil {
		t.Fatalf("parse recovered event: %v", err)
	}
	if last.Data["recovered"] != true || last.Data["retry_recommended"] != true {
		t.Errorf("recovered payload = %v", last.Data)
	}

	// The binding must point at a fresh sandbox and the crashed one must
	// be gone from the backend.
	sb, err := env.orch.Bindings().Get(context.Background(), "c3")
	if err != nil {
		t.Fatalf("binding after recovery: %v", err)
	}
	for _, dead := range env.be.destroyedIDs() {
		if dead == sb.ID {
			t.Errorf("binding points at destroyed sandbox %s", sb.ID)
		}
	}
	if len(env.be.destroyedIDs()) == 0 {
		t.Error("crashed sandbox was never destroyed")
	}
}

func TestExecuteIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `session_start {"seq":1}`)
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	env.cfg.EventTimeout = 300 * time.Millisecond

	sink := &memSink{}
	start := time.Now()
	if err := env.orch.Execute(context.Background(), Request{ConversationID: "c4", TenantID: "t1"}, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("execute took %s, idle timer did not fire", elapsed)
	}

	got := sink.types(t)
	if got[len(got)-1] != "container_recovered" {
		t.Errorf("last event = %s, want container_recovered", got[len(got)-1])
	}

	var sawTimeout bool
	for _, line := range sink.lines {
		ev, _ := events.Parse(line)
		if ev != nil && ev.Type == events.Error && ev.Data["kind"] == "timeout_error" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Errorf("no timeout_error event in %v", sink.lines)
	}
	if len(env.be.destroyedIDs()) == 0 {
		t.Error("stuck sandbox was never destroyed")
	}
}

func TestExecuteContinuesAfterClientDisconnect(t *testing.T) {
	env := newTestEnv(t, scriptedAgent(
		`session_start {"seq":1}`,
		`text_delta {"seq":2,"text":"a"}`,
		`text_delta {"seq":3,"text":"b"}`,
		`result {"seq":4,"usage":{"input_tokens":7,"output_tokens":3}}`,
		`done {"seq":5}`,
	))

	// The sink rejects everything after the first line, standing in for a
	// closed client connection.
	sink := &memSink{failAfter: 1}
	if err := env.orch.Execute(context.Background(), Request{ConversationID: "c5", TenantID: "t1"}, sink); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The execution still ran to its end: usage was captured and the
	// binding refreshed despite the dead client.
	env.mu.Lock()
	usage := append([]events.Usage(nil), env.usage...)
	env.mu.Unlock()
	if len(usage) != 1 || usage[0].InputTokens != 7 {
		t.Errorf("usage = %+v, want capture despite disconnect", usage)
	}

	sb, err := env.orch.Bindings().Get(context.Background(), "c5")
	if err != nil {
		t.Fatalf("binding after disconnect: %v", err)
	}
	if sb.State != backend.StateIdle {
		t.Errorf("state = %s, want idle", sb.State)
	}
}

func TestGetOrCreateReplacesUnhealthySandbox(t *testing.T) {
	env := newTestEnv(t, scriptedAgent(`done {"seq":1}`))
	ctx := context.Background()

	first, err := env.orch.GetOrCreate(ctx, "c6", "t1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	env.be.mu.Lock()
	env.be.live[first.ID] = false
	env.be.mu.Unlock()

	second, err := env.orch.GetOrCreate(ctx, "c6", "t1")
	if err != nil {
		t.Fatalf("get or create after unhealthy: %v", err)
	}
	if second.ID == first.ID {
		t.Errorf("unhealthy sandbox %s was reused", first.ID)
	}
}

func TestDestroyRemovesBinding(t *testing.T) {
	env := newTestEnv(t, scriptedAgent(`done {"seq":1}`))
	ctx := context.Background()

	if _, err := env.orch.GetOrCreate(ctx, "c7", "t1"); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := env.orch.Destroy(ctx, "c7"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := env.orch.Bindings().Get(ctx, "c7"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("binding survived destroy: %v", err)
	}
}
