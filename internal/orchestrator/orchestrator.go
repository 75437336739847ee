// Package orchestrator binds conversations to sandboxes and drives the
// execute lifecycle: lock, resolve-or-create, proxy, file sync, stream,
// recover. It creates and refreshes conversation bindings (the garbage
// collector also deletes them), and is the single owner of per-sandbox
// egress proxy lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/allowlist"
	"github.com/terusibata/workspace-sandbox/internal/audit"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/binding"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/dnscache"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
	"github.com/terusibata/workspace-sandbox/internal/events"
	"github.com/terusibata/workspace-sandbox/internal/filesync"
	"github.com/terusibata/workspace-sandbox/internal/lock"
	"github.com/terusibata/workspace-sandbox/internal/proxy"
	"github.com/terusibata/workspace-sandbox/internal/signer"
	"github.com/terusibata/workspace-sandbox/internal/tasks"
	"github.com/terusibata/workspace-sandbox/internal/warmpool"
)

const (
	agentReadyTimeout = 90 * time.Second
	proxyDialTimeout  = 3 * time.Second
)

// Request is one execute call against a conversation.
type Request struct {
	ConversationID   string   `json:"conversation_id"`
	TenantID         string   `json:"tenant_id"`
	ModelID          string   `json:"model_id"`
	WorkspaceEnabled bool     `json:"workspace_enabled"`
	UserInput        string   `json:"user_input"`
	Executor         string   `json:"executor,omitempty"`
	PreferredSkills  []string `json:"preferred_skills,omitempty"`
}

// UsageHook receives token usage parsed from a stream's trailing result
// event; the accounting collaborator supplies it.
type UsageHook func(conversationID, tenantID string, u events.Usage)

// EventSink receives protocol lines destined for the caller.
type EventSink interface {
	Send(line string) error
}

// Orchestrator is the per-process conversation/sandbox coordinator.
type Orchestrator struct {
	cfg      *config.Config
	backend  backend.ContainerBackend
	pool     *warmpool.Pool
	locks    *lock.Manager
	bindings *binding.Store
	files    *filesync.Syncer
	allow    *allowlist.Allowlist
	dns      *dnscache.Cache
	sign     *signer.Signer
	creds    signer.Credentials
	tracker  *tasks.Tracker
	usage    UsageHook

	proxyMu sync.Mutex
	proxies map[string]*proxyInstance
}

type proxyInstance struct {
	proxy  *proxy.EgressProxy
	cancel context.CancelFunc
	done   chan struct{}
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Config    *config.Config
	Redis     *redis.Client
	Backend   backend.ContainerBackend
	Pool      *warmpool.Pool
	Locks     *lock.Manager
	Files     *filesync.Syncer
	Allowlist *allowlist.Allowlist
	DNSCache  *dnscache.Cache
	Signer    *signer.Signer
	Creds     signer.Credentials
	Tracker   *tasks.Tracker
	UsageHook UsageHook
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:      opts.Config,
		backend:  opts.Backend,
		pool:     opts.Pool,
		locks:    opts.Locks,
		bindings: binding.New(opts.Redis, opts.Config.ContainerAbsoluteTTL),
		files:    opts.Files,
		allow:    opts.Allowlist,
		dns:      opts.DNSCache,
		sign:     opts.Signer,
		creds:    opts.Creds,
		tracker:  opts.Tracker,
		usage:    opts.UsageHook,
		proxies:  make(map[string]*proxyInstance),
	}
}

// Bindings exposes the binding store, for the garbage collector and
// startup reconciliation.
func (o *Orchestrator) Bindings() *binding.Store {
	return o.bindings
}

// GetOrCreate resolves the conversation's sandbox, creating and binding a
// fresh one when none exists or the existing one is unhealthy.
func (o *Orchestrator) GetOrCreate(ctx context.Context, conversationID, tenantID string) (*backend.Sandbox, error) {
	sb, err := o.bindings.Get(ctx, conversationID)
	if err == nil {
		if o.backend.IsHealthy(ctx, sb.ID) {
			if err := o.ensureProxy(sb); err != nil {
				slog.Warn("existing sandbox proxy unavailable, tearing down", "sandbox", sb.ID, "error", err)
				o.teardown(ctx, sb, "proxy_unavailable")
			} else {
				if err := o.bindings.Refresh(ctx, sb); err != nil {
					return nil, err
				}
				return sb, nil
			}
		} else {
			slog.Warn("bound sandbox unhealthy, tearing down", "sandbox", sb.ID, "conversation", conversationID)
			o.teardown(ctx, sb, "unhealthy")
		}
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	return o.createAndBind(ctx, conversationID, tenantID)
}

func (o *Orchestrator) createAndBind(ctx context.Context, conversationID, tenantID string) (*backend.Sandbox, error) {
	start := time.Now()

	sb, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrContainerUnavailable, err)
	}
	source := "warm_pool"
	if sb.State != backend.StateWarm {
		source = "cold_create"
	}

	sb.ConversationID = conversationID
	sb.State = backend.StateReady
	sb.Touch()

	if err := o.ensureProxy(sb); err != nil {
		_ = o.backend.DestroyContainer(ctx, sb.ID, 0)
		return nil, fmt.Errorf("%w: %v", errdefs.ErrProxyUnavailable, err)
	}

	if err := o.backend.WaitForAgentReady(ctx, sb, agentReadyTimeout); err != nil {
		o.stopProxy(sb.ID)
		_ = o.backend.DestroyContainer(ctx, sb.ID, 0)
		return nil, fmt.Errorf("%w: %v", errdefs.ErrContainerUnavailable, err)
	}

	if err := o.bindings.Put(ctx, sb); err != nil {
		o.stopProxy(sb.ID)
		_ = o.backend.DestroyContainer(ctx, sb.ID, 0)
		return nil, err
	}

	audit.ContainerCreated(audit.ContainerCreatedEvent{
		ContainerID:    sb.ID,
		ConversationID: conversationID,
		TenantID:       tenantID,
		Source:         source,
		DurationMS:     time.Since(start).Milliseconds(),
	})
	return sb, nil
}

// ensureProxy starts an egress proxy for the sandbox if one is not already
// running, then verifies the endpoint accepts a trivial connection. A
// sandbox with no proxy endpoint (sidecar backend) skips both the start
// and the liveness dial, since the sidecar owns the listener.
func (o *Orchestrator) ensureProxy(sb *backend.Sandbox) error {
	if sb.ProxyEndpoint == "" {
		return nil
	}

	o.proxyMu.Lock()
	_, running := o.proxies[sb.ID]
	o.proxyMu.Unlock()

	if !running {
		if err := o.startProxy(sb); err != nil {
			return err
		}
	}
	return o.verifyProxy(sb)
}

func splitEndpoint(endpoint string) (network, addr string) {
	if path, ok := strings.CutPrefix(endpoint, "unix:"); ok {
		return "unix", path
	}
	return "tcp", endpoint
}

func (o *Orchestrator) startProxy(sb *backend.Sandbox) error {
	network, addr := splitEndpoint(sb.ProxyEndpoint)

	if network == "unix" {
		// A listener that died without cleanup leaves its socket file
		// behind and would fail the fresh bind.
		_ = os.Remove(addr)
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", sb.ProxyEndpoint, err)
	}

	p := proxy.New(proxy.Config{
		Allowlist:   o.allow,
		DNSCache:    o.dns,
		Signer:      o.sign,
		Credentials: o.creds,
		SandboxID:   sb.ID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	inst := &proxyInstance{proxy: p, cancel: cancel, done: make(chan struct{})}

	o.proxyMu.Lock()
	o.proxies[sb.ID] = inst
	o.proxyMu.Unlock()

	o.tracker.Go("egress-proxy", func(context.Context) {
		defer close(inst.done)
		if err := p.Serve(ctx, ln); err != nil {
			slog.Error("egress proxy exited", "sandbox", sb.ID, "error", err)
		}
	})
	return nil
}

// verifyProxy dials the proxy endpoint once to prove it accepts
// connections before any traffic depends on it.
func (o *Orchestrator) verifyProxy(sb *backend.Sandbox) error {
	network, addr := splitEndpoint(sb.ProxyEndpoint)
	conn, err := net.DialTimeout(network, addr, proxyDialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrProxyUnavailable, err)
	}
	conn.Close()
	return nil
}

// StopProxy shuts down the sandbox's egress proxy, if this process owns
// one. The garbage collector calls this before destroying any sandbox.
func (o *Orchestrator) StopProxy(sandboxID string) {
	o.stopProxy(sandboxID)
}

func (o *Orchestrator) stopProxy(sandboxID string) {
	o.proxyMu.Lock()
	inst, ok := o.proxies[sandboxID]
	if ok {
		delete(o.proxies, sandboxID)
	}
	o.proxyMu.Unlock()
	if !ok {
		return
	}

	inst.cancel()
	select {
	case <-inst.done:
	case <-time.After(5 * time.Second):
		slog.Warn("egress proxy slow to stop", "sandbox", sandboxID)
	}
}

// restartProxy tears down and restarts the sandbox's proxy listener,
// leaving the container itself alone. Used on first observation of a
// proxy-connection error during a stream.
func (o *Orchestrator) restartProxy(sb *backend.Sandbox) error {
	o.stopProxy(sb.ID)

	if err := o.startProxy(sb); err != nil {
		return err
	}
	return o.verifyProxy(sb)
}

// teardown destroys a sandbox and removes its binding, proxy first.
func (o *Orchestrator) teardown(ctx context.Context, sb *backend.Sandbox, reason string) {
	o.stopProxy(sb.ID)

	if err := o.backend.DestroyContainer(ctx, sb.ID, o.cfg.ContainerGracePeriod); err != nil {
		slog.Error("sandbox destroy failed", "sandbox", sb.ID, "error", err)
	}
	if sb.ConversationID != "" {
		if err := o.bindings.Delete(ctx, sb.ConversationID, sb.ID); err != nil {
			slog.Error("binding delete failed", "sandbox", sb.ID, "error", err)
		}
	}

	audit.ContainerDestroyed(audit.ContainerDestroyedEvent{
		ContainerID:    sb.ID,
		ConversationID: sb.ConversationID,
		Reason:         reason,
	})
}

// Destroy tears down the conversation's sandbox, if any.
func (o *Orchestrator) Destroy(ctx context.Context, conversationID string) error {
	sb, err := o.bindings.Get(ctx, conversationID)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.teardown(ctx, sb, "destroyed")
	return nil
}

// DestroyAll stops every active proxy, destroys every sandbox this
// backend knows about, and drains the warm pool. Used by operators, not
// by routine shutdown: a restarting replica leaves bound sandboxes for
// startup reconciliation instead.
func (o *Orchestrator) DestroyAll(ctx context.Context) error {
	sandboxes, err := o.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, sb := range sandboxes {
		if sb.ConversationID == "" {
			if conv, err := o.bindings.ConversationFor(ctx, sb.ID); err == nil {
				sb.ConversationID = conv
			}
		}
		o.teardown(ctx, sb, "destroy_all")
	}

	if err := o.pool.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
