// Package gc reaps sandboxes whose conversations went idle, whose
// absolute lifetime expired, or whose bindings vanished entirely. It runs
// as one background loop per replica; all replicas race benignly because
// destruction is idempotent and conditional on the binding snapshot each
// cycle observed.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/terusibata/workspace-sandbox/internal/audit"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/binding"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
)

const orphanGracePeriod = 5 * time.Second

// ProxyStopper shuts down the egress proxy for a sandbox before it is
// destroyed. The orchestrator supplies it; GC never touches proxy state
// directly.
type ProxyStopper func(sandboxID string)

// Collector is the background sandbox garbage collector.
type Collector struct {
	cfg       *config.Config
	backend   backend.ContainerBackend
	bindings  *binding.Store
	stopProxy ProxyStopper
}

// New creates a Collector.
func New(cfg *config.Config, be backend.ContainerBackend, bindings *binding.Store, stopProxy ProxyStopper) *Collector {
	return &Collector{cfg: cfg, backend: be, bindings: bindings, stopProxy: stopProxy}
}

// Run loops until ctx is cancelled, collecting every ContainerGCInterval.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ContainerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			destroyed, err := c.Collect(ctx)
			if err != nil {
				slog.Error("gc cycle failed", "error", err)
				metrics.GCCyclesTotal.WithLabelValues().Inc()
				continue
			}
			if destroyed > 0 {
				slog.Info("gc cycle complete", "destroyed", destroyed)
			}
			metrics.GCCyclesTotal.WithLabelValues().Inc()
		}
	}
}

// Collect runs one GC cycle and returns how many sandboxes it destroyed.
func (c *Collector) Collect(ctx context.Context) (int, error) {
	cycleStart := time.Now().UTC()

	sandboxes, err := c.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		return 0, err
	}

	destroyed := 0
	for _, sb := range sandboxes {
		conversationID, err := c.bindings.ConversationFor(ctx, sb.ID)
		if err != nil {
			slog.Error("gc: binding lookup failed", "sandbox", sb.ID, "error", err)
			continue
		}

		if conversationID == "" {
			if c.collectOrphan(ctx, sb) {
				destroyed++
			}
			continue
		}

		bound, err := c.bindings.Get(ctx, conversationID)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				// Reverse key without a forward hash: treat as orphan.
				if c.collectOrphan(ctx, sb) {
					destroyed++
				}
			}
			continue
		}
		if bound.ID != sb.ID {
			// The conversation moved to a newer sandbox; this one is
			// leftover.
			if c.collectOrphan(ctx, sb) {
				destroyed++
			}
			continue
		}

		reason := expiryReason(bound, cycleStart, c.cfg.ContainerInactiveTTL, c.cfg.ContainerAbsoluteTTL)
		if reason == "" {
			continue
		}

		if c.destroyBound(ctx, bound, cycleStart, reason) {
			destroyed++
		}
	}

	return destroyed, nil
}

// expiryReason classifies whether the sandbox snapshot is past either TTL
// or explicitly draining; empty means it survives this cycle.
func expiryReason(sb *backend.Sandbox, now time.Time, inactiveTTL, absoluteTTL time.Duration) string {
	switch {
	case sb.State == backend.StateDraining:
		return "draining"
	case now.Sub(sb.LastActiveAt) > inactiveTTL:
		return "inactive_ttl"
	case now.Sub(sb.CreatedAt) > absoluteTTL:
		return "absolute_ttl"
	default:
		return ""
	}
}

// destroyBound re-reads the binding just before destruction: a concurrent
// Execute that touched last_active_at since the cycle's snapshot means the
// sandbox is live again and must survive.
func (c *Collector) destroyBound(ctx context.Context, snapshot *backend.Sandbox, cycleStart time.Time, reason string) bool {
	current, err := c.bindings.Get(ctx, snapshot.ConversationID)
	if err == nil && current.ID == snapshot.ID && reason != "draining" {
		if expiryReason(current, cycleStart, c.cfg.ContainerInactiveTTL, c.cfg.ContainerAbsoluteTTL) == "" {
			slog.Info("gc: sandbox revived mid-cycle, skipping", "sandbox", snapshot.ID)
			return false
		}
	}

	c.stopProxy(snapshot.ID)

	if err := c.backend.DestroyContainer(ctx, snapshot.ID, c.cfg.ContainerGracePeriod); err != nil {
		slog.Error("gc: destroy failed", "sandbox", snapshot.ID, "error", err)
		return false
	}
	if err := c.bindings.Delete(ctx, snapshot.ConversationID, snapshot.ID); err != nil {
		slog.Error("gc: binding delete failed", "sandbox", snapshot.ID, "error", err)
	}

	metrics.GCDestroyedTotal.WithLabelValues(reason).Inc()
	audit.ContainerDestroyed(audit.ContainerDestroyedEvent{
		ContainerID:    snapshot.ID,
		ConversationID: snapshot.ConversationID,
		Reason:         "cleanup",
	})
	slog.Info("gc: destroyed sandbox", "sandbox", snapshot.ID, "conversation", snapshot.ConversationID, "reason", reason)
	return true
}

// collectOrphan destroys a sandbox that has no binding and is either not
// running or past its absolute lifetime, with a short grace instead of the
// full configured one.
func (c *Collector) collectOrphan(ctx context.Context, sb *backend.Sandbox) bool {
	if c.backend.IsHealthy(ctx, sb.ID) && time.Since(sb.CreatedAt) < c.cfg.ContainerAbsoluteTTL {
		// A running unbound sandbox inside its absolute lifetime is most
		// likely a warm-pool member; leave it alone.
		return false
	}

	c.stopProxy(sb.ID)

	if err := c.backend.DestroyContainer(ctx, sb.ID, orphanGracePeriod); err != nil {
		slog.Error("gc: orphan destroy failed", "sandbox", sb.ID, "error", err)
		return false
	}

	metrics.GCDestroyedTotal.WithLabelValues("orphan").Inc()
	audit.ContainerDestroyed(audit.ContainerDestroyedEvent{
		ContainerID: sb.ID,
		Reason:      "orphan",
	})
	slog.Info("gc: destroyed orphan sandbox", "sandbox", sb.ID)
	return true
}
