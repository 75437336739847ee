package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/terusibata/workspace-sandbox/internal/audit"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
	"github.com/terusibata/workspace-sandbox/internal/events"
	"github.com/terusibata/workspace-sandbox/internal/lock"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
)

const (
	// fileSyncDebounce is the minimum spacing between opportunistic
	// mid-stream syncs triggered by file-tool events.
	fileSyncDebounce = 10 * time.Second

	maxEventLineSize = 1 << 20
)

// agentRequest is the payload posted to the sandbox agent's /execute. The
// execution timeout rides along so the agent bounds itself; the relay's
// idle timer is the longer safety net above it.
type agentRequest struct {
	ConversationID   string   `json:"conversation_id"`
	TenantID         string   `json:"tenant_id"`
	ModelID          string   `json:"model_id"`
	WorkspaceEnabled bool     `json:"workspace_enabled"`
	UserInput        string   `json:"user_input"`
	Executor         string   `json:"executor,omitempty"`
	PreferredSkills  []string `json:"preferred_skills,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
}

// Execute runs one request against the conversation's sandbox, relaying
// the agent's event stream to sink. It holds the conversation's
// distributed lock for the whole call and releases it on every exit path.
func (o *Orchestrator) Execute(callerCtx context.Context, req Request, sink EventSink) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: empty conversation id", errdefs.ErrNotFound)
	}

	h, err := o.locks.Acquire(callerCtx, "conversation:"+req.ConversationID, o.cfg.LockTTL, o.cfg.LockAcquireTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrAcquireTimeout) {
			return fmt.Errorf("%w: %s", errdefs.ErrConversationLocked, req.ConversationID)
		}
		return err
	}
	defer o.locks.Release(context.WithoutCancel(callerCtx), h)

	// Everything past this point must survive a caller disconnect: the
	// execution context below is what idle-timeout or teardown cancels,
	// never the caller's.
	opCtx := context.WithoutCancel(callerCtx)

	sb, err := o.GetOrCreate(opCtx, req.ConversationID, req.TenantID)
	if err != nil {
		return err
	}

	sb.State = backend.StateRunning
	if err := o.bindings.Refresh(opCtx, sb); err != nil {
		return err
	}

	if req.WorkspaceEnabled {
		if _, err := o.files.SyncToContainer(opCtx, req.TenantID, req.ConversationID, sb); err != nil {
			slog.Error("workspace sync to sandbox failed", "conversation", req.ConversationID, "error", err)
		}
		if err := o.files.RestoreSessionFile(opCtx, req.TenantID, req.ConversationID, req.ConversationID, sb); err != nil {
			slog.Error("session restore failed", "conversation", req.ConversationID, "error", err)
		}
	}

	audit.AgentExecutionStarted(audit.AgentExecutionStartedEvent{
		ConversationID: req.ConversationID,
		ContainerID:    sb.ID,
		TenantID:       req.TenantID,
		ModelID:        req.ModelID,
	})

	start := time.Now()
	res := o.relay(callerCtx, opCtx, req, sb, sink)

	switch {
	case res.timedOut:
		o.handleTimeout(opCtx, req, sb, res)
		metrics.RequestsTotal.WithLabelValues("timeout").Inc()
		return nil

	case res.err != nil:
		o.handleStreamError(opCtx, req, sb, res)
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		return nil

	default:
		o.finishClean(opCtx, req, sb, res, time.Since(start))
		metrics.RequestsTotal.WithLabelValues("success").Inc()
		metrics.RequestDuration.WithLabelValues().Observe(time.Since(start).Seconds())
		return nil
	}
}

// relayResult is what the relay loop observed by the time the stream ended.
type relayResult struct {
	usage      events.Usage
	hasResult  bool
	lastSeq    int64
	callerGone bool
	timedOut   bool
	err        error

	emit func(t events.Type, fields map[string]any)
}

// relay opens the streaming POST to the agent and pumps events to the
// caller: one goroutine reads lines from the agent, this goroutine writes
// to the sink, and an idle timer watches for silence in between.
func (o *Orchestrator) relay(callerCtx, opCtx context.Context, req Request, sb *backend.Sandbox, sink EventSink) *relayResult {
	res := &relayResult{}

	// emit writes an orchestrator-originated event with the next sequence
	// number; it is used by the failure paths after relay returns too.
	res.emit = func(t events.Type, fields map[string]any) {
		if res.callerGone {
			return
		}
		res.lastSeq++
		if err := sink.Send(events.New(t, res.lastSeq, fields).Encode()); err != nil {
			res.callerGone = true
		}
	}

	execCtx, execCancel := context.WithCancel(opCtx)
	defer execCancel()

	resp, err := o.openAgentStream(execCtx, req, sb)
	if err != nil {
		res.err = fmt.Errorf("%w: %v", errdefs.ErrAgentCrashed, err)
		return res
	}
	defer resp.Body.Close()

	lineCh := make(chan string, 64)
	var scanErr error
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxEventLineSize)
		for scanner.Scan() {
			select {
			case lineCh <- scanner.Text():
			case <-execCtx.Done():
				return
			}
		}
		scanErr = scanner.Err()
	}()

	idle := time.NewTimer(o.cfg.EventTimeout)
	defer idle.Stop()

	var lastFileSync time.Time
	var syncInFlight atomic.Bool

	callerDone := callerCtx.Done()
	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				if scanErr != nil {
					res.err = fmt.Errorf("%w: %v", errdefs.ErrAgentCrashed, scanErr)
				}
				return res
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(o.cfg.EventTimeout)

			if line == "" {
				continue
			}

			ev, perr := events.Parse(line)
			if perr == nil {
				if ev.Seq > res.lastSeq {
					res.lastSeq = ev.Seq
				}
				if ev.Type == events.Result {
					res.usage = events.UsageFrom(ev)
					res.hasResult = true
				}
				if ev.Type == events.ToolResult && req.WorkspaceEnabled &&
					time.Since(lastFileSync) >= fileSyncDebounce && syncInFlight.CompareAndSwap(false, true) {
					lastFileSync = time.Now()
					o.tracker.Go("opportunistic-file-sync", func(ctx context.Context) {
						defer syncInFlight.Store(false)
						if _, err := o.files.SyncFromContainer(ctx, req.TenantID, req.ConversationID, sb); err != nil {
							slog.Error("opportunistic file sync failed", "conversation", req.ConversationID, "error", err)
						}
					})
				}
			}

			if !res.callerGone {
				if err := sink.Send(line); err != nil {
					res.callerGone = true
					slog.Info("client disconnected, background execution continues",
						"conversation", req.ConversationID, "sandbox", sb.ID)
				}
			}

		case <-idle.C:
			res.timedOut = true
			execCancel()
			// Drain the producer so its goroutine exits.
			for range lineCh {
			}
			return res

		case <-callerDone:
			callerDone = nil
			res.callerGone = true
			slog.Info("client disconnected, background execution continues",
				"conversation", req.ConversationID, "sandbox", sb.ID)
		}
	}
}

// openAgentStream POSTs the request to the sandbox agent's /execute and
// returns the streaming response.
func (o *Orchestrator) openAgentStream(ctx context.Context, req Request, sb *backend.Sandbox) (*http.Response, error) {
	client, baseURL := agentHTTPClient(sb.AgentEndpoint)

	payload, err := json.Marshal(agentRequest{
		ConversationID:   req.ConversationID,
		TenantID:         req.TenantID,
		ModelID:          req.ModelID,
		WorkspaceEnabled: req.WorkspaceEnabled,
		UserInput:        req.UserInput,
		Executor:         req.Executor,
		PreferredSkills:  req.PreferredSkills,
		TimeoutSeconds:   int(o.cfg.ContainerExecutionTimeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// agentHTTPClient builds an HTTP client and base URL for a sandbox agent
// endpoint, which is either "unix:/path/to/agent.sock" or an http URL or
// host:port. The client has no overall timeout: streams are bounded by the
// relay's idle timer and the execution context instead.
func agentHTTPClient(endpoint string) (*http.Client, string) {
	if path, ok := strings.CutPrefix(endpoint, "unix:"); ok {
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", path)
				},
			},
		}, "http://sandbox"
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return &http.Client{}, endpoint
	}
	return &http.Client{}, "http://" + endpoint
}

// handleTimeout is the highest-priority failure path: the agent went
// silent past the event timeout, so the sandbox may be stuck. Destroy it,
// bind a fresh one, and tell the caller a retry is worthwhile.
func (o *Orchestrator) handleTimeout(ctx context.Context, req Request, sb *backend.Sandbox, res *relayResult) {
	res.emit(events.Error, map[string]any{
		"kind":        "timeout_error",
		"message":     "agent produced no events within the timeout window",
		"recoverable": true,
	})

	audit.AgentExecutionFailed(audit.AgentExecutionFailedEvent{
		ConversationID: req.ConversationID,
		ContainerID:    sb.ID,
		TenantID:       req.TenantID,
		Error:          errdefs.ErrAgentTimeout.Error(),
		ErrorType:      "timeout",
	})

	o.recoverSandbox(ctx, req, sb, res, "timeout")
}

// handleStreamError covers the two remaining mid-stream failure paths: a
// proxy-connection error gets one proxy-only restart attempt before the
// sandbox itself is recycled; anything else recycles immediately.
func (o *Orchestrator) handleStreamError(ctx context.Context, req Request, sb *backend.Sandbox, res *relayResult) {
	audit.AgentExecutionFailed(audit.AgentExecutionFailedEvent{
		ConversationID: req.ConversationID,
		ContainerID:    sb.ID,
		TenantID:       req.TenantID,
		Error:          res.err.Error(),
		ErrorType:      "stream",
	})

	if sb.ProxyEndpoint != "" && o.verifyProxy(sb) != nil {
		res.emit(events.Error, map[string]any{
			"kind":        "proxy_error",
			"message":     "egress proxy connection lost",
			"recoverable": true,
		})
		if err := o.restartProxy(sb); err == nil {
			sb.State = backend.StateIdle
			if err := o.bindings.Refresh(ctx, sb); err != nil {
				slog.Error("binding refresh after proxy restart failed", "conversation", req.ConversationID, "error", err)
			}
			res.emit(events.ContainerRecovered, map[string]any{
				"recovered":         true,
				"retry_recommended": true,
				"container_id":      sb.ID,
			})
			return
		}
		slog.Error("proxy restart failed, recycling sandbox", "sandbox", sb.ID)
		o.recoverSandbox(ctx, req, sb, res, "proxy_unavailable")
		return
	}

	res.emit(events.Error, map[string]any{
		"kind":        "container_error",
		"message":     "agent connection lost",
		"recoverable": true,
	})

	metrics.ContainerCrashesTotal.WithLabelValues(sb.BackendType).Inc()
	audit.ContainerCrashed(audit.ContainerCrashedEvent{
		ContainerID:    sb.ID,
		ConversationID: req.ConversationID,
		TenantID:       req.TenantID,
		Error:          res.err.Error(),
	})

	o.recoverSandbox(ctx, req, sb, res, "crashed")
}

// recoverSandbox destroys the broken sandbox, binds a replacement, and
// emits the terminal container_recovered event. The recovered event is
// always the last event on the stream.
func (o *Orchestrator) recoverSandbox(ctx context.Context, req Request, sb *backend.Sandbox, res *relayResult, reason string) {
	o.teardown(ctx, sb, reason)

	fresh, err := o.createAndBind(ctx, req.ConversationID, req.TenantID)
	recovered := err == nil
	if err != nil {
		slog.Error("sandbox recovery failed", "conversation", req.ConversationID, "error", err)
	}

	fields := map[string]any{
		"recovered":         recovered,
		"retry_recommended": true,
	}
	if recovered {
		fields["container_id"] = fresh.ID
	}
	res.emit(events.ContainerRecovered, fields)
}

// finishClean is the normal end-of-stream path: account usage, sync the
// workspace back out, park the sandbox Idle, and refresh its binding.
func (o *Orchestrator) finishClean(ctx context.Context, req Request, sb *backend.Sandbox, res *relayResult, elapsed time.Duration) {
	if res.hasResult && o.usage != nil {
		o.usage(req.ConversationID, req.TenantID, res.usage)
	}

	if req.WorkspaceEnabled {
		if _, err := o.files.SyncFromContainer(ctx, req.TenantID, req.ConversationID, sb); err != nil {
			slog.Error("workspace sync from sandbox failed", "conversation", req.ConversationID, "error", err)
		}
		if err := o.files.SaveSessionFile(ctx, req.TenantID, req.ConversationID, req.ConversationID, sb); err != nil {
			slog.Error("session save failed", "conversation", req.ConversationID, "error", err)
		}
	}

	sb.State = backend.StateIdle
	if err := o.bindings.Refresh(ctx, sb); err != nil {
		slog.Error("binding refresh after execute failed", "conversation", req.ConversationID, "error", err)
	}

	audit.AgentExecutionCompleted(audit.AgentExecutionCompletedEvent{
		ConversationID: req.ConversationID,
		ContainerID:    sb.ID,
		TenantID:       req.TenantID,
		DurationMS:     elapsed.Milliseconds(),
		InputTokens:    res.usage.InputTokens,
		OutputTokens:   res.usage.OutputTokens,
		CostUSD:        res.usage.CostUSD,
	})
}
