// Package audit emits the security audit trail: one structured JSON line
// per security-relevant event (container lifecycle, egress proxy
// decisions, file sync, agent execution outcomes), written through a
// dedicated slog logger so the audit stream can be shipped and retained
// separately from ordinary application logs.
package audit

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Service names stamped onto every event from that subsystem.
const (
	ServiceOrchestrator = "workspace-orchestrator"
	ServiceProxy        = "workspace-proxy"
	ServiceFileSync     = "workspace-file-sync"
	ServiceExecutor     = "workspace-executor"
)

// Logger emits audit events as JSON lines with the fixed schema
// {timestamp, level, event, service, ...}. The zero value is not usable;
// construct with New.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger writing JSON lines to w.
func New(w io.Writer) *Logger {
	return &Logger{logger: slog.New(newHandler(w))}
}

// Default writes to stdout and is used by the package-level convenience
// functions below.
var Default = New(os.Stdout)

func newHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			case slog.MessageKey:
				a.Key = "event"
			}
			return a
		},
	})
}

// ContainerCreatedEvent is emitted when a sandbox container finishes
// starting, whether it came from the warm pool or a cold create.
type ContainerCreatedEvent struct {
	ContainerID    string
	ConversationID string
	TenantID       string
	Source         string // "warm_pool" or "cold_create"
	DurationMS     int64
}

func (l *Logger) ContainerCreated(e ContainerCreatedEvent) {
	l.logger.Info("container_created",
		"service", ServiceOrchestrator,
		"container_id", e.ContainerID,
		"conversation_id", e.ConversationID,
		"tenant_id", e.TenantID,
		"source", e.Source,
		"network_mode", "none",
		"duration_ms", e.DurationMS,
	)
}

// ContainerDestroyedEvent is emitted on every sandbox teardown, whatever
// triggered it (explicit release, idle-TTL GC, absolute-TTL GC).
type ContainerDestroyedEvent struct {
	ContainerID    string
	ConversationID string
	TenantID       string
	Reason         string
}

func (l *Logger) ContainerDestroyed(e ContainerDestroyedEvent) {
	l.logger.Info("container_destroyed",
		"service", ServiceOrchestrator,
		"container_id", e.ContainerID,
		"conversation_id", e.ConversationID,
		"tenant_id", e.TenantID,
		"reason", e.Reason,
	)
}

// ContainerCrashedEvent is emitted when a sandbox dies mid-execution.
type ContainerCrashedEvent struct {
	ContainerID    string
	ConversationID string
	TenantID       string
	Error          string
}

func (l *Logger) ContainerCrashed(e ContainerCrashedEvent) {
	l.logger.Warn("container_crashed",
		"service", ServiceOrchestrator,
		"container_id", e.ContainerID,
		"conversation_id", e.ConversationID,
		"tenant_id", e.TenantID,
		"error", e.Error,
	)
}

// ProxyRequestAllowedEvent is emitted for every egress request the domain
// allowlist permits.
type ProxyRequestAllowedEvent struct {
	ContainerID string
	Method      string
	URL         string
	Status      int
	DurationMS  int64
}

func (l *Logger) ProxyRequestAllowed(e ProxyRequestAllowedEvent) {
	l.logger.Info("proxy_request_allowed",
		"service", ServiceProxy,
		"container_id", e.ContainerID,
		"method", e.Method,
		"url", e.URL,
		"status", e.Status,
		"duration_ms", e.DurationMS,
	)
}

// ProxyRequestBlockedEvent is emitted for every egress request the domain
// allowlist rejects.
type ProxyRequestBlockedEvent struct {
	ContainerID string
	Method      string
	URL         string
	Reason      string
}

func (l *Logger) ProxyRequestBlocked(e ProxyRequestBlockedEvent) {
	reason := e.Reason
	if reason == "" {
		reason = "domain_not_in_whitelist"
	}
	l.logger.Warn("proxy_request_blocked",
		"service", ServiceProxy,
		"container_id", e.ContainerID,
		"method", e.Method,
		"url", e.URL,
		"reason", reason,
	)
}

// FileSyncToContainerEvent is emitted after a sandbox's workspace is
// populated from blob storage.
type FileSyncToContainerEvent struct {
	ConversationID string
	ContainerID    string
	TenantID       string
	SyncedCount    int
	TotalCount     int
}

func (l *Logger) FileSyncToContainer(e FileSyncToContainerEvent) {
	l.logger.Info("file_sync_to_container",
		"service", ServiceFileSync,
		"conversation_id", e.ConversationID,
		"container_id", e.ContainerID,
		"tenant_id", e.TenantID,
		"synced_count", e.SyncedCount,
		"total_count", e.TotalCount,
	)
}

// FileSyncFromContainerEvent is emitted after a sandbox's workspace
// changes are persisted back to blob storage.
type FileSyncFromContainerEvent struct {
	ConversationID string
	ContainerID    string
	TenantID       string
	SyncedCount    int
}

func (l *Logger) FileSyncFromContainer(e FileSyncFromContainerEvent) {
	l.logger.Info("file_sync_from_container",
		"service", ServiceFileSync,
		"conversation_id", e.ConversationID,
		"container_id", e.ContainerID,
		"tenant_id", e.TenantID,
		"synced_count", e.SyncedCount,
	)
}

// AgentExecutionStartedEvent is emitted when a conversation's execute call
// begins streaming.
type AgentExecutionStartedEvent struct {
	ConversationID string
	ContainerID    string
	TenantID       string
	ModelID        string
}

func (l *Logger) AgentExecutionStarted(e AgentExecutionStartedEvent) {
	l.logger.Info("agent_execution_started",
		"service", ServiceExecutor,
		"conversation_id", e.ConversationID,
		"container_id", e.ContainerID,
		"tenant_id", e.TenantID,
		"model_id", e.ModelID,
	)
}

// AgentExecutionCompletedEvent is emitted when an execute call finishes
// successfully.
type AgentExecutionCompletedEvent struct {
	ConversationID string
	ContainerID    string
	TenantID       string
	DurationMS     int64
	InputTokens    int64
	OutputTokens   int64
	CostUSD        string
}

func (l *Logger) AgentExecutionCompleted(e AgentExecutionCompletedEvent) {
	costUSD := e.CostUSD
	if costUSD == "" {
		costUSD = "0"
	}
	l.logger.Info("agent_execution_completed",
		"service", ServiceExecutor,
		"conversation_id", e.ConversationID,
		"container_id", e.ContainerID,
		"tenant_id", e.TenantID,
		"duration_ms", e.DurationMS,
		"input_tokens", e.InputTokens,
		"output_tokens", e.OutputTokens,
		"cost_usd", costUSD,
	)
}

// AgentExecutionFailedEvent is emitted when an execute call ends in
// error, whether from the agent itself, a crashed sandbox, or a timeout.
type AgentExecutionFailedEvent struct {
	ConversationID string
	ContainerID    string
	TenantID       string
	Error          string
	ErrorType      string
}

func (l *Logger) AgentExecutionFailed(e AgentExecutionFailedEvent) {
	l.logger.Error("agent_execution_failed",
		"service", ServiceExecutor,
		"conversation_id", e.ConversationID,
		"container_id", e.ContainerID,
		"tenant_id", e.TenantID,
		"error", e.Error,
		"error_type", e.ErrorType,
	)
}

// Package-level convenience wrappers around Default, for callers that
// don't need an injectable logger.

func ContainerCreated(e ContainerCreatedEvent)             { Default.ContainerCreated(e) }
func ContainerDestroyed(e ContainerDestroyedEvent)         { Default.ContainerDestroyed(e) }
func ContainerCrashed(e ContainerCrashedEvent)             { Default.ContainerCrashed(e) }
func ProxyRequestAllowed(e ProxyRequestAllowedEvent)       { Default.ProxyRequestAllowed(e) }
func ProxyRequestBlocked(e ProxyRequestBlockedEvent)       { Default.ProxyRequestBlocked(e) }
func FileSyncToContainer(e FileSyncToContainerEvent)       { Default.FileSyncToContainer(e) }
func FileSyncFromContainer(e FileSyncFromContainerEvent)   { Default.FileSyncFromContainer(e) }
func AgentExecutionStarted(e AgentExecutionStartedEvent)   { Default.AgentExecutionStarted(e) }
func AgentExecutionCompleted(e AgentExecutionCompletedEvent) { Default.AgentExecutionCompleted(e) }
func AgentExecutionFailed(e AgentExecutionFailedEvent)     { Default.AgentExecutionFailed(e) }
