// Package backend defines the polymorphic container backend interface that
// the daemon and task-runner implementations satisfy, plus the Sandbox
// model shared across the orchestrator, warm pool, and garbage collector.
package backend

import (
	"context"
	"time"
)

// State is a Sandbox's lifecycle state. Transitions are monotone except
// Warm to Ready and the Ready/Running/Idle oscillation; Draining and
// Destroyed are terminal.
type State string

const (
	StateWarm      State = "warm"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StateDraining  State = "draining"
	StateDestroyed State = "destroyed"
)

// Sandbox is a single container instance. ConversationID is empty while
// the sandbox sits in the warm pool.
type Sandbox struct {
	ID             string
	BackendType    string // "docker" or "taskrunner"
	ConversationID string
	AgentEndpoint  string // unix socket path ("unix:/path") or HTTP base URL ("http://host:port")
	ProxyEndpoint  string // unix socket path or "host:port"; empty for a sidecar-proxy backend
	CreatedAt      time.Time
	LastActiveAt   time.Time
	State          State

	// Task-runner specific fields, empty for the daemon backend.
	TaskARN string
	TaskIP  string
}

// Touch refreshes LastActiveAt.
func (s *Sandbox) Touch() {
	s.LastActiveAt = time.Now().UTC()
}

// ToHash serializes a Sandbox into a string map, suitable for a Redis hash.
func (s *Sandbox) ToHash() map[string]string {
	return map[string]string{
		"id":              s.ID,
		"backend_type":    s.BackendType,
		"conversation_id": s.ConversationID,
		"agent_endpoint":  s.AgentEndpoint,
		"proxy_endpoint":  s.ProxyEndpoint,
		"created_at":      s.CreatedAt.Format(time.RFC3339Nano),
		"last_active_at":  s.LastActiveAt.Format(time.RFC3339Nano),
		"state":           string(s.State),
		"task_arn":        s.TaskARN,
		"task_ip":         s.TaskIP,
	}
}

// FromHash deserializes a Sandbox from a Redis hash. Unknown or malformed
// timestamp fields default to now, so mixed old/new field sets stay
// readable.
func FromHash(data map[string]string) *Sandbox {
	now := time.Now().UTC()
	s := &Sandbox{
		ID:             data["id"],
		BackendType:    data["backend_type"],
		ConversationID: data["conversation_id"],
		AgentEndpoint:  data["agent_endpoint"],
		ProxyEndpoint:  data["proxy_endpoint"],
		State:          State(data["state"]),
		TaskARN:        data["task_arn"],
		TaskIP:         data["task_ip"],
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["last_active_at"]); err == nil {
		s.LastActiveAt = t
	}
	if s.State == "" {
		s.State = StateReady
	}
	return s
}

// Redis key prefixes shared by the orchestrator, warm pool, garbage
// collector, and the task-runner backend's sandbox->task lookup. Every
// component that touches Redis directly keys off these so a binding
// written by one package is readable by another.
const (
	RedisKeyContainer        = "workspace:container"         // + ":" + conversationID -> hash (Sandbox.ToHash)
	RedisKeyContainerReverse = "workspace:container_reverse" // + ":" + sandboxID -> conversationID
	RedisKeyWarmPool         = "workspace:warm_pool"         // list of warm sandbox IDs
	RedisKeyWarmPoolInfo     = "workspace:warm_pool_info"    // + ":" + sandboxID -> hash
	RedisKeyECSTask          = "workspace:ecs_task"          // + ":" + sandboxID -> task ARN (taskrunner backend only)
)

// LogLocation describes where a backend's per-sandbox log tail is captured
// from, for WaitForAgentReady timeout diagnostics.
type LogLocation struct {
	ContainerID string
	TaskARN     string
}

// ContainerBackend is the polymorphic surface the substrate needs: create,
// destroy, health-check, exec-in, and stream-to/from a sandbox. The daemon
// (Docker) and task-runner (ECS) backends both implement this surface;
// they differ only in transport and in how logs are retrieved.
type ContainerBackend interface {
	// CreateContainer creates and starts a new sandbox. conversationID may
	// be empty, meaning the sandbox is destined for the warm pool.
	CreateContainer(ctx context.Context, conversationID string) (*Sandbox, error)

	// DestroyContainer gracefully stops and removes a sandbox, with
	// gracePeriod before a force-kill.
	DestroyContainer(ctx context.Context, id string, gracePeriod time.Duration) error

	// IsHealthy reports whether the sandbox's container/task is running.
	IsHealthy(ctx context.Context, id string) bool

	// ListWorkspaceContainers enumerates the sandboxes this backend
	// manages, labeled as workspace sandboxes, for GC and startup
	// reconciliation. The daemon backend includes stopped containers; the
	// task-runner backend lists running tasks only.
	ListWorkspaceContainers(ctx context.Context) ([]*Sandbox, error)

	// WaitForAgentReady polls the sandbox's /health endpoint until success
	// or timeout.
	WaitForAgentReady(ctx context.Context, sb *Sandbox, timeout time.Duration) error

	// ExecInContainer runs cmd inside the sandbox and returns its combined
	// text output.
	ExecInContainer(ctx context.Context, id string, cmd []string) (exitCode int, output string, err error)

	// ExecInContainerBinary is like ExecInContainer but returns raw bytes,
	// used for reading files back out of the sandbox filesystem.
	ExecInContainerBinary(ctx context.Context, id string, cmd []string) (exitCode int, output []byte, err error)

	// WriteFile streams data into the sandbox at path, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, id, path string, data []byte) error

	// GetContainerLogs pulls the last `tail` lines of the sandbox's logs.
	GetContainerLogs(ctx context.Context, id string, tail int) (string, error)
}
