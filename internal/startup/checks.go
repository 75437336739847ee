// Package startup runs the pre-serve checks: Docker reachability for the
// daemon backend, and reconciliation of live sandboxes against the shared
// store after a restart.
package startup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/binding"
)

// CheckResult represents the result of a startup check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// Checker runs startup checks and initialization.
type Checker struct {
	dockerClient *client.Client
	results      []CheckResult
}

// NewChecker creates a new startup checker.
func NewChecker() *Checker {
	return &Checker{
		results: make([]CheckResult, 0),
	}
}

// Results returns all check results.
func (c *Checker) Results() []CheckResult {
	return c.results
}

// DockerClient returns the Docker client after CheckDocker has been called.
func (c *Checker) DockerClient() *client.Client {
	return c.dockerClient
}

// addResult adds a check result and logs it.
func (c *Checker) addResult(name string, passed bool, message string, err error) {
	result := CheckResult{
		Name:    name,
		Passed:  passed,
		Message: message,
		Error:   err,
	}
	c.results = append(c.results, result)

	if passed {
		slog.Info("Startup check passed", "check", name, "message", message)
	} else {
		if err != nil {
			slog.Error("Startup check failed", "check", name, "message", message, "error", err)
		} else {
			slog.Error("Startup check failed", "check", name, "message", message)
		}
	}
}

// CheckDocker verifies Docker daemon is running and accessible.
func (c *Checker) CheckDocker(ctx context.Context) error {
	const checkName = "Docker"

	slog.Info("Running startup check", "check", checkName)

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		c.addResult(checkName, false, "Failed to create Docker client", err)
		return fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify Docker daemon is running
	ping, err := dockerClient.Ping(ctx)
	if err != nil {
		c.addResult(checkName, false, "Docker daemon is not running", err)
		return fmt.Errorf(`Docker daemon is not running.

To fix this:
  - macOS: Open Docker Desktop application
  - Linux: Run 'sudo systemctl start docker' or 'sudo service docker start'
  - Windows: Start Docker Desktop from the Start menu

If Docker is not installed:
  - macOS: brew install --cask docker
  - Linux: https://docs.docker.com/engine/install/
  - Windows: https://docs.docker.com/desktop/install/windows-install/

Underlying error: %w`, err)
	}

	c.dockerClient = dockerClient
	c.addResult(checkName, true, fmt.Sprintf("Docker daemon running (API %s)", ping.APIVersion), nil)
	return nil
}

// ReconcileSandboxes compares the backend's live sandboxes against the
// shared store after a restart: a sandbox with a binding survives (a
// peer replica or our previous incarnation owns it), a sandbox sitting in
// the warm pool survives, and anything else is a leak from a crashed
// process and is destroyed.
func (c *Checker) ReconcileSandboxes(ctx context.Context, be backend.ContainerBackend, bindings *binding.Store, rdb *redis.Client) (int, error) {
	const checkName = "Sandbox Reconciliation"

	slog.Info("Running startup check", "check", checkName)

	sandboxes, err := be.ListWorkspaceContainers(ctx)
	if err != nil {
		c.addResult(checkName, false, "Failed to list sandboxes", err)
		return 0, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	pooled, err := rdb.LRange(ctx, backend.RedisKeyWarmPool, 0, -1).Result()
	if err != nil {
		c.addResult(checkName, false, "Failed to read warm pool", err)
		return 0, fmt.Errorf("failed to read warm pool: %w", err)
	}
	pooledSet := make(map[string]struct{}, len(pooled))
	for _, id := range pooled {
		pooledSet[id] = struct{}{}
	}

	removed := 0
	for _, sb := range sandboxes {
		conv, err := bindings.ConversationFor(ctx, sb.ID)
		if err != nil {
			slog.Warn("reconcile: binding lookup failed", "sandbox", sb.ID, "error", err)
			continue
		}
		if conv != "" {
			continue
		}
		if _, ok := pooledSet[sb.ID]; ok {
			continue
		}

		slog.Info("Removing stale sandbox", "sandbox", sb.ID, "state", sb.State)
		if err := be.DestroyContainer(ctx, sb.ID, 0); err != nil {
			slog.Error("reconcile: destroy failed", "sandbox", sb.ID, "error", err)
			continue
		}
		removed++
	}

	if removed == 0 {
		c.addResult(checkName, true, "No stale sandboxes found", nil)
	} else {
		c.addResult(checkName, true, fmt.Sprintf("Removed %d stale sandboxes", removed), nil)
	}
	return removed, nil
}

// PrintSummary prints a summary of all check results.
func (c *Checker) PrintSummary() {
	passed := 0
	failed := 0
	for _, r := range c.results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}

	if failed == 0 {
		slog.Info("All startup checks passed", "total", len(c.results))
	} else {
		slog.Warn("Some startup checks failed", "passed", passed, "failed", failed)
	}
}
