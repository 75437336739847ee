// Package docker implements the daemon-based ContainerBackend: one sandbox
// per Docker container, isolated with NetworkMode "none", a read-only
// rootfs, and a host directory bind-mounted onto /var/run/ws carrying the
// agent and egress-proxy unix sockets.
package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
)

const (
	agentSocketName = "agent.sock"
	proxySocketName = "proxy.sock"

	imageReadyTTL = 30 * time.Second
)

var seccompCache struct {
	once sync.Once
	json string
}

// Backend implements backend.ContainerBackend against a local Docker
// daemon. It keeps no in-process registry of sandboxes: truth lives in
// Docker labels plus the Redis bindings the orchestrator owns, so a
// restarted daemon can reconcile from ListWorkspaceContainers alone.
type Backend struct {
	cli *client.Client
	cfg *config.Config

	readyMu  sync.Mutex
	readyAt  map[string]time.Time
	pullOnce sync.Map // image -> chan struct{}, dedupes concurrent pulls
}

// New creates a Backend bound to an already-initialized Docker client.
func New(cli *client.Client, cfg *config.Config) *Backend {
	return &Backend{
		cli:     cli,
		cfg:     cfg,
		readyAt: make(map[string]time.Time),
	}
}

// ensureImage makes sure cfg.ContainerImage exists locally, pulling it if
// necessary. Results are cached briefly so a warm-pool refill burst does not
// re-check the local image store for every container it creates.
func (b *Backend) ensureImage(ctx context.Context) error {
	imageRef := b.cfg.ContainerImage

	b.readyMu.Lock()
	if t, ok := b.readyAt[imageRef]; ok && time.Now().Before(t) {
		b.readyMu.Unlock()
		return nil
	}
	b.readyMu.Unlock()

	waitCh := make(chan struct{})
	actual, loaded := b.pullOnce.LoadOrStore(imageRef, waitCh)
	if loaded {
		<-actual.(chan struct{})
		return nil
	}
	defer func() {
		close(waitCh)
		b.pullOnce.Delete(imageRef)
	}()

	if _, _, err := b.cli.ImageInspectWithRaw(ctx, imageRef); err == nil {
		b.readyMu.Lock()
		b.readyAt[imageRef] = time.Now().Add(imageReadyTTL)
		b.readyMu.Unlock()
		return nil
	}

	start := time.Now()
	rc, err := b.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("image pull %s: %w", imageRef, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("image pull %s: %w", imageRef, err)
	}

	metrics.ImageDownloadsTotal.WithLabelValues("success").Inc()
	metrics.ImageDownloadDuration.WithLabelValues().Observe(time.Since(start).Seconds())

	b.readyMu.Lock()
	b.readyAt[imageRef] = time.Now().Add(imageReadyTTL)
	b.readyMu.Unlock()
	return nil
}

func seccompSecurityOpt(path string) string {
	if path == "" {
		return ""
	}
	var errLoad error
	seccompCache.once.Do(func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			errLoad = err
			return
		}
		seccompCache.json = string(raw)
	})
	if errLoad != nil || seccompCache.json == "" {
		return ""
	}
	return "seccomp=" + seccompCache.json
}

func (b *Backend) socketDir(id string) string {
	return filepath.Join(b.cfg.SocketBaseDir, id)
}

// CreateContainer creates and starts a new sandbox container.
// conversationID may be empty for a warm-pool container.
func (b *Backend) CreateContainer(ctx context.Context, conversationID string) (*backend.Sandbox, error) {
	start := time.Now()

	if err := b.ensureImage(ctx); err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("docker", "create", "error").Inc()
		return nil, err
	}

	id := "ws-" + uuid.New().String()[:12]

	socketDir := b.socketDir(id)
	if err := os.MkdirAll(socketDir, 0o777); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Chmod(socketDir, 0o777); err != nil {
		return nil, fmt.Errorf("chmod socket dir: %w", err)
	}

	agentSocket := filepath.Join(socketDir, agentSocketName)
	proxySocket := filepath.Join(socketDir, proxySocketName)

	securityOpt := []string{"no-new-privileges:true"}
	if opt := seccompSecurityOpt(b.cfg.SeccompProfilePath); opt != "" {
		securityOpt = append(securityOpt, opt)
	}
	if b.cfg.ApparmorProfileName != "" {
		securityOpt = append(securityOpt, "apparmor="+b.cfg.ApparmorProfileName)
	}

	envVars := []string{
		"AWS_REGION=" + b.cfg.AWSRegion,
		"ANTHROPIC_BEDROCK_BASE_URL=http://127.0.0.1:8080",
		"HTTP_PROXY=http://127.0.0.1:8080",
		"HTTPS_PROXY=http://127.0.0.1:8080",
		"NO_PROXY=localhost,127.0.0.1",
	}

	containerConfig := &container.Config{
		Image: b.cfg.ContainerImage,
		Env:   envVars,
		User:  "1000:1000",
		Labels: map[string]string{
			"workspace":                 "true",
			"workspace.container_id":    id,
			"workspace.conversation_id": conversationID,
		},
	}

	cpuQuota := int64(b.cfg.ContainerCPULimit * 100000)
	memLimit := int64(b.cfg.ContainerMemoryLimitMB) * 1024 * 1024
	pidsLimit := int64(b.cfg.ContainerPIDsLimit)

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			CPUPeriod:  100000,
			CPUQuota:   cpuQuota,
			Memory:     memLimit,
			MemorySwap: memLimit,
			PidsLimit:  &pidsLimit,
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID", "DAC_OVERRIDE"},
		SecurityOpt:    securityOpt,
		Privileged:     false,
		ReadonlyRootfs: true,
		IpcMode:        "private",
		Tmpfs: map[string]string{
			"/tmp":                 "rw,nosuid,size=512m",
			"/var/tmp":             "rw,noexec,nosuid,size=256m",
			"/run":                 "rw,noexec,nosuid,size=64m",
			"/home/appuser/.cache": "rw,noexec,nosuid,size=512m",
			"/home/appuser":        "rw,noexec,nosuid,size=128m",
			"/workspace":           "rw,nosuid,size=1g",
		},
		Binds: []string{
			socketDir + ":/var/run/ws:rw",
		},
		Runtime: b.cfg.Runtime,
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, &dockernetwork.NetworkingConfig{}, nil, id)
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("docker", "create", "error").Inc()
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("docker", "create", "error").Inc()
		return nil, fmt.Errorf("container start: %w", err)
	}

	state := backend.StateReady
	if conversationID == "" {
		state = backend.StateWarm
	}

	sb := &backend.Sandbox{
		ID:             id,
		BackendType:    "docker",
		ConversationID: conversationID,
		AgentEndpoint:  "unix:" + agentSocket,
		ProxyEndpoint:  "unix:" + proxySocket,
		CreatedAt:      time.Now().UTC(),
		LastActiveAt:   time.Now().UTC(),
		State:          state,
	}

	metrics.ContainersActive.WithLabelValues("docker").Inc()
	metrics.ContainerOperationsTotal.WithLabelValues("docker", "create", "success").Inc()
	metrics.ContainerStartDuration.WithLabelValues("docker").Observe(time.Since(start).Seconds())

	return sb, nil
}

// DestroyContainer stops and removes the container, then cleans up its
// bind-mounted socket directory.
func (b *Backend) DestroyContainer(ctx context.Context, id string, gracePeriod time.Duration) error {
	seconds := int(gracePeriod.Seconds())
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil && !client.IsErrNotFound(err) {
		metrics.ContainerOperationsTotal.WithLabelValues("docker", "destroy", "error").Inc()
	}

	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		metrics.ContainerOperationsTotal.WithLabelValues("docker", "destroy", "error").Inc()
		os.RemoveAll(b.socketDir(id))
		return fmt.Errorf("container remove: %w", err)
	}

	os.RemoveAll(b.socketDir(id))

	metrics.ContainersActive.WithLabelValues("docker").Dec()
	metrics.ContainerOperationsTotal.WithLabelValues("docker", "destroy", "success").Inc()
	return nil
}

// IsHealthy reports whether the container is running and was not OOM
// killed.
func (b *Backend) IsHealthy(ctx context.Context, id string) bool {
	info, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.State.Running && !info.State.OOMKilled
}

// ListWorkspaceContainers returns all containers labeled as sandboxes,
// regardless of running state, for GC and startup reconciliation.
func (b *Backend) ListWorkspaceContainers(ctx context.Context) ([]*backend.Sandbox, error) {
	f := filters.NewArgs(filters.Arg("label", "workspace=true"))
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]*backend.Sandbox, 0, len(containers))
	for _, c := range containers {
		id := c.Labels["workspace.container_id"]
		if id == "" {
			continue
		}
		socketDir := b.socketDir(id)
		state := backend.StateReady
		if c.State != "running" {
			state = backend.StateDestroyed
		}
		result = append(result, &backend.Sandbox{
			ID:             id,
			BackendType:    "docker",
			ConversationID: c.Labels["workspace.conversation_id"],
			AgentEndpoint:  "unix:" + filepath.Join(socketDir, agentSocketName),
			ProxyEndpoint:  "unix:" + filepath.Join(socketDir, proxySocketName),
			CreatedAt:      time.Unix(c.Created, 0).UTC(),
			LastActiveAt:   time.Unix(c.Created, 0).UTC(),
			State:          state,
		})
	}
	return result, nil
}

// WaitForAgentReady polls the sandbox's unix-socket health endpoint until
// it answers or timeout elapses; on timeout the error carries the
// container's log tail.
func (b *Backend) WaitForAgentReady(ctx context.Context, sb *backend.Sandbox, timeout time.Duration) error {
	socketPath := strings.TrimPrefix(sb.AgentEndpoint, "unix:")

	httpClient := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := httpClient.Get("http://sandbox/health")
		if err == nil {
			resp.Body.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	logs, _ := b.GetContainerLogs(ctx, sb.ID, 80)
	return fmt.Errorf("sandbox %s agent not ready after %s: %s", sb.ID, timeout, logs)
}

// ExecInContainer runs cmd inside the container and returns its combined
// stdout/stderr as text.
func (b *Backend) ExecInContainer(ctx context.Context, id string, cmd []string) (int, string, error) {
	code, out, err := b.ExecInContainerBinary(ctx, id, cmd)
	return code, string(out), err
}

// ExecInContainerBinary runs cmd inside the container and returns raw
// combined stdout/stderr bytes, used to read sandbox files back out.
func (b *Backend) ExecInContainerBinary(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := b.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return -1, nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	output, err := demuxDockerStream(attach.Reader)
	if err != nil {
		return -1, nil, fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, output, fmt.Errorf("exec inspect: %w", err)
	}

	return inspect.ExitCode, output, nil
}

// WriteFile streams data into the container at path as a single-entry tar
// archive, after ensuring the parent directory exists.
func (b *Backend) WriteFile(ctx context.Context, id, path string, data []byte) error {
	dir := filepath.Dir(path)
	if code, out, err := b.ExecInContainer(ctx, id, []string{"mkdir", "-p", dir}); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	} else if code != 0 {
		return fmt.Errorf("mkdir %s: exit %d: %s", dir, code, out)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
		Uid:     1000,
		Gid:     1000,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	if err := b.cli.CopyToContainer(ctx, id, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// GetContainerLogs returns the last `tail` lines of the container's logs,
// used for diagnostics when WaitForAgentReady times out.
func (b *Backend) GetContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	output, err := demuxDockerStream(rc)
	if err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	return string(output), nil
}

// demuxDockerStream reads Docker's 8-byte-header multiplexed stdout/stderr
// stream and returns the concatenated payload.
func demuxDockerStream(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(r)
	var out []byte
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return out, err
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return out, err
		}
		out = append(out, payload...)
	}
}
