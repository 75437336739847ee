// Package taskrunner implements the cloud task-runner ContainerBackend: one
// sandbox per ECS task, with the agent and egress proxy running as sidecar
// containers in the same task and reached over HTTP instead of a bind
// mount. It is the backend for deployments that run on Fargate instead of
// a single Docker daemon.
package taskrunner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
)

const (
	taskIPPollInterval = 2 * time.Second
	taskIPPollTimeout  = 120 * time.Second
	ecsTaskTTL         = 8 * time.Hour
)

// Backend implements backend.ContainerBackend against AWS ECS. It does not
// hold an in-process container registry either: a sandbox's task ARN is
// looked up from Redis by ID, mirroring the daemon backend's
// filesystem-derived socket path lookup.
type Backend struct {
	ecsClient  *ecs.Client
	logsClient *cloudwatchlogs.Client
	redis      *redis.Client
	cfg        *config.Config
	httpClient *http.Client
}

// New creates a Backend bound to already-initialized ECS/CloudWatch Logs
// clients and the shared Redis connection.
func New(ecsClient *ecs.Client, logsClient *cloudwatchlogs.Client, rdb *redis.Client, cfg *config.Config) *Backend {
	return &Backend{
		ecsClient:  ecsClient,
		logsClient: logsClient,
		redis:      rdb,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (b *Backend) taskFamily() string {
	td := b.cfg.ECSTaskDefinition
	parts := strings.Split(td, "/")
	last := parts[len(parts)-1]
	return strings.SplitN(last, ":", 2)[0]
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// CreateContainer launches a new ECS task and waits for its ENI to be
// assigned a private IP before returning.
func (b *Backend) CreateContainer(ctx context.Context, conversationID string) (*backend.Sandbox, error) {
	start := time.Now()
	id := "ws-" + uuid.New().String()[:12]

	input := &ecs.RunTaskInput{
		Cluster:        aws.String(b.cfg.ECSCluster),
		TaskDefinition: aws.String(b.cfg.ECSTaskDefinition),
		Count:          aws.Int32(1),
		StartedBy:      aws.String("sandboxd/" + id),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        splitCSV(b.cfg.ECSSubnets),
				SecurityGroups: splitCSV(b.cfg.ECSSecurityGroups),
				AssignPublicIp: ecstypes.AssignPublicIpDisabled,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{
				{
					Name: aws.String(b.cfg.ECSContainerName),
					Environment: []ecstypes.KeyValuePair{
						{Name: aws.String("AGENT_LISTEN_MODE"), Value: aws.String("http")},
						{Name: aws.String("AGENT_HTTP_PORT"), Value: aws.String(strconv.Itoa(b.cfg.ECSAgentPort))},
					},
				},
			},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("workspace"), Value: aws.String("true")},
			{Key: aws.String("workspace.container_id"), Value: aws.String(id)},
			{Key: aws.String("workspace.conversation_id"), Value: aws.String(conversationID)},
		},
	}
	if b.cfg.ECSCapacityProvider != "" {
		input.CapacityProviderStrategy = []ecstypes.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String(b.cfg.ECSCapacityProvider), Weight: 1},
		}
	}

	resp, err := b.ecsClient.RunTask(ctx, input)
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "error").Inc()
		return nil, fmt.Errorf("ecs run task: %w", err)
	}
	if len(resp.Failures) > 0 {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "error").Inc()
		return nil, fmt.Errorf("ecs run task failures: %+v", resp.Failures)
	}
	if len(resp.Tasks) == 0 {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "error").Inc()
		return nil, fmt.Errorf("ecs run task returned no tasks")
	}

	taskARN := aws.ToString(resp.Tasks[0].TaskArn)

	taskIP, err := b.waitForTaskIP(ctx, taskARN)
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "error").Inc()
		return nil, err
	}

	if err := b.redis.Set(ctx, backend.RedisKeyECSTask+":"+id, taskARN, ecsTaskTTL).Err(); err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "error").Inc()
		return nil, fmt.Errorf("record ecs task mapping: %w", err)
	}

	state := backend.StateReady
	if conversationID == "" {
		state = backend.StateWarm
	}

	sb := &backend.Sandbox{
		ID:             id,
		BackendType:    "taskrunner",
		ConversationID: conversationID,
		AgentEndpoint:  fmt.Sprintf("http://%s:%d", taskIP, b.cfg.ECSAgentPort),
		ProxyEndpoint:  "", // the proxy runs as a sidecar container in the same task
		CreatedAt:      time.Now().UTC(),
		LastActiveAt:   time.Now().UTC(),
		State:          state,
		TaskARN:        taskARN,
		TaskIP:         taskIP,
	}

	metrics.ContainersActive.WithLabelValues("taskrunner").Inc()
	metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "create", "success").Inc()
	metrics.ContainerStartDuration.WithLabelValues("taskrunner").Observe(time.Since(start).Seconds())

	return sb, nil
}

func (b *Backend) waitForTaskIP(ctx context.Context, taskARN string) (string, error) {
	deadline := time.Now().Add(taskIPPollTimeout)
	for time.Now().Before(deadline) {
		ip, status, err := b.describeTaskIPAndStatus(ctx, taskARN)
		if err != nil {
			return "", err
		}
		if ip != "" {
			return ip, nil
		}
		if status == string(ecstypes.DesiredStatusStopped) {
			return "", fmt.Errorf("ecs task %s stopped before IP assignment", taskARN)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(taskIPPollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for ecs task IP: %s", taskARN)
}

func (b *Backend) describeTaskIPAndStatus(ctx context.Context, taskARN string) (ip, lastStatus string, err error) {
	resp, err := b.ecsClient.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(b.cfg.ECSCluster),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return "", "", fmt.Errorf("ecs describe tasks: %w", err)
	}
	if len(resp.Tasks) == 0 {
		return "", "", nil
	}
	task := resp.Tasks[0]
	lastStatus = aws.ToString(task.LastStatus)

	for _, att := range task.Attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, d := range att.Details {
			if aws.ToString(d.Name) == "privateIPv4Address" {
				return aws.ToString(d.Value), lastStatus, nil
			}
		}
	}
	return "", lastStatus, nil
}

func (b *Backend) resolveTaskARN(ctx context.Context, id string) (string, error) {
	arn, err := b.redis.Get(ctx, backend.RedisKeyECSTask+":"+id).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve task arn: %w", err)
	}
	return arn, nil
}

// DestroyContainer stops the ECS task backing the sandbox. gracePeriod is
// accepted for interface symmetry with the daemon backend; ECS StopTask has
// no grace-period parameter of its own.
func (b *Backend) DestroyContainer(ctx context.Context, id string, gracePeriod time.Duration) error {
	taskARN, err := b.resolveTaskARN(ctx, id)
	if err != nil {
		return err
	}
	if taskARN == "" {
		return nil
	}

	_, err = b.ecsClient.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(b.cfg.ECSCluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String("sandbox " + id + " destroyed"),
	})
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "destroy", "error").Inc()
		return fmt.Errorf("ecs stop task: %w", err)
	}

	b.redis.Del(ctx, backend.RedisKeyECSTask+":"+id)

	metrics.ContainersActive.WithLabelValues("taskrunner").Dec()
	metrics.ContainerOperationsTotal.WithLabelValues("taskrunner", "destroy", "success").Inc()
	return nil
}

// IsHealthy reports whether the ECS task is in the RUNNING state.
func (b *Backend) IsHealthy(ctx context.Context, id string) bool {
	taskARN, err := b.resolveTaskARN(ctx, id)
	if err != nil || taskARN == "" {
		return false
	}
	_, status, err := b.describeTaskIPAndStatus(ctx, taskARN)
	if err != nil {
		return false
	}
	return status == string(ecstypes.DesiredStatusRunning)
}

// ListWorkspaceContainers lists every RUNNING task belonging to the
// configured task-definition family, across the configured cluster.
func (b *Backend) ListWorkspaceContainers(ctx context.Context) ([]*backend.Sandbox, error) {
	family := b.taskFamily()

	var taskARNs []string
	var nextToken *string
	for {
		resp, err := b.ecsClient.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:       aws.String(b.cfg.ECSCluster),
			Family:        aws.String(family),
			DesiredStatus: ecstypes.DesiredStatusRunning,
			NextToken:     nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("ecs list tasks: %w", err)
		}
		taskARNs = append(taskARNs, resp.TaskArns...)
		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}

	if len(taskARNs) == 0 {
		return nil, nil
	}

	var result []*backend.Sandbox
	for i := 0; i < len(taskARNs); i += 100 {
		end := i + 100
		if end > len(taskARNs) {
			end = len(taskARNs)
		}
		resp, err := b.ecsClient.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(b.cfg.ECSCluster),
			Tasks:   taskARNs[i:end],
		})
		if err != nil {
			return nil, fmt.Errorf("ecs describe tasks: %w", err)
		}
		for _, task := range resp.Tasks {
			tags := map[string]string{}
			for _, t := range task.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			id := tags["workspace.container_id"]
			if id == "" {
				continue
			}
			var taskIP string
			for _, att := range task.Attachments {
				if aws.ToString(att.Type) != "ElasticNetworkInterface" {
					continue
				}
				for _, d := range att.Details {
					if aws.ToString(d.Name) == "privateIPv4Address" {
						taskIP = aws.ToString(d.Value)
					}
				}
			}
			createdAt := time.Now().UTC()
			if task.CreatedAt != nil {
				createdAt = *task.CreatedAt
			}
			result = append(result, &backend.Sandbox{
				ID:             id,
				BackendType:    "taskrunner",
				ConversationID: tags["workspace.conversation_id"],
				AgentEndpoint:  fmt.Sprintf("http://%s:%d", taskIP, b.cfg.ECSAgentPort),
				CreatedAt:      createdAt,
				LastActiveAt:   createdAt,
				State:          backend.StateReady,
				TaskARN:        aws.ToString(task.TaskArn),
				TaskIP:         taskIP,
			})
		}
	}
	return result, nil
}

// WaitForAgentReady polls the sandbox's HTTP /health endpoint, checking the
// underlying task's ECS status periodically so it can fail fast if the task
// stopped instead of waiting out the full timeout.
func (b *Backend) WaitForAgentReady(ctx context.Context, sb *backend.Sandbox, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	poll := 0

	for time.Now().Before(deadline) {
		if sb.TaskARN != "" && poll > 0 && poll%5 == 0 {
			_, status, err := b.describeTaskIPAndStatus(ctx, sb.TaskARN)
			if err == nil && (status == "STOPPED" || status == "DEPROVISIONING") {
				logs, _ := b.GetContainerLogs(ctx, sb.ID, 80)
				return fmt.Errorf("ecs task %s stopped early (status=%s): %s", sb.TaskARN, status, logs)
			}
		}

		resp, err := client.Get(sb.AgentEndpoint + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		poll++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	logs, _ := b.GetContainerLogs(ctx, sb.ID, 80)
	return fmt.Errorf("sandbox %s agent not ready after %s: %s", sb.ID, timeout, logs)
}

// agentURL resolves a sandbox's agent HTTP URL from the binding hash
// recorded under its conversation, falling back to an ECS task IP lookup
// for sandboxes with no active conversation binding (e.g. mid-destroy).
func (b *Backend) agentURL(ctx context.Context, id string) (string, error) {
	conversationID, err := b.redis.Get(ctx, backend.RedisKeyContainerReverse+":"+id).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("resolve conversation binding: %w", err)
	}
	if conversationID != "" {
		data, err := b.redis.HGetAll(ctx, backend.RedisKeyContainer+":"+conversationID).Result()
		if err == nil && data["agent_endpoint"] != "" {
			return data["agent_endpoint"], nil
		}
	}

	taskARN, err := b.resolveTaskARN(ctx, id)
	if err != nil || taskARN == "" {
		return "", fmt.Errorf("no agent endpoint known for sandbox %s", id)
	}
	ip, _, err := b.describeTaskIPAndStatus(ctx, taskARN)
	if err != nil || ip == "" {
		return "", fmt.Errorf("no agent endpoint known for sandbox %s", id)
	}
	return fmt.Sprintf("http://%s:%d", ip, b.cfg.ECSAgentPort), nil
}

type execRequest struct {
	Cmd     []string `json:"cmd"`
	Timeout int      `json:"timeout"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// ExecInContainer runs cmd inside the sandbox's agent sidecar over its
// HTTP /exec endpoint.
func (b *Backend) ExecInContainer(ctx context.Context, id string, cmd []string) (int, string, error) {
	url, err := b.agentURL(ctx, id)
	if err != nil {
		return -1, "", err
	}

	body, _ := json.Marshal(execRequest{Cmd: cmd, Timeout: 60})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/exec", bytes.NewReader(body))
	if err != nil {
		return -1, "", fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return -1, "", fmt.Errorf("exec request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return -1, "", fmt.Errorf("exec returned %d: %s", resp.StatusCode, string(data))
	}

	var out execResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return -1, "", fmt.Errorf("decode exec response: %w", err)
	}
	return out.ExitCode, out.Output, nil
}

// ExecInContainerBinary is like ExecInContainer but hits the agent's
// /exec/binary endpoint, which echoes the exit code in a response header
// and returns raw bytes as the body.
func (b *Backend) ExecInContainerBinary(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	url, err := b.agentURL(ctx, id)
	if err != nil {
		return -1, nil, err
	}

	body, _ := json.Marshal(execRequest{Cmd: cmd, Timeout: 60})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/exec/binary", bytes.NewReader(body))
	if err != nil {
		return -1, nil, fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return -1, nil, fmt.Errorf("exec request: %w", err)
	}
	defer resp.Body.Close()

	exitCode, _ := strconv.Atoi(resp.Header.Get("X-Exit-Code"))
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return -1, nil, fmt.Errorf("read exec response: %w", err)
	}
	return exitCode, data, nil
}

type writeFileRequest struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// WriteFile streams data into the sandbox through the agent sidecar's
// /files/write endpoint.
func (b *Backend) WriteFile(ctx context.Context, id, path string, data []byte) error {
	url, err := b.agentURL(ctx, id)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(writeFileRequest{
		Path:       path,
		ContentB64: base64.StdEncoding.EncodeToString(data),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/files/write", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("write file request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write file returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// GetContainerLogs pulls the tail of the sandbox's CloudWatch Logs stream.
// The log group is the configured ECSLogGroup, or "/ecs/{family}" when
// that is empty; the stream follows the ECS awslogs driver convention
// "ecs/{container}/{taskID}".
func (b *Backend) GetContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	taskARN, err := b.resolveTaskARN(ctx, id)
	if err != nil {
		return "", err
	}
	if taskARN == "" {
		return "<task not found>", nil
	}

	taskID := taskARN
	if idx := strings.LastIndex(taskARN, "/"); idx >= 0 {
		taskID = taskARN[idx+1:]
	}

	logGroup := b.cfg.ECSLogGroup
	if logGroup == "" {
		logGroup = "/ecs/" + b.taskFamily()
	}
	logStream := fmt.Sprintf("ecs/%s/%s", b.cfg.ECSContainerName, taskID)

	resp, err := b.logsClient.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(logStream),
		Limit:         aws.Int32(int32(tail)),
		StartFromHead: aws.Bool(false),
	})
	if err != nil {
		return fmt.Sprintf("<log capture failed: %s>", err), nil
	}

	lines := make([]string, 0, len(resp.Events))
	for _, e := range resp.Events {
		lines = append(lines, aws.ToString(e.Message))
	}
	if len(lines) == 0 {
		return "<empty>", nil
	}
	return strings.Join(lines, "\n"), nil
}
