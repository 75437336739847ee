// Package config provides configuration management for the sandbox
// substrate.
package config

import (
	"flag"
	"fmt"
	"time"
)

// Build-time variables (set via -ldflags).
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config holds the application configuration.
type Config struct {
	Port    int
	APIKey  string
	LogFile string
	MaxLogFileSize int

	// Container backend selection: "docker" or "taskrunner".
	ContainerBackend string
	ContainerImage   string
	CacheDir         string
	Runtime          string
	SocketBaseDir    string // host directory under which per-sandbox socket dirs are bind-mounted

	// Sandbox resource limits (daemon backend).
	ContainerCPULimit     float64
	ContainerMemoryLimitMB int
	ContainerPIDsLimit   int
	SeccompProfilePath   string
	ApparmorProfileName  string

	// Timeout hierarchy: ContainerExecutionTimeout < EventTimeout < LockTTL
	// must hold, or a stuck sandbox could outlive its conversation lock.
	ContainerExecutionTimeout time.Duration
	EventTimeout              time.Duration
	LockTTL                   time.Duration
	LockAcquireTimeout        time.Duration
	LockRetryInterval         time.Duration

	ContainerGracePeriod  time.Duration
	ContainerInactiveTTL  time.Duration
	ContainerAbsoluteTTL  time.Duration
	ContainerGCInterval   time.Duration

	WarmPoolMinSize int
	WarmPoolMaxSize int

	// Proxy configuration.
	ProxyDomainWhitelist string // comma-separated
	DNSCacheTTL          time.Duration

	// AWS / SigV4 configuration.
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	// Redis (shared key/value store).
	RedisURL            string
	RedisMaxConnections int
	RedisSocketTimeout  time.Duration

	// Blob storage.
	S3Bucket         string
	S3WorkspacePrefix string
	S3Endpoint       string

	// Cloud task-runner backend (ECS).
	ECSCluster          string
	ECSTaskDefinition   string
	ECSSubnets          string // comma-separated
	ECSSecurityGroups   string // comma-separated
	ECSLogGroup         string
	ECSAgentPort        int
	ECSCapacityProvider string
	ECSContainerName    string

	ShutdownTimeout time.Duration
}

// Parse parses command-line flags and returns a Config.
func Parse() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 8080, "HTTP façade port")
	flag.StringVar(&cfg.APIKey, "api-key", "", "API key for request authentication (optional, no auth if empty)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (default: stdout)")
	flag.IntVar(&cfg.MaxLogFileSize, "max-log-file-size", 10*1024*1024, "Max log file size in bytes before rotation")

	flag.StringVar(&cfg.ContainerBackend, "container-backend", "docker", "Container backend: docker or taskrunner")
	flag.StringVar(&cfg.ContainerImage, "container-image", "", "Sandbox container image reference")
	flag.StringVar(&cfg.CacheDir, "cache-dir", "./image-cache", "Directory to cache downloaded container images")
	flag.StringVar(&cfg.Runtime, "runtime", "", "Container runtime (e.g. runsc for gVisor)")
	flag.StringVar(&cfg.SocketBaseDir, "socket-base-dir", "/var/run/workspace-sandbox", "Host directory holding per-sandbox bind-mounted socket directories")

	flag.Float64Var(&cfg.ContainerCPULimit, "container-cpu-limit", 1.0, "CPU limit per sandbox (cores)")
	flag.IntVar(&cfg.ContainerMemoryLimitMB, "container-memory-limit-mb", 1024, "Memory limit per sandbox (MB)")
	flag.IntVar(&cfg.ContainerPIDsLimit, "container-pids-limit", 256, "Process count limit per sandbox")
	flag.StringVar(&cfg.SeccompProfilePath, "seccomp-profile-path", "", "Path to the seccomp profile for sandbox containers")
	flag.StringVar(&cfg.ApparmorProfileName, "apparmor-profile-name", "", "AppArmor profile name for sandbox containers")

	flag.DurationVar(&cfg.ContainerExecutionTimeout, "container-execution-timeout", 5*time.Minute, "Max time a single execute call may run")
	flag.DurationVar(&cfg.EventTimeout, "event-timeout", 8*time.Minute, "Max silence from the agent before the stream is considered stuck")
	flag.DurationVar(&cfg.LockTTL, "lock-ttl", 10*time.Minute, "Distributed lock TTL")
	flag.DurationVar(&cfg.LockAcquireTimeout, "lock-acquire-timeout", 5*time.Second, "Max time to wait to acquire the conversation lock")
	flag.DurationVar(&cfg.LockRetryInterval, "lock-retry-interval", 100*time.Millisecond, "Delay between lock acquisition retries")

	flag.DurationVar(&cfg.ContainerGracePeriod, "container-grace-period", 30*time.Second, "Grace period before force-killing a sandbox")
	flag.DurationVar(&cfg.ContainerInactiveTTL, "container-inactive-ttl", 30*time.Minute, "Idle time before GC reaps a sandbox")
	flag.DurationVar(&cfg.ContainerAbsoluteTTL, "container-absolute-ttl", 4*time.Hour, "Absolute lifetime before GC reaps a sandbox")
	flag.DurationVar(&cfg.ContainerGCInterval, "container-gc-interval", time.Minute, "Garbage collector loop period")

	flag.IntVar(&cfg.WarmPoolMinSize, "warm-pool-min-size", 2, "Minimum warm pool size")
	flag.IntVar(&cfg.WarmPoolMaxSize, "warm-pool-max-size", 10, "Maximum warm pool size")

	flag.StringVar(&cfg.ProxyDomainWhitelist, "proxy-domain-whitelist", "", "Comma-separated list of domains sandboxes may reach")
	flag.DurationVar(&cfg.DNSCacheTTL, "dns-cache-ttl", 5*time.Minute, "DNS cache TTL for the egress proxy")

	flag.StringVar(&cfg.AWSRegion, "aws-region", "us-west-2", "AWS region for SigV4 signing")
	flag.StringVar(&cfg.AWSAccessKeyID, "aws-access-key-id", "", "AWS access key id used to sign bedrock-runtime requests")
	flag.StringVar(&cfg.AWSSecretAccessKey, "aws-secret-access-key", "", "AWS secret access key used to sign bedrock-runtime requests")
	flag.StringVar(&cfg.AWSSessionToken, "aws-session-token", "", "Optional AWS session token")

	flag.StringVar(&cfg.RedisURL, "redis-url", "redis://localhost:6379/0", "Shared key/value store URL")
	flag.IntVar(&cfg.RedisMaxConnections, "redis-max-connections", 50, "Redis connection pool size")
	flag.DurationVar(&cfg.RedisSocketTimeout, "redis-socket-timeout", 5*time.Second, "Redis socket timeout")

	flag.StringVar(&cfg.S3Bucket, "s3-bucket", "", "Blob storage bucket for workspace files")
	flag.StringVar(&cfg.S3WorkspacePrefix, "s3-workspace-prefix", "workspaces", "Blob storage key prefix for workspace files")
	flag.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "Optional custom S3-compatible endpoint")

	flag.StringVar(&cfg.ECSCluster, "ecs-cluster", "", "ECS cluster name (taskrunner backend)")
	flag.StringVar(&cfg.ECSTaskDefinition, "ecs-task-definition", "", "ECS task definition (taskrunner backend)")
	flag.StringVar(&cfg.ECSSubnets, "ecs-subnets", "", "Comma-separated ECS subnets (taskrunner backend)")
	flag.StringVar(&cfg.ECSSecurityGroups, "ecs-security-groups", "", "Comma-separated ECS security groups (taskrunner backend)")
	flag.StringVar(&cfg.ECSLogGroup, "ecs-log-group", "", "CloudWatch Logs group for taskrunner backend containers")
	flag.IntVar(&cfg.ECSAgentPort, "ecs-agent-port", 9000, "HTTP port the sandbox agent listens on inside an ECS task")
	flag.StringVar(&cfg.ECSCapacityProvider, "ecs-capacity-provider", "", "Optional ECS capacity provider strategy")
	flag.StringVar(&cfg.ECSContainerName, "ecs-container-name", "workspace-agent", "Container name within the ECS task definition")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Bounded wait for background tasks during graceful shutdown")

	flag.Parse()

	return cfg
}

// Validate enforces invariants that must hold before the process serves any
// traffic. A timeout hierarchy violation is a startup-time refusal, not a
// runtime warning.
func (c *Config) Validate() error {
	if !(c.ContainerExecutionTimeout < c.EventTimeout && c.EventTimeout < c.LockTTL) {
		return fmt.Errorf(
			"invalid timeout hierarchy: container_execution_timeout(%s) < event_timeout(%s) < lock_ttl(%s) must hold",
			c.ContainerExecutionTimeout, c.EventTimeout, c.LockTTL,
		)
	}
	if c.WarmPoolMinSize < 0 || c.WarmPoolMaxSize < c.WarmPoolMinSize {
		return fmt.Errorf("invalid warm pool bounds: min=%d max=%d", c.WarmPoolMinSize, c.WarmPoolMaxSize)
	}
	if c.ContainerBackend != "docker" && c.ContainerBackend != "taskrunner" {
		return fmt.Errorf("unknown container backend %q (want docker or taskrunner)", c.ContainerBackend)
	}
	return nil
}
