// Sandboxd binds conversations to isolated sandbox containers and streams
// agent executions to callers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/allowlist"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	dockerbackend "github.com/terusibata/workspace-sandbox/internal/backend/docker"
	"github.com/terusibata/workspace-sandbox/internal/backend/taskrunner"
	"github.com/terusibata/workspace-sandbox/internal/config"
	"github.com/terusibata/workspace-sandbox/internal/dnscache"
	"github.com/terusibata/workspace-sandbox/internal/events"
	"github.com/terusibata/workspace-sandbox/internal/facade"
	"github.com/terusibata/workspace-sandbox/internal/filesync"
	"github.com/terusibata/workspace-sandbox/internal/gc"
	"github.com/terusibata/workspace-sandbox/internal/lock"
	"github.com/terusibata/workspace-sandbox/internal/logging"
	"github.com/terusibata/workspace-sandbox/internal/orchestrator"
	"github.com/terusibata/workspace-sandbox/internal/signer"
	"github.com/terusibata/workspace-sandbox/internal/startup"
	"github.com/terusibata/workspace-sandbox/internal/tasks"
	"github.com/terusibata/workspace-sandbox/internal/warmpool"
)

func main() {
	cfg := config.Parse()

	// Initialize logging
	cleanupLog := logging.Setup(logging.Config{
		LogFile:        cfg.LogFile,
		MaxLogFileSize: cfg.MaxLogFileSize,
	})
	defer cleanupLog()

	fmt.Println("")
	slog.Info("sandboxd starting",
		"version", config.Version,
		"commit", config.GitCommit,
		"built", config.BuildTime,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	fmt.Println("")

	ctx := context.Background()

	// =========================================================================
	// Shared Store
	// =========================================================================

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid redis URL", "error", err)
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.RedisMaxConnections
	redisOpts.ReadTimeout = cfg.RedisSocketTimeout
	redisOpts.WriteTimeout = cfg.RedisSocketTimeout
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Redis unreachable", "url", cfg.RedisURL, "error", err)
		os.Exit(1)
	}

	tracker := tasks.New(ctx)

	// =========================================================================
	// Startup Checks & Backend Selection
	// =========================================================================

	checker := startup.NewChecker()

	var be backend.ContainerBackend
	switch cfg.ContainerBackend {
	case "docker":
		if err := checker.CheckDocker(ctx); err != nil {
			os.Exit(1)
		}
		be = dockerbackend.New(checker.DockerClient(), cfg)

	case "taskrunner":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("Failed to load AWS configuration", "error", err)
			os.Exit(1)
		}
		be = taskrunner.New(ecs.NewFromConfig(awsCfg), cloudwatchlogs.NewFromConfig(awsCfg), rdb, cfg)
	}

	// =========================================================================
	// Initialize Services
	// =========================================================================

	pool := warmpool.New(rdb, be, tracker, cfg.WarmPoolMinSize, cfg.WarmPoolMaxSize)
	locks := lock.New(rdb, cfg.LockRetryInterval)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Error("Failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	s3Opts := []func(*s3.Options){}
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		})
	}
	blob := filesync.NewS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.S3Bucket)
	files := filesync.New(blob, be, rdb, cfg.S3WorkspacePrefix)

	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Redis:     rdb,
		Backend:   be,
		Pool:      pool,
		Locks:     locks,
		Files:     files,
		Allowlist: allowlist.New(strings.Split(cfg.ProxyDomainWhitelist, ",")),
		DNSCache:  dnscache.New(cfg.DNSCacheTTL),
		Signer:    signer.New("bedrock"),
		Creds: signer.Credentials{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
			Region:          cfg.AWSRegion,
		},
		Tracker: tracker,
		UsageHook: func(conversationID, tenantID string, u events.Usage) {
			slog.Info("usage recorded",
				"conversation", conversationID,
				"tenant", tenantID,
				"input_tokens", u.InputTokens,
				"output_tokens", u.OutputTokens,
			)
		},
	})

	// Reconcile sandboxes left behind by a previous incarnation against the
	// shared store before taking traffic.
	if _, err := checker.ReconcileSandboxes(ctx, be, orch.Bindings(), rdb); err != nil {
		slog.Warn("Sandbox reconciliation incomplete", "error", err)
	}

	checker.PrintSummary()
	fmt.Println("")

	// Background loops: garbage collection and the initial warm pool fill.
	collector := gc.New(cfg, be, orch.Bindings(), orch.StopProxy)
	tracker.Go("gc", collector.Run)
	tracker.Go("warmpool-initial-fill", func(ctx context.Context) {
		if err := pool.Refill(ctx); err != nil {
			slog.Error("Initial warm pool fill failed", "error", err)
		}
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: facade.New(cfg, orch, files).Handler(),
	}

	// =========================================================================
	// Graceful Shutdown
	// =========================================================================

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("")
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown incomplete", "error", err)
		}

		if !tracker.Shutdown(cfg.ShutdownTimeout) {
			slog.Warn("Background tasks did not finish before the deadline")
		}

		// Bound sandboxes stay alive for reconciliation on restart; only
		// the warm pool is ours alone to drain.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer drainCancel()
		if err := pool.Drain(drainCtx); err != nil {
			slog.Warn("Warm pool drain incomplete", "error", err)
		}

		os.Exit(0)
	}()

	// =========================================================================
	// Print Configuration & Start Server
	// =========================================================================

	apiKeyStatus := "disabled"
	if cfg.APIKey != "" {
		apiKeyStatus = "enabled"
	}

	slog.Info("Configuration",
		"port", cfg.Port,
		"backend", cfg.ContainerBackend,
		"image", cfg.ContainerImage,
		"api_key", apiKeyStatus,
		"warm_pool", fmt.Sprintf("%d-%d", cfg.WarmPoolMinSize, cfg.WarmPoolMaxSize),
		"execution_timeout", cfg.ContainerExecutionTimeout,
		"event_timeout", cfg.EventTimeout,
		"lock_ttl", cfg.LockTTL,
		"gc_interval", cfg.ContainerGCInterval,
		"allowlist", cfg.ProxyDomainWhitelist,
	)

	fmt.Println("")
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /health                            - Health check")
	fmt.Println("  GET    /version                           - Version info")
	fmt.Println("  GET    /metrics                           - Prometheus metrics")
	fmt.Println("  POST   /v1/conversations/{id}/execute     - Stream an agent execution")
	fmt.Println("  GET    /v1/conversations/{id}/files       - List workspace files")
	fmt.Println("  DELETE /v1/conversations/{id}             - Destroy the conversation's sandbox")
	fmt.Println("")

	slog.Info("HTTP server listening", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	// Shutdown path exits via the signal goroutine; give it a moment.
	time.Sleep(cfg.ShutdownTimeout + time.Second)
}
