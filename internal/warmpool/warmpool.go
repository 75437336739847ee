// Package warmpool maintains a pool of pre-started, unassigned sandboxes
// so a new conversation can acquire one without paying container-creation
// latency. The pool lives in Redis: a FIFO list of sandbox IDs plus a
// per-ID info hash carrying its own TTL, so a crashed backend process
// loses no bookkeeping a restart can't recover from the list contents
// alone.
package warmpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/metrics"
	"github.com/terusibata/workspace-sandbox/internal/tasks"
)

const warmPoolInfoTTL = 30 * time.Minute

// Pool manages the warm sandbox pool for one container backend.
type Pool struct {
	rdb     *redis.Client
	backend backend.ContainerBackend
	tracker *tasks.Tracker
	minSize int
	maxSize int
}

// New creates a Pool bounded to [minSize, maxSize] sandboxes. Background
// refills run under tracker so shutdown can wait for them; a nil tracker
// makes refills untracked.
func New(rdb *redis.Client, be backend.ContainerBackend, tracker *tasks.Tracker, minSize, maxSize int) *Pool {
	return &Pool{rdb: rdb, backend: be, tracker: tracker, minSize: minSize, maxSize: maxSize}
}

// Acquire pops a sandbox off the warm pool, skipping and discarding any
// that fail a health check, and falls back to creating one cold if the
// pool is empty. It always kicks off an asynchronous Refill afterward so
// the pool recovers for the next caller.
func (p *Pool) Acquire(ctx context.Context) (*backend.Sandbox, error) {
	defer p.refillAsync()

	for {
		id, err := p.rdb.LPop(ctx, backend.RedisKeyWarmPool).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("warm pool lpop: %w", err)
		}

		infoKey := backend.RedisKeyWarmPoolInfo + ":" + id
		if !p.backend.IsHealthy(ctx, id) {
			slog.Warn("warm pool: discarding unhealthy sandbox", "sandbox", id)
			p.rdb.Del(ctx, infoKey)
			_ = p.backend.DestroyContainer(ctx, id, 0)
			continue
		}

		info, err := p.rdb.HGetAll(ctx, infoKey).Result()
		p.rdb.Del(ctx, infoKey)
		metrics.WarmPoolSize.WithLabelValues().Set(float64(p.Size(ctx)))

		if err != nil || len(info) == 0 {
			// The info hash expired out from under the list entry. The
			// container itself is healthy but its endpoints are unknown,
			// so it is unusable; destroy it and keep popping.
			slog.Warn("warm pool: missing info for pooled sandbox, discarding", "sandbox", id, "error", err)
			_ = p.backend.DestroyContainer(ctx, id, 0)
			continue
		}

		sb := backend.FromHash(info)
		sb.State = backend.StateWarm
		return sb, nil
	}

	slog.Info("warm pool: empty, creating sandbox cold")
	metrics.WarmPoolRefillsTotal.WithLabelValues("cold_create").Inc()
	return p.backend.CreateContainer(ctx, "")
}

// Size reports the current number of sandboxes sitting in the pool.
func (p *Pool) Size(ctx context.Context) int {
	n, err := p.rdb.LLen(ctx, backend.RedisKeyWarmPool).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// refillAsync fires Refill in the background, best-effort; Acquire must
// not block its caller on pool replenishment.
func (p *Pool) refillAsync() {
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
		defer cancel()
		if err := p.Refill(ctx); err != nil {
			slog.Error("warm pool: refill failed", "error", err)
		}
	}
	if p.tracker != nil {
		p.tracker.Go("warmpool-refill", run)
		return
	}
	go run(context.Background())
}

// Refill creates enough sandboxes to bring the pool back up to minSize,
// bounded so the pool never exceeds maxSize.
func (p *Pool) Refill(ctx context.Context) error {
	current := p.Size(ctx)
	needed := p.minSize - current
	if needed <= 0 {
		return nil
	}
	if current+needed > p.maxSize {
		needed = p.maxSize - current
	}
	if needed <= 0 {
		return nil
	}

	for i := 0; i < needed; i++ {
		if err := p.createWithRetry(ctx); err != nil {
			slog.Error("warm pool: create failed during refill", "error", err)
			metrics.WarmPoolRefillsTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.WarmPoolRefillsTotal.WithLabelValues("success").Inc()
	}

	metrics.WarmPoolSize.WithLabelValues().Set(float64(p.Size(ctx)))
	return nil
}

// createWithRetry wraps createAndAdd with bounded exponential backoff so a
// transient backend failure does not burn the whole refill pass.
func (p *Pool) createWithRetry(ctx context.Context) error {
	backoff := time.Second
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = p.createAndAdd(ctx); err == nil {
			return nil
		}
		slog.Warn("warm pool: create attempt failed", "attempt", attempt+1, "error", err)
	}
	return err
}

func (p *Pool) createAndAdd(ctx context.Context) error {
	if p.Size(ctx) >= p.maxSize {
		return nil
	}

	sb, err := p.backend.CreateContainer(ctx, "")
	if err != nil {
		return fmt.Errorf("create warm sandbox: %w", err)
	}

	infoKey := backend.RedisKeyWarmPoolInfo + ":" + sb.ID
	if err := p.rdb.HSet(ctx, infoKey, sb.ToHash()).Err(); err != nil {
		return fmt.Errorf("record warm sandbox info: %w", err)
	}
	p.rdb.Expire(ctx, infoKey, warmPoolInfoTTL)

	if err := p.rdb.RPush(ctx, backend.RedisKeyWarmPool, sb.ID).Err(); err != nil {
		return fmt.Errorf("push warm sandbox: %w", err)
	}
	return nil
}

// Drain empties the pool, destroying every sandbox in it. Used during
// graceful shutdown.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		id, err := p.rdb.LPop(ctx, backend.RedisKeyWarmPool).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("warm pool drain lpop: %w", err)
		}

		infoKey := backend.RedisKeyWarmPoolInfo + ":" + id
		p.rdb.Del(ctx, infoKey)
		if err := p.backend.DestroyContainer(ctx, id, 0); err != nil {
			slog.Error("warm pool: destroy during drain failed", "sandbox", id, "error", err)
		}
	}
}
