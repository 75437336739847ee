// Package lock implements the distributed per-conversation lock that
// serializes sandbox access across replicas: a Redis SET NX PX acquire
// with a random fencing token, released or extended only by whoever holds
// that token via a Lua compare-and-act script.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// ErrAcquireTimeout is returned when a lock could not be acquired within
// the caller's acquire timeout.
var ErrAcquireTimeout = errors.New("lock: acquire timed out")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Manager issues and releases distributed locks keyed by resource ID
// (typically a conversation ID).
type Manager struct {
	rdb           *redis.Client
	retryInterval time.Duration
}

// New creates a Manager. retryInterval is the delay between acquire
// polling attempts.
func New(rdb *redis.Client, retryInterval time.Duration) *Manager {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &Manager{rdb: rdb, retryInterval: retryInterval}
}

// Handle is a held lock: its token proves ownership to Release/Extend.
type Handle struct {
	resourceID string
	token      string
}

// Acquire blocks, retrying at the manager's retry interval, until the lock
// is obtained or acquireTimeout elapses. ttl bounds how long the lock is
// held before it expires on its own, guarding against a holder that dies
// without releasing.
func (m *Manager) Acquire(ctx context.Context, resourceID string, ttl, acquireTimeout time.Duration) (*Handle, error) {
	token := uuid.New().String()
	key := lockPrefix + resourceID

	deadline := time.Now().Add(acquireTimeout)
	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			return &Handle{resourceID: resourceID, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: resource=%s after %s", ErrAcquireTimeout, resourceID, acquireTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Release drops the lock if this handle's token still owns it. It is a
// no-op (not an error) if the lock already expired or was stolen.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	key := lockPrefix + h.resourceID
	_, err := releaseScript.Run(ctx, m.rdb, []string{key}, h.token).Result()
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// Extend resets the lock's remaining TTL to additionalTTL from now if this
// handle's token still owns it. Returns false if the lock was lost (expired or
// stolen) in the meantime.
func (m *Manager) Extend(ctx context.Context, h *Handle, additionalTTL time.Duration) (bool, error) {
	key := lockPrefix + h.resourceID
	res, err := extendScript.Run(ctx, m.rdb, []string{key}, h.token, additionalTTL.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("lock extend: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// IsLocked reports whether resourceID is currently held by anyone.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, lockPrefix+resourceID).Result()
	if err != nil {
		return false, fmt.Errorf("lock is_locked: %w", err)
	}
	return n > 0, nil
}

// WithLock acquires the lock, runs fn, and releases the lock afterward
// regardless of fn's outcome.
func (m *Manager) WithLock(ctx context.Context, resourceID string, ttl, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, resourceID, ttl, acquireTimeout)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), h)
	return fn(ctx)
}
