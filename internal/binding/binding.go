// Package binding persists the conversation↔sandbox association in the
// shared store as a mirrored pair of keys: a forward hash keyed by
// conversation and a reverse pointer keyed by sandbox. The pair is written,
// refreshed, and deleted together so neither half is ever observable
// without the other.
package binding

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
)

// Store reads and writes conversation bindings.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Store whose bindings expire after ttl unless refreshed.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func forwardKey(conversationID string) string {
	return backend.RedisKeyContainer + ":" + conversationID
}

func reverseKey(sandboxID string) string {
	return backend.RedisKeyContainerReverse + ":" + sandboxID
}

// Put writes both halves of the binding atomically with the store's TTL.
func (s *Store) Put(ctx context.Context, sb *backend.Sandbox) error {
	if sb.ConversationID == "" {
		return fmt.Errorf("binding put: sandbox %s has no conversation", sb.ID)
	}

	pipe := s.rdb.TxPipeline()
	fwd := forwardKey(sb.ConversationID)
	pipe.Del(ctx, fwd)
	pipe.HSet(ctx, fwd, sb.ToHash())
	pipe.Expire(ctx, fwd, s.ttl)
	pipe.Set(ctx, reverseKey(sb.ID), sb.ConversationID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("binding put: %w", err)
	}
	return nil
}

// Get returns the sandbox bound to conversationID, or errdefs.ErrNotFound.
func (s *Store) Get(ctx context.Context, conversationID string) (*backend.Sandbox, error) {
	data, err := s.rdb.HGetAll(ctx, forwardKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("binding get: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("binding for conversation %s: %w", conversationID, errdefs.ErrNotFound)
	}
	return backend.FromHash(data), nil
}

// ConversationFor resolves a sandbox ID back to its conversation, or ""
// when no binding exists.
func (s *Store) ConversationFor(ctx context.Context, sandboxID string) (string, error) {
	conv, err := s.rdb.Get(ctx, reverseKey(sandboxID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("binding reverse get: %w", err)
	}
	return conv, nil
}

// Refresh resets the TTL on both halves and updates last_active_at and the
// sandbox state in the forward hash.
func (s *Store) Refresh(ctx context.Context, sb *backend.Sandbox) error {
	sb.Touch()

	pipe := s.rdb.TxPipeline()
	fwd := forwardKey(sb.ConversationID)
	pipe.HSet(ctx, fwd, "last_active_at", sb.LastActiveAt.Format(time.RFC3339Nano), "state", string(sb.State))
	pipe.Expire(ctx, fwd, s.ttl)
	pipe.Expire(ctx, reverseKey(sb.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("binding refresh: %w", err)
	}
	return nil
}

// Delete removes both halves of the binding.
func (s *Store) Delete(ctx context.Context, conversationID, sandboxID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, forwardKey(conversationID))
	pipe.Del(ctx, reverseKey(sandboxID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("binding delete: %w", err)
	}
	return nil
}
