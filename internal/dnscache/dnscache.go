// Package dnscache provides a TTL-bound DNS cache with single-flight
// resolution per hostname, so concurrent sandbox CONNECT requests to the
// same host never launch duplicate lookups.
package dnscache

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultTTL bounds how long resolved addresses are reused.
const DefaultTTL = 5 * time.Minute

type entry struct {
	addresses []string
	expiresAt time.Time
}

// Resolver is the subset of net.Resolver this package depends on, so tests
// can substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Cache is a thread-safe TTL DNS cache with per-hostname single-flight
// resolution: a sync.Map of in-flight channels keyed by hostname dedupes
// concurrent lookups for the same name.
type Cache struct {
	ttl      time.Duration
	resolver Resolver

	mu    sync.Mutex
	cache map[string]entry

	inflight sync.Map // hostname -> chan struct{}
}

// New creates a Cache using net.DefaultResolver and the given TTL. A zero
// ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		cache:    make(map[string]entry),
	}
}

// NewWithResolver is like New but accepts a custom Resolver, for tests.
func NewWithResolver(ttl time.Duration, resolver Resolver) *Cache {
	c := New(ttl)
	c.resolver = resolver
	return c
}

// Resolve returns the cached addresses for hostname, resolving and caching
// them if absent or expired. Concurrent callers for the same hostname share
// a single in-flight lookup.
func (c *Cache) Resolve(ctx context.Context, hostname string) ([]string, error) {
	if addrs, ok := c.lookupFresh(hostname); ok {
		slog.Debug("dns cache hit", "hostname", hostname)
		return addrs, nil
	}

	waitCh := make(chan struct{})
	actual, loaded := c.inflight.LoadOrStore(hostname, waitCh)
	if loaded {
		select {
		case <-actual.(chan struct{}):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if addrs, ok := c.lookupFresh(hostname); ok {
			return addrs, nil
		}
		return nil, fmt.Errorf("concurrent resolution for %s produced no result", hostname)
	}
	defer func() {
		close(waitCh)
		c.inflight.Delete(hostname)
	}()

	// Double-check: another resolution may have just completed and raced us
	// to the inflight map between our first check and LoadOrStore.
	if addrs, ok := c.lookupFresh(hostname); ok {
		return addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, hostname)
	if err != nil {
		slog.Error("dns resolution failed", "hostname", hostname, "error", err)
		return nil, fmt.Errorf("dns resolution failed for %s: %w", hostname, err)
	}

	c.mu.Lock()
	c.cache[hostname] = entry{addresses: addrs, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	slog.Debug("dns resolved and cached", "hostname", hostname, "addresses", addrs, "ttl", c.ttl)
	return addrs, nil
}

func (c *Cache) lookupFresh(hostname string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[hostname]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return append([]string(nil), e.addresses...), true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.cache)
	c.cache = make(map[string]entry)
	c.mu.Unlock()
	slog.Info("dns cache cleared", "entries_removed", n)
}
