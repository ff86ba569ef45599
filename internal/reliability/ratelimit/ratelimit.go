// Package ratelimit implements the sliding-window limiter described for the
// reliability kernel: admit a request iff the count of requests already
// recorded within the trailing window is below limit. Storage is pluggable
// — an in-memory Store for single-process deployments, and a Redis-backed
// Store (jordigilh-kubernaut already depends on redis/go-redis/v9) for
// distributed enforcement across workers.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records a request for key at now and reports how many requests fall
// within the trailing window after recording, including the one just
// recorded. Implementations must prune entries older than window so the
// count reflects only the current sliding window.
type Store interface {
	RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

// MemStore is an in-memory sliding-window Store for single-process
// deployments and tests.
type MemStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemStore constructs an empty in-memory window store.
func NewMemStore() *MemStore { return &MemStore{logs: make(map[string][]time.Time)} }

func (m *MemStore) RecordAndCount(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	entries := m.logs[key]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.logs[key] = kept
	return len(kept), nil
}

// RedisStore persists the sliding window as a sorted set keyed by key, with
// scores equal to the recorded timestamp's unix nanoseconds, evaluated
// atomically through a single Lua script so concurrent workers never
// observe a torn prune-then-count.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ns = tonumber(ARGV[1])
local window_ns = tonumber(ARGV[2])
local cutoff = now_ns - window_ns
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
redis.call('ZADD', key, now_ns, now_ns)
redis.call('PEXPIRE', key, math.ceil(window_ns / 1e6) + 1000)
return redis.call('ZCARD', key)
`)

func (r *RedisStore) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, now.UnixNano(), window.Nanoseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return int(res), nil
}

// Decision carries the outcome of a fairness-aware admission check.
type Decision struct {
	Admitted    bool
	TenantCount int
	GlobalCount int
}

// Limiter enforces the two-tier fairness scheme: a request must be within
// both its tenant's limit and the shared global backstop to be admitted.
// This resolves the open rate-limit fairness question in favor of
// protecting the whole system from any single noisy tenant. Once the global
// window is full, requests from every tenant are rejected, whatever that
// tenant's own count.
type Limiter struct {
	store        Store
	tenantLimit  int
	tenantWindow time.Duration
	globalLimit  int
	globalWindow time.Duration
}

// New constructs a two-tier Limiter. globalLimit/globalWindow may be zero to
// disable the global backstop (strict per-tenant isolation).
func New(store Store, tenantLimit int, tenantWindow time.Duration, globalLimit int, globalWindow time.Duration) *Limiter {
	return &Limiter{store: store, tenantLimit: tenantLimit, tenantWindow: tenantWindow, globalLimit: globalLimit, globalWindow: globalWindow}
}

// Allow records a request for tenantID at now and reports whether it is
// admitted under both tiers. The tenant-scoped count is always recorded
// even when the global backstop rejects, since the sliding window tracks
// attempted requests, not merely admitted ones, so a rejected retry still
// counts against the tenant's own window.
func (l *Limiter) Allow(ctx context.Context, tenantID string, now time.Time) (Decision, error) {
	tenantCount, err := l.store.RecordAndCount(ctx, "tenant:"+tenantID, now, l.tenantWindow)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{TenantCount: tenantCount, Admitted: tenantCount <= l.tenantLimit}

	if l.globalLimit > 0 {
		globalCount, err := l.store.RecordAndCount(ctx, "global", now, l.globalWindow)
		if err != nil {
			return Decision{}, err
		}
		d.GlobalCount = globalCount
		d.Admitted = d.Admitted && globalCount <= l.globalLimit
	}
	return d, nil
}
