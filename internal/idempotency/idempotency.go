// Package idempotency implements the check-and-set protocol that ensures
// each inbound event is processed exactly once, plus the exclusive
// time-bounded RunLock that ensures a run is mutated by at most one worker
// at a time: a networked check-and-set with takeover semantics, rather than
// a single in-process replay guard.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/runforge/controlplane/internal/storage"
)

// Outcome is the result of a check-and-set attempt.
type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeExhausted  Outcome = "exhausted"
)

const (
	defaultLockTTL     = 5 * time.Minute
	defaultMaxAttempts = 3
	CompletedTTL       = 24 * time.Hour
	FailedTTL          = 1 * time.Hour
)

// Source-scoped composite keys. Every key is additionally namespaced by
// tenant inside storage, so collisions across tenants are structurally
// impossible even if two tenants reuse the same delivery id.
func WebhookKey(source, deliveryID string) string { return source + ":" + deliveryID }
func APIKey(clientID, requestID string) string     { return clientID + ":" + requestID }
func ScheduleKey(scheduleID string, executionTime time.Time) string {
	return scheduleID + ":" + executionTime.UTC().Format(time.RFC3339)
}

// RequestHash computes the canonical hash of request bytes recorded on the
// idempotency record for audit/debugging; it is informational only and
// never participates in the check-and-set comparison.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Guard wraps a Storage with the check-and-set protocol.
type Guard struct {
	store       storage.Storage
	now         func() time.Time
	maxAttempts int
	lockTTL     time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxAttempts overrides the default takeover attempt ceiling.
func WithMaxAttempts(n int) Option { return func(g *Guard) { g.maxAttempts = n } }

// WithLockTTL overrides the default processing-lock TTL.
func WithLockTTL(d time.Duration) Option { return func(g *Guard) { g.lockTTL = d } }

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// New constructs a Guard over store.
func New(store storage.Storage, opts ...Option) *Guard {
	g := &Guard{store: store, now: time.Now, maxAttempts: defaultMaxAttempts, lockTTL: defaultLockTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin performs the five-branch check-and-set described for inbound event
// processing. On OutcomeDuplicate, the returned record's ResponseBody is the
// cached response to replay verbatim.
func (g *Guard) Begin(ctx context.Context, tenantID, source, key string, requestHash string) (Outcome, storage.IdempotencyRecord, error) {
	now := g.now().UTC()
	current, exists, err := g.store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		return "", storage.IdempotencyRecord{}, fmt.Errorf("get idempotency: %w", err)
	}

	if !exists {
		next := storage.IdempotencyRecord{
			Key: key, Source: source, TenantID: tenantID, RequestHash: requestHash,
			Status: "processing", CreatedAt: now, UpdatedAt: now,
			LockExpiresAt: now.Add(g.lockTTL), Attempts: 1,
		}
		if err := g.store.CompareAndSwapIdempotency(ctx, storage.IdempotencyRecord{}, next); err != nil {
			if err == storage.ErrOptimisticConflict {
				// Lost a race to insert; re-read and re-evaluate once.
				return g.Begin(ctx, tenantID, source, key, requestHash)
			}
			return "", storage.IdempotencyRecord{}, err
		}
		return OutcomeNew, next, nil
	}

	switch current.Status {
	case "completed":
		return OutcomeDuplicate, current, nil
	case "processing":
		if current.LockExpiresAt.After(now) {
			return OutcomeInProgress, current, nil
		}
		if current.Attempts < g.maxAttempts {
			next := current
			next.Attempts++
			next.LockExpiresAt = now.Add(g.lockTTL)
			next.UpdatedAt = now
			if err := g.store.CompareAndSwapIdempotency(ctx, current, next); err != nil {
				if err == storage.ErrOptimisticConflict {
					return g.Begin(ctx, tenantID, source, key, requestHash)
				}
				return "", storage.IdempotencyRecord{}, err
			}
			return OutcomeNew, next, nil
		}
		return OutcomeExhausted, current, nil
	case "failed":
		// A prior attempt's failure TTL has not yet expired; treat as
		// duplicate so callers do not double-process within failedTTL.
		if current.ExpiresAt.After(now) {
			return OutcomeDuplicate, current, nil
		}
		return OutcomeExhausted, current, nil
	default:
		return OutcomeExhausted, current, nil
	}
}

// Complete finalizes a processing record as completed, caching response for
// future duplicate replay.
func (g *Guard) Complete(ctx context.Context, expected storage.IdempotencyRecord, response []byte) error {
	now := g.now().UTC()
	next := expected
	next.Status = "completed"
	next.ResponseBody = response
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(CompletedTTL)
	return g.store.CompareAndSwapIdempotency(ctx, expected, next)
}

// Fail finalizes a processing record as failed.
func (g *Guard) Fail(ctx context.Context, expected storage.IdempotencyRecord) error {
	now := g.now().UTC()
	next := expected
	next.Status = "failed"
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(FailedTTL)
	return g.store.CompareAndSwapIdempotency(ctx, expected, next)
}
