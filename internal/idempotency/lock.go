package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/controlplane/internal/storage"
)

const defaultRunLockTTL = 2 * time.Minute

// LockManager grants the exclusive, time-bounded RunLock over a Run.
// Acquisition is atomic with TTL; a holder extends the TTL via Heartbeat
// while working, and any other worker may take over once the TTL lapses.
type LockManager struct {
	store storage.Storage
	now   func() time.Time
	ttl   time.Duration
}

// NewLockManager constructs a LockManager over store with ttl (defaulted to
// two minutes when zero).
func NewLockManager(store storage.Storage, ttl time.Duration, now func() time.Time) *LockManager {
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	if now == nil {
		now = time.Now
	}
	return &LockManager{store: store, ttl: ttl, now: now}
}

// Acquire attempts to take the lock for holder. It succeeds immediately if
// no lock is held, if the same holder already holds it (idempotent
// re-acquire), or if the existing holder's lease has expired (takeover).
func (l *LockManager) Acquire(ctx context.Context, runID, holder string) (bool, error) {
	now := l.now().UTC()
	ok, err := l.store.AcquireLock(ctx, storage.RunLock{
		RunID: runID, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(l.ttl),
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Heartbeat extends the lease for holder. Callers must stop work and
// release/let the lock lapse if Heartbeat returns an error, since that means
// another worker has already taken over.
func (l *LockManager) Heartbeat(ctx context.Context, runID, holder string) error {
	return l.store.HeartbeatLock(ctx, runID, holder, l.now().UTC().Add(l.ttl))
}

// Release relinquishes the lock, a no-op if holder does not currently hold
// it (e.g. it already lapsed and was taken over by someone else).
func (l *LockManager) Release(ctx context.Context, runID, holder string) error {
	return l.store.ReleaseLock(ctx, runID, holder)
}

// Holder reports the current holder and whether the lease is still live.
func (l *LockManager) Holder(ctx context.Context, runID string) (holder string, live bool, err error) {
	lock, ok, err := l.store.GetLock(ctx, runID)
	if err != nil || !ok {
		return "", false, err
	}
	return lock.Holder, lock.ExpiresAt.After(l.now().UTC()), nil
}
