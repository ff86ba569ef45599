package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/runforge/controlplane/internal/storage"
)

func newGuard(now time.Time) (*Guard, func(time.Time)) {
	store := storage.NewMemStore()
	current := now
	clock := func() time.Time { return current }
	g := New(store, WithClock(clock), WithMaxAttempts(2), WithLockTTL(time.Minute))
	return g, func(t time.Time) { current = t }
}

func TestBeginFirstDeliveryIsNew(t *testing.T) {
	g, _ := newGuard(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	outcome, rec, err := g.Begin(context.Background(), "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeNew)
	}
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}
}

func TestBeginInProgressIsDeduplicated(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, _ := newGuard(now)
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash"); err != nil {
		t.Fatalf("first Begin() error = %v", err)
	}
	outcome, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("second Begin() error = %v", err)
	}
	if outcome != OutcomeInProgress {
		t.Fatalf("outcome = %v, want %v (still within the lock TTL)", outcome, OutcomeInProgress)
	}
}

func TestBeginCompletedIsDuplicate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, _ := newGuard(now)
	ctx := context.Background()

	_, rec, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := g.Complete(ctx, rec, []byte("ok")); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	outcome, dup, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("re-Begin() error = %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeDuplicate)
	}
	if string(dup.ResponseBody) != "ok" {
		t.Errorf("ResponseBody = %q, want %q (a duplicate must replay the cached response)", dup.ResponseBody, "ok")
	}
}

func TestBeginTakesOverAfterLockExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, setNow := newGuard(now)
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	setNow(now.Add(2 * time.Minute)) // past the 1-minute lock TTL
	outcome, rec, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("Begin() after expiry error = %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("outcome = %v, want %v (a dead worker's lock must be taken over)", outcome, OutcomeNew)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", rec.Attempts)
	}
}

func TestBeginExhaustsAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, setNow := newGuard(now) // WithMaxAttempts(2)
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash"); err != nil {
		t.Fatalf("Begin() #1 error = %v", err)
	}
	setNow(now.Add(2 * time.Minute))
	if _, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash"); err != nil {
		t.Fatalf("Begin() #2 error = %v", err)
	}
	setNow(now.Add(4 * time.Minute))
	outcome, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("Begin() #3 error = %v", err)
	}
	if outcome != OutcomeExhausted {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeExhausted)
	}
}

func TestBeginKeysAreTenantScoped(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, _ := newGuard(now)
	ctx := context.Background()

	if _, _, err := g.Begin(ctx, "tenant-a", "github", "k1", "hash"); err != nil {
		t.Fatalf("tenant-a Begin() error = %v", err)
	}
	outcome, _, err := g.Begin(ctx, "tenant-b", "github", "k1", "hash")
	if err != nil {
		t.Fatalf("tenant-b Begin() error = %v", err)
	}
	if outcome != OutcomeNew {
		t.Fatalf("outcome = %v, want %v (same key under a different tenant must not collide)", outcome, OutcomeNew)
	}
}

func TestWebhookAndAPIKeysAreDistinguishable(t *testing.T) {
	if WebhookKey("github", "d1") == APIKey("github", "d1") {
		t.Error("WebhookKey and APIKey must not collide for identical components")
	}
}
