package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemStoreSlidingWindow(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := time.Minute

	for i := 0; i < 3; i++ {
		count, err := store.RecordAndCount(ctx, "k", base.Add(time.Duration(i)*time.Second), window)
		if err != nil {
			t.Fatalf("RecordAndCount() error = %v", err)
		}
		if count != i+1 {
			t.Errorf("count = %d, want %d", count, i+1)
		}
	}

	// An entry recorded after the window has elapsed should not count the
	// earlier ones.
	count, err := store.RecordAndCount(ctx, "k", base.Add(2*time.Minute), window)
	if err != nil {
		t.Fatalf("RecordAndCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count after window elapsed = %d, want 1 (stale entries must be pruned)", count)
	}
}

func TestLimiterTenantTierAdmitsWithinLimit(t *testing.T) {
	limiter := New(NewMemStore(), 2, time.Minute, 0, 0)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "tenant-a", now)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Admitted {
			t.Errorf("request %d should be admitted within the tenant limit", i)
		}
	}

	d, err := limiter.Allow(ctx, "tenant-a", now)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Admitted {
		t.Error("third request should be rejected, tenant limit is 2")
	}
}

func TestLimiterGlobalBackstopRejectsOtherTenantsOnceExhausted(t *testing.T) {
	// A tenant's own limit is generous, but the shared global backstop is
	// tight: once one tenant has filled the global window, a second tenant is
	// rejected even though its own tenant count is far below its limit.
	limiter := New(NewMemStore(), 100, time.Minute, 1, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d, err := limiter.Allow(ctx, "tenant-a", now)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !d.Admitted {
		t.Fatal("first request under both tiers should be admitted")
	}

	d, err = limiter.Allow(ctx, "tenant-b", now)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Admitted {
		t.Error("second tenant should be rejected by the exhausted global backstop even though its own tenant limit is untouched")
	}
}

func TestRedisStoreSlidingWindow(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		count, err := store.RecordAndCount(ctx, "k", now.Add(time.Duration(i)*time.Millisecond), time.Minute)
		if err != nil {
			t.Fatalf("RecordAndCount() error = %v", err)
		}
		if count != i+1 {
			t.Errorf("count = %d, want %d", count, i+1)
		}
	}
}
