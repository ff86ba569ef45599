package audit

import (
	"context"
	"testing"
	"time"

	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/storage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendChainsFromPriorEvent(t *testing.T) {
	store := storage.NewMemStore()
	bus := eventbus.NewMemBus()
	log := New(store, bus, fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	first, err := log.Append(ctx, "tenant-a", "run-1", "system", "run.created")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.PrevHash != "" {
		t.Errorf("genesis event PrevHash = %q, want empty", first.PrevHash)
	}

	second, err := log.Append(ctx, "tenant-a", "run-1", "system", "step.completed")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.PrevHash != first.PayloadHash {
		t.Errorf("PrevHash = %q, want %q", second.PrevHash, first.PayloadHash)
	}
}

func TestAppendPublishesAuditAppended(t *testing.T) {
	store := storage.NewMemStore()
	bus := eventbus.NewMemBus()
	log := New(store, bus, nil)
	ctx := context.Background()

	if _, err := log.Append(ctx, "tenant-a", "run-1", "system", "run.created"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events := bus.Events()
	if len(events) != 1 {
		t.Fatalf("len(Events()) = %d, want 1", len(events))
	}
	if events[0].Topic != eventbus.TopicAuditAppended {
		t.Errorf("Topic = %q, want %q", events[0].Topic, eventbus.TopicAuditAppended)
	}
}

func TestVerifyChainDetectsTamperedLink(t *testing.T) {
	store := storage.NewMemStore()
	log := New(store, nil, nil)
	ctx := context.Background()

	if _, err := log.Append(ctx, "tenant-a", "run-1", "system", "run.created"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := log.Append(ctx, "tenant-a", "run-1", "system", "step.completed")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ok, _, err := VerifyChain(ctx, store, "tenant-a")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !ok {
		t.Fatal("VerifyChain() ok = false on an untampered chain")
	}

	// Tamper with the second event's PrevHash directly in the store.
	second.PrevHash = "sha256:deadbeef"
	if err := store.AppendAudit(ctx, second); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}

	ok, brokenAt, err := VerifyChain(ctx, store, "tenant-a")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if ok {
		t.Fatal("VerifyChain() ok = true, want false after tampering")
	}
	if brokenAt == "" {
		t.Error("brokenAt should identify the tampered event")
	}
}

func TestVerifyChainEmptyChainIsOK(t *testing.T) {
	store := storage.NewMemStore()
	ok, _, err := VerifyChain(context.Background(), store, "tenant-unused")
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !ok {
		t.Error("an empty chain should verify as ok")
	}
}
