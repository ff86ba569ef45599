// Package audit maintains the append-only, hash-chained event log required
// per tenant: SHA-256 over canonical bytes, hex-encoded with a format
// prefix, so a verifier can recompute and compare without touching the
// store's internal representation.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/storage"
)

// payload is the canonical, order-stable structure hashed into PayloadHash
// and chained into PrevHash. Field order matters for hash stability, which
// is why this is a struct (fixed JSON key order under encoding/json is not
// guaranteed across Go versions for maps, but is guaranteed for structs).
type payload struct {
	TenantID  string    `json:"tenantId"`
	RunID     string    `json:"runId"`
	Actor     string    `json:"actor"`
	EventKind string    `json:"eventKind"`
	Timestamp time.Time `json:"timestamp"`
}

func canonicalHash(p payload) string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Log appends events to a tenant's chain and publishes audit.appended.
type Log struct {
	store storage.Storage
	bus   eventbus.Bus
	now   func() time.Time
}

// New constructs a Log backed by store, publishing to bus. now defaults to
// time.Now and is overridable for deterministic tests.
func New(store storage.Storage, bus eventbus.Bus, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{store: store, bus: bus, now: now}
}

// Append writes the next event in tenantID's chain, computing PrevHash from
// the tenant's last event (the genesis event has an empty PrevHash).
func (l *Log) Append(ctx context.Context, tenantID, runID, actor, eventKind string) (storage.AuditEvent, error) {
	prevHash := ""
	if last, ok, err := l.store.LastAuditEvent(ctx, tenantID); err != nil {
		return storage.AuditEvent{}, fmt.Errorf("load last audit event: %w", err)
	} else if ok {
		prevHash = last.PayloadHash
	}

	ts := l.now().UTC()
	p := payload{TenantID: tenantID, RunID: runID, Actor: actor, EventKind: eventKind, Timestamp: ts}

	event := storage.AuditEvent{
		ID:          "audit-" + uuid.NewString(),
		TenantID:    tenantID,
		RunID:       runID,
		Actor:       actor,
		EventKind:   eventKind,
		PayloadHash: canonicalHash(p),
		PrevHash:    prevHash,
		Timestamp:   ts,
	}
	if err := l.store.AppendAudit(ctx, event); err != nil {
		return storage.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}

	if l.bus != nil {
		l.bus.Publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicAuditAppended,
			TenantID:  tenantID,
			Timestamp: ts,
			Payload:   map[string]any{"eventId": event.ID, "eventKind": eventKind, "runId": runID},
		})
	}
	return event, nil
}

// VerifyChain recomputes every PrevHash link for tenantID and reports the
// first broken link, if any. An empty chain and a fully consistent chain
// both report ok=true.
func VerifyChain(ctx context.Context, store storage.Storage, tenantID string) (ok bool, brokenAt string, err error) {
	events, err := store.ListAudit(ctx, tenantID)
	if err != nil {
		return false, "", err
	}
	prevHash := ""
	for _, e := range events {
		if e.PrevHash != prevHash {
			return false, e.ID, nil
		}
		prevHash = e.PayloadHash
	}
	return true, "", nil
}
