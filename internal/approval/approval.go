// Package approval implements the Approval & Capability Gate: it binds a
// proposed mutation to its SHA-256 artifact hash, persists a pending
// ApprovalRecord, and validates a signed human decision against that hash
// before unblocking a run. Signature verification follows the same
// HMAC-SHA-256 + constant-time-compare discipline the webhook signature
// check uses (see internal/httpapi), since both are "does this bearer of a
// shared secret agree to this exact payload" checks.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/capability/connector"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/run"
	"github.com/runforge/controlplane/internal/storage"
)

const defaultApprovalTTL = 30 * time.Minute

// ArtifactHash computes the canonical hash bound into an ApprovalRecord and
// re-checked against every decision.
func ArtifactHash(artifactBytes []byte) string {
	sum := sha256.Sum256(artifactBytes)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// KeyLookup resolves an approver identity to the shared secret used to
// verify their decision signatures. Keys are provisioned out of band per
// tenant; this port only resolves them.
type KeyLookup func(tenantID, approver string) (key []byte, authorizedCapabilities map[domain.Capability]bool, ok bool)

// Resumer re-enters a run's stage sequence after its state changes outside
// the orchestrator's own call path — here, after an approval decision. Gate
// depends on this narrow interface instead of *orchestrator.Orchestrator
// directly since orchestrator already imports approval; Orchestrator.Advance
// satisfies it structurally.
type Resumer interface {
	Advance(ctx context.Context, tenant domain.Tenant, runID string, kind domain.WorkflowKind, target domain.Target, requestBody json.RawMessage) (storage.Run, error)
}

// Gate authorizes destructive outbound operations.
type Gate struct {
	store   storage.Storage
	bus     eventbus.Bus
	keys    KeyLookup
	now     func() time.Time
	ttl     time.Duration
	engine  *run.Engine
	conn    connector.Connector
	resumer Resumer
}

// New constructs a Gate. keys resolves approver signing keys and capability
// authorization; ttl defaults to 30 minutes when zero. engine transitions
// the Run once a decision lands; conn dispatches the approved mutation
// itself. Both may be nil in tests that only exercise request/decision
// bookkeeping. The resumer that re-enters the pipeline after approval is
// wired in separately via SetResumer, since it is constructed after the
// Gate it depends on.
func New(store storage.Storage, bus eventbus.Bus, keys KeyLookup, ttl time.Duration, now func() time.Time, engine *run.Engine, conn connector.Connector) *Gate {
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, bus: bus, keys: keys, ttl: ttl, now: now, engine: engine, conn: conn}
}

// SetResumer wires the orchestrator back into the gate after both have been
// constructed, breaking the construction-order cycle (the orchestrator
// needs the gate to exist first).
func (g *Gate) SetResumer(r Resumer) {
	g.resumer = r
}

// RequestApproval writes a pending ApprovalRecord bound to artifactBytes'
// hash and publishes approval.requested.
func (g *Gate) RequestApproval(ctx context.Context, tenantID, runID string, capability domain.Capability, target domain.Target, artifactBytes []byte) (storage.Approval, error) {
	now := g.now().UTC()
	a := storage.Approval{
		ID:               "approval-" + uuid.NewString(),
		RunID:            runID,
		TenantID:         tenantID,
		Capability:       string(capability),
		TargetRepository: target.Repository,
		TargetPRNumber:   target.PRNumber,
		ArtifactHash:     ArtifactHash(artifactBytes),
		ArtifactBytes:    artifactBytes,
		Status:           "pending",
		ExpiresAt:        now.Add(g.ttl),
	}
	if err := g.store.PutApproval(ctx, a); err != nil {
		return storage.Approval{}, fmt.Errorf("put approval: %w", err)
	}
	if g.bus != nil {
		g.bus.Publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicApprovalRequested,
			TenantID:  tenantID,
			Timestamp: now,
			Payload:   map[string]any{"approvalId": a.ID, "runId": runID, "capability": string(capability)},
		})
	}
	return a, nil
}

// Decision is the signed payload a human approver submits.
type Decision struct {
	RunID        string
	Capability   domain.Capability
	Target       domain.Target
	ArtifactHash string
	Approve      bool
	Approver     string
	SignedAt     time.Time
	Signature    []byte
}

// canonicalDecisionBytes is what the signature covers: runId, capability,
// targetDescriptor, artifactHash, decision, signedAt — exactly the fields
// named for the signature contract, concatenated in a fixed order.
func canonicalDecisionBytes(d Decision) []byte {
	verb := "reject"
	if d.Approve {
		verb = "approve"
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%s|%s|%s",
		d.RunID, d.Capability, d.Target.Repository, d.Target.PRNumber, d.ArtifactHash, verb, d.SignedAt.UTC().Format(time.RFC3339Nano)))
}

// Sign computes the HMAC-SHA-256 signature over d's canonical bytes using
// key. Exposed for test fixtures and for an external approver tool to call.
func Sign(d Decision, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalDecisionBytes(d))
	return mac.Sum(nil)
}

// Apply validates and applies a signed decision against the pending
// ApprovalRecord for decision.RunID, returning ApprovalInvalid (a
// non-retryable, security-logged apperr.Error) for any check failure.
func (g *Gate) Apply(ctx context.Context, tenantID string, d Decision) (storage.Approval, error) {
	pending, ok, err := g.store.GetPendingApprovalForRun(ctx, d.RunID)
	if err != nil {
		return storage.Approval{}, err
	}
	if !ok {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "no_pending_approval", "no pending approval for run "+d.RunID)
	}

	key, authorized, found := g.keys(tenantID, d.Approver)
	if !found {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "unknown_approver", "approver "+d.Approver+" is not known")
	}
	if !authorized[d.Capability] {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "not_authorized", "approver "+d.Approver+" is not authorized for "+string(d.Capability))
	}
	if !hmac.Equal(Sign(d, key), d.Signature) {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "signature_invalid", "decision signature does not verify")
	}
	if d.ArtifactHash != pending.ArtifactHash {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "hash_mismatch", "decision artifact hash does not match the pending record")
	}
	now := g.now().UTC()
	if !now.Before(pending.ExpiresAt) {
		return storage.Approval{}, apperr.New(apperr.ApprovalInvalid, "expired", "approval expired at "+pending.ExpiresAt.String())
	}

	pending.Approver = d.Approver
	pending.Decision = map[bool]string{true: "approve", false: "reject"}[d.Approve]
	pending.SignedAt = d.SignedAt
	pending.Signature = hex.EncodeToString(d.Signature)
	pending.Status = map[bool]string{true: "approved", false: "rejected"}[d.Approve]
	if err := g.store.PutApproval(ctx, pending); err != nil {
		return storage.Approval{}, fmt.Errorf("put approval: %w", err)
	}
	if g.bus != nil {
		g.bus.Publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicApprovalDecided,
			TenantID:  tenantID,
			Timestamp: now,
			Payload:   map[string]any{"approvalId": pending.ID, "runId": d.RunID, "decision": pending.Decision},
		})
	}

	if g.engine == nil {
		return pending, nil
	}

	if !d.Approve {
		if _, err := g.engine.TransitionRun(ctx, tenantID, d.RunID, domain.RunFailed, "approval_denied"); err != nil {
			return storage.Approval{}, fmt.Errorf("transition run after rejection: %w", err)
		}
		return pending, nil
	}

	target := domain.Target{Repository: pending.TargetRepository, PRNumber: pending.TargetPRNumber}
	if g.conn != nil {
		if _, err := connector.Dispatch(ctx, g.conn, d.Capability, target, pending.ArtifactBytes); err != nil {
			return storage.Approval{}, fmt.Errorf("dispatch approved mutation: %w", err)
		}
	}

	r, err := g.engine.TransitionRun(ctx, tenantID, d.RunID, domain.RunRunning, "approval_granted")
	if err != nil {
		return storage.Approval{}, fmt.Errorf("transition run after approval: %w", err)
	}
	if g.resumer != nil {
		if _, err := g.resumer.Advance(ctx, domain.Tenant{ID: tenantID}, d.RunID, domain.WorkflowKind(r.Kind), target, nil); err != nil {
			return storage.Approval{}, fmt.Errorf("resume run after approval: %w", err)
		}
	}
	return pending, nil
}

// SweepExpired transitions every pending approval past its expiry into the
// "expired" status, for the scheduled sweep described for awaiting_approval
// timeout handling. When the gate has a run engine, it also fails each
// affected run with reason "approval_expired". It returns the run ids whose
// approval just expired.
func (g *Gate) SweepExpired(ctx context.Context) ([]string, error) {
	now := g.now().UTC()
	expired, err := g.store.ListExpiredPendingApprovals(ctx, now)
	if err != nil {
		return nil, err
	}
	var runIDs []string
	for _, a := range expired {
		a.Status = "expired"
		if err := g.store.PutApproval(ctx, a); err != nil {
			return nil, err
		}
		if g.engine != nil {
			if _, err := g.engine.TransitionRun(ctx, a.TenantID, a.RunID, domain.RunFailed, "approval_expired"); err != nil {
				return nil, fmt.Errorf("transition run %s after approval expiry: %w", a.RunID, err)
			}
		}
		runIDs = append(runIDs, a.RunID)
	}
	return runIDs, nil
}
