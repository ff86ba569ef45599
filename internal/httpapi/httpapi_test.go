package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/runforge/controlplane/internal/approval"
	"github.com/runforge/controlplane/internal/audit"
	"github.com/runforge/controlplane/internal/capability/connector"
	"github.com/runforge/controlplane/internal/capability/llm"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/idempotency"
	"github.com/runforge/controlplane/internal/orchestrator"
	"github.com/runforge/controlplane/internal/reliability/retry"
	"github.com/runforge/controlplane/internal/run"
	"github.com/runforge/controlplane/internal/storage"
)

var webhookSecret = []byte("webhook-secret")

func signBody(requestID string, body []byte) string {
	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write([]byte(requestID))
	mac.Write([]byte{'|'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemStore()
	auditLog := audit.New(store, nil, nil)
	engine := run.New(store, auditLog, eventbus.NewMemBus(), nil)
	guard := idempotency.New(store)
	gate := approval.New(store, nil, func(string, string) ([]byte, map[domain.Capability]bool, bool) { return nil, nil, false }, 0, nil, engine, nil)
	models := map[llm.ModelTier]llm.Capability{llm.TierFast: &llm.Mock{}, llm.TierStandard: &llm.Mock{}, llm.TierDeep: &llm.Mock{}}
	orch := orchestrator.New(engine, gate, orchestrator.DefaultRegistry(), models, retry.Fast, nil, nil, nil, nil, nil, nil)
	gate.SetResumer(orch)
	secrets := func(source string) ([]byte, string, bool) {
		if source != "github" {
			return nil, "", false
		}
		return webhookSecret, "tenant-a", true
	}
	return New(engine, guard, gate, orch, secrets, nil, nil)
}

func TestHandleWebhookTriggersRunOnFirstDelivery(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook?source=github", bytes.NewReader(body))
	req.Header.Set("X-Delivery-Id", "d1")
	req.Header.Set("X-Signature", signBody("d1", body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "triggered" {
		t.Errorf("status field = %q, want triggered", resp["status"])
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook?source=github", bytes.NewReader(body))
	req.Header.Set("X-Delivery-Id", "d1")
	req.Header.Set("X-Signature", "0000")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleWebhookDeduplicatesRetriedDelivery(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)
	sig := signBody("d1", body)

	var firstBody []byte
	for i, wantCode := range []int{http.StatusOK, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/webhook?source=github", bytes.NewReader(body))
		req.Header.Set("X-Delivery-Id", "d1")
		req.Header.Set("X-Signature", sig)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != wantCode {
			t.Fatalf("delivery %d: status = %d, want %d, body = %s", i, w.Code, wantCode, w.Body.String())
		}
		if i == 0 {
			firstBody = w.Body.Bytes()
		}
	}

	body2 := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook?source=github", bytes.NewReader(body2))
	req.Header.Set("X-Delivery-Id", "d1")
	req.Header.Set("X-Signature", signBody("d1", body2))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Header().Get("X-Idempotent-Replay") != "true" {
		t.Errorf("X-Idempotent-Replay header missing on duplicate delivery")
	}
	if !bytes.Equal(w.Body.Bytes(), firstBody) {
		t.Errorf("duplicate response = %s, want byte-identical replay of first response %s", w.Body.String(), firstBody)
	}
}

func TestHandleWebhookUnknownSourceRejected(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook?source=gitlab", bytes.NewReader(body))
	req.Header.Set("X-Delivery-Id", "d1")
	req.Header.Set("X-Signature", "anything")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleCreateRunRequiresTenantAndIdempotencyHeaders(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleCreateRunAndGetRunRoundTrip(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	req.Header.Set("X-Tenant-Id", "tenant-a")
	req.Header.Set("X-Idempotency-Key", "k1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	runID := resp["runId"]
	if runID == "" {
		t.Fatal("response missing runId")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/runs/"+runID, nil)
	getReq.Header.Set("X-Tenant-Id", "tenant-a")
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d, body = %s", getW.Code, http.StatusOK, getW.Body.String())
	}
}

func TestHandleCreateRunDeduplicatesRetriedRequest(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"target":{"repository":"acme/widget"},"kind":"triage","fingerprint":"fp-1"}`)

	var firstBody []byte
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
		req.Header.Set("X-Tenant-Id", "tenant-a")
		req.Header.Set("X-Idempotency-Key", "k1")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want %d, body = %s", i, w.Code, http.StatusOK, w.Body.String())
		}
		if i == 0 {
			firstBody = w.Body.Bytes()
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	req.Header.Set("X-Tenant-Id", "tenant-a")
	req.Header.Set("X-Idempotency-Key", "k1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Header().Get("X-Idempotent-Replay") != "true" {
		t.Errorf("X-Idempotent-Replay header missing on duplicate request")
	}
	if !bytes.Equal(w.Body.Bytes(), firstBody) {
		t.Errorf("duplicate response = %s, want byte-identical replay of first response %s", w.Body.String(), firstBody)
	}
}

func TestHandleDecisionAppliesSignedApproval(t *testing.T) {
	store := storage.NewMemStore()
	auditLog := audit.New(store, nil, nil)
	engine := run.New(store, auditLog, eventbus.NewMemBus(), nil)
	guard := idempotency.New(store)
	approverKey := []byte("approver-key")
	keys := func(tenantID, approver string) ([]byte, map[domain.Capability]bool, bool) {
		if approver != "alice" {
			return nil, nil, false
		}
		return approverKey, map[domain.Capability]bool{domain.CapabilityMerge: true}, true
	}
	conn := &connector.Mock{}
	gate := approval.New(store, nil, keys, 0, nil, engine, conn)
	triageResponses := func() *llm.Mock {
		return &llm.Mock{Responses: []llm.Response{{Text: `{"summary":"ok","complexityScore":0.1,"labels":[]}`}}}
	}
	models := map[llm.ModelTier]llm.Capability{llm.TierFast: triageResponses(), llm.TierStandard: triageResponses(), llm.TierDeep: triageResponses()}
	orch := orchestrator.New(engine, gate, orchestrator.DefaultRegistry(), models, retry.Fast, nil, nil, nil, nil, conn, nil)
	gate.SetResumer(orch)
	secrets := func(string) ([]byte, string, bool) { return nil, "", false }
	s := New(engine, guard, gate, orch, secrets, nil, nil)

	ctx := context.Background()
	target := domain.Target{Repository: "acme/widget"}
	r, err := engine.CreateRun(ctx, "tenant-a", domain.WorkflowTriage, domain.TriggerWebhook, target, "fp-1")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if _, err := engine.TransitionRun(ctx, "tenant-a", r.ID, domain.RunRunning, "start"); err != nil {
		t.Fatalf("TransitionRun() error = %v", err)
	}
	if _, err := engine.TransitionRun(ctx, "tenant-a", r.ID, domain.RunAwaitingApproval, "destructive_mutation_pending_approval"); err != nil {
		t.Fatalf("TransitionRun() error = %v", err)
	}

	artifact := []byte("diff")
	pending, err := gate.RequestApproval(ctx, "tenant-a", r.ID, domain.CapabilityMerge, target, artifact)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	decision := approval.Decision{
		RunID: r.ID, Capability: domain.CapabilityMerge, Target: target,
		ArtifactHash: pending.ArtifactHash, Approve: true, Approver: "alice",
	}
	decision.Signature = approval.Sign(decision, approverKey)

	payload, _ := json.Marshal(map[string]any{
		"capability":   string(domain.CapabilityMerge),
		"target":       target,
		"artifactHash": pending.ArtifactHash,
		"approver":     "alice",
		"signedAt":     decision.SignedAt,
		"signature":    hex.EncodeToString(decision.Signature),
	})

	req := httptest.NewRequest(http.MethodPost, "/runs/"+r.ID+"/approve", bytes.NewReader(payload))
	req.Header.Set("X-Tenant-Id", "tenant-a")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "approved" {
		t.Errorf("status field = %q, want approved", resp["status"])
	}
	if got := conn.Calls(); len(got) != 1 || got[0] != "merge" {
		t.Errorf("conn.Calls() = %v, want [merge]", got)
	}
	final, err := engine.GetRun(ctx, "tenant-a", r.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if domain.RunStatus(final.Status) == domain.RunAwaitingApproval {
		t.Errorf("run status after approval = %q, want it to have left awaiting_approval (approval must resume the run)", final.Status)
	}
	if domain.RunStatus(final.Status) != domain.RunCompleted {
		t.Errorf("run status after approval = %q, want %q", final.Status, domain.RunCompleted)
	}
}
