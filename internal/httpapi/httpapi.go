// Package httpapi exposes the control plane's inbound surface: the webhook
// receiver, the run/approval mutation endpoints, and tenant-scoped reads.
// Routing is declared on go-chi/chi/v5; the signature-verification
// discipline (HMAC-SHA256 over a canonical requestID|payload byte string,
// hex-encoded, compared with hmac.Equal) mirrors the decision-signing
// discipline in internal/approval, since both are "does this bearer of a
// shared secret agree to this exact payload" checks.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/approval"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/idempotency"
	"github.com/runforge/controlplane/internal/metrics"
	"github.com/runforge/controlplane/internal/orchestrator"
	"github.com/runforge/controlplane/internal/run"
	"github.com/runforge/controlplane/internal/storage"
)

// WebhookSecretLookup resolves the shared secret used to verify an inbound
// webhook delivery's signature, keyed by source (e.g. "github").
type WebhookSecretLookup func(source string) (secret []byte, tenantID string, ok bool)

// Server wires the Run State Engine, the idempotency guard, and the
// approval gate behind an HTTP surface.
type Server struct {
	router       chi.Router
	engine       *run.Engine
	idempotency  *idempotency.Guard
	gate         *approval.Gate
	orchestrator *orchestrator.Orchestrator
	secrets      WebhookSecretLookup
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New constructs a Server with CORS and request-id/logging middleware wired
// onto a chi router. m may be nil to disable metrics recording (tests
// construct a Server without one).
func New(engine *run.Engine, guard *idempotency.Guard, gate *approval.Gate, orch *orchestrator.Orchestrator, secrets WebhookSecretLookup, m *metrics.Metrics, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	s := &Server{engine: engine, idempotency: guard, gate: gate, orchestrator: orch, secrets: secrets, metrics: m, now: now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Idempotency-Key", "X-Request-ID", "X-Signature"},
		MaxAge:           300,
	}))

	r.Post("/webhook", s.handleWebhook)
	r.Post("/runs", s.handleCreateRun)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/steps", s.handleListSteps)
	r.Post("/runs/{id}/approve", s.handleDecision(true))
	r.Post("/runs/{id}/reject", s.handleDecision(false))

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := err.Error()

	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	}
	if ae != nil {
		code = ae.Code
		message = ae.Message
		switch ae.Kind {
		case apperr.Validation:
			status = http.StatusBadRequest
		case apperr.PolicyDenied, apperr.ApprovalInvalid, apperr.ApprovalRequired:
			status = http.StatusConflict
		case apperr.LockConflict:
			status = http.StatusConflict
		case apperr.Timeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"status": "error", "code": code, "message": message})
}

// handleWebhook verifies an inbound delivery's HMAC-SHA256 signature over
// requestID|body, runs it through the idempotency guard keyed by source and
// delivery id, and triggers a run on first delivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "github"
	}
	deliveryID := r.Header.Get("X-Delivery-Id")
	if deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "missing_delivery_id"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "unreadable_body"})
		return
	}

	secret, tenantID, ok := s.secrets(source)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "code": "unknown_source"})
		return
	}
	if !verifySignature(deliveryID, body, secret, r.Header.Get("X-Signature")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "code": "signature_invalid"})
		return
	}

	ctx := r.Context()
	key := idempotency.WebhookKey(source, deliveryID)
	outcome, rec, err := s.idempotency.Begin(ctx, tenantID, source, key, idempotency.RequestHash(body))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncIdempotencyOutcome(source, string(outcome))
	}
	switch outcome {
	case idempotency.OutcomeDuplicate:
		w.Header().Set("X-Idempotent-Replay", "true")
		replayResponse(w, rec)
		return
	case idempotency.OutcomeInProgress:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	case idempotency.OutcomeExhausted:
		writeJSON(w, http.StatusConflict, map[string]string{"status": "error", "code": "delivery_replay_exhausted"})
		return
	}

	var payload struct {
		Target     domain.Target        `json:"target"`
		Kind       domain.WorkflowKind  `json:"kind"`
		Fingerprint string              `json:"fingerprint"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		_ = s.idempotency.Fail(ctx, rec)
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "invalid_payload"})
		return
	}

	r2, err := s.engine.CreateRun(ctx, tenantID, payload.Kind, domain.TriggerWebhook, payload.Target, payload.Fingerprint)
	if err != nil {
		_ = s.idempotency.Fail(ctx, rec)
		writeError(w, err)
		return
	}
	resp := map[string]string{"status": "triggered", "runId": r2.ID}
	respBytes, _ := json.Marshal(resp)
	_ = s.idempotency.Complete(ctx, rec, respBytes)
	s.advance(ctx, tenantID, r2, payload.Kind, payload.Target, body)
	writeJSON(w, http.StatusOK, resp)
}

// replayResponse writes back the exact response bytes cached for a duplicate
// delivery/request, so a retried caller sees byte-identical output to the
// original — including the original runId — rather than a bare status.
func replayResponse(w http.ResponseWriter, rec storage.IdempotencyRecord) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.ResponseBody)
}

// advance transitions a freshly created run to running and drives it
// through its stage sequence. Workers in a real deployment would pick this
// up asynchronously from a queue; the handler runs it inline here since the
// HTTP surface has no broker wired in front of it.
func (s *Server) advance(ctx context.Context, tenantID string, r storage.Run, kind domain.WorkflowKind, target domain.Target, requestBody []byte) {
	if _, err := s.engine.TransitionRun(ctx, tenantID, r.ID, domain.RunRunning, "dispatched_to_orchestrator"); err != nil {
		return
	}
	tenant := domain.Tenant{ID: tenantID}
	_, _ = s.orchestrator.Advance(ctx, tenant, r.ID, kind, target, requestBody)
}

// verifySignature checks an HMAC-SHA256 hex signature over "requestID|body"
// using constant-time comparison, per the canonical decision-signing
// discipline shared with internal/approval.
func verifySignature(requestID string, body, secret []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(requestID))
	mac.Write([]byte{'|'})
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	idemKey := r.Header.Get("X-Idempotency-Key")
	if tenantID == "" || idemKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "missing_headers"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "unreadable_body"})
		return
	}
	var payload struct {
		Target      domain.Target       `json:"target"`
		Kind        domain.WorkflowKind `json:"kind"`
		Fingerprint string              `json:"fingerprint"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "invalid_payload"})
		return
	}

	ctx := r.Context()
	key := idempotency.APIKey(tenantID, idemKey)
	outcome, rec, err := s.idempotency.Begin(ctx, tenantID, "api", key, idempotency.RequestHash(body))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncIdempotencyOutcome("api", string(outcome))
	}
	if outcome == idempotency.OutcomeDuplicate {
		w.Header().Set("X-Idempotent-Replay", "true")
		replayResponse(w, rec)
		return
	}
	if outcome == idempotency.OutcomeInProgress {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	}

	created, err := s.engine.CreateRun(ctx, tenantID, payload.Kind, domain.TriggerAPI, payload.Target, payload.Fingerprint)
	if err != nil {
		_ = s.idempotency.Fail(ctx, rec)
		writeError(w, err)
		return
	}
	resp := map[string]string{"status": "triggered", "runId": created.ID}
	respBytes, _ := json.Marshal(resp)
	_ = s.idempotency.Complete(ctx, rec, respBytes)
	s.advance(ctx, tenantID, created, payload.Kind, payload.Target, body)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	runID := chi.URLParam(r, "id")
	run, err := s.engine.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	steps, err := s.engine.ListSteps(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-Id")
		runID := chi.URLParam(r, "id")

		var body struct {
			Capability   domain.Capability `json:"capability"`
			Target       domain.Target     `json:"target"`
			ArtifactHash string            `json:"artifactHash"`
			Approver     string            `json:"approver"`
			SignedAt     time.Time         `json:"signedAt"`
			Signature    string            `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "invalid_payload"})
			return
		}
		sig, err := hex.DecodeString(body.Signature)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "invalid_signature_encoding"})
			return
		}

		decision := approval.Decision{
			RunID: runID, Capability: body.Capability, Target: body.Target,
			ArtifactHash: body.ArtifactHash, Approve: approve,
			Approver: body.Approver, SignedAt: body.SignedAt, Signature: sig,
		}
		rec, err := s.gate.Apply(r.Context(), tenantID, decision)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.metrics != nil {
			s.metrics.IncApprovalDecision(string(body.Capability), rec.Status)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": rec.Status})
	}
}
