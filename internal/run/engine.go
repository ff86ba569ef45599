// Package run implements the Run State Engine: persistence of Run and Step
// documents, enforcement of the legal status-transition tables, checkpoint
// writing, and crash-resume analysis. It is the durable backbone every other
// component in the core builds on.
package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/audit"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/eventbus"
	"github.com/runforge/controlplane/internal/storage"
)

// dedupWindow bounds how recently an identical input fingerprint must have
// triggered a run for a new trigger of the same fingerprint to be folded
// into the existing run instead of starting a new one.
const dedupWindow = 10 * time.Second

// Engine is the Run State Engine. It never talks to a capability or
// connector port directly; the orchestrator calls it to persist state
// transitions it has already decided on.
type Engine struct {
	store storage.Storage
	audit *audit.Log
	bus   eventbus.Bus
	now   func() time.Time
}

// New constructs an Engine. now defaults to time.Now; tests may override it
// for deterministic timestamps.
func New(store storage.Storage, auditLog *audit.Log, bus eventbus.Bus, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, audit: auditLog, bus: bus, now: now}
}

// CreateRun atomically inserts a new Run, folding duplicate triggers of the
// same input fingerprint within dedupWindow into the existing run rather
// than starting a second one.
func (e *Engine) CreateRun(ctx context.Context, tenantID string, kind domain.WorkflowKind, trigger domain.TriggerSource, target domain.Target, inputFingerprint string) (storage.Run, error) {
	if existing, found, err := e.store.FindRunByFingerprint(ctx, tenantID, inputFingerprint, dedupWindow); err != nil {
		return storage.Run{}, fmt.Errorf("dedup lookup: %w", err)
	} else if found {
		return existing, nil
	}

	ts := e.now().UTC()
	r := storage.Run{
		ID:               "run-" + uuid.NewString(),
		TenantID:         tenantID,
		Trigger:          string(trigger),
		Kind:             string(kind),
		Status:           string(domain.RunPending),
		TargetRepository: target.Repository,
		TargetPRNumber:   target.PRNumber,
		TargetIssueNum:   target.IssueNum,
		InputFingerprint: inputFingerprint,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := e.store.PutRun(ctx, r); err != nil {
		return storage.Run{}, fmt.Errorf("put run: %w", err)
	}
	if e.audit != nil {
		if _, err := e.audit.Append(ctx, tenantID, r.ID, "system", "run.created"); err != nil {
			return storage.Run{}, err
		}
	}
	return r, nil
}

// AppendStep inserts the next Step for runID, requiring the run to be
// running. The ordinal is assigned as len(existing steps).
func (e *Engine) AppendStep(ctx context.Context, tenantID, runID string, kind domain.StepKind, inputHash string) (storage.Step, error) {
	r, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return storage.Step{}, err
	}
	if domain.RunStatus(r.Status) != domain.RunRunning {
		return storage.Step{}, apperr.New(apperr.Validation, "run_not_running", fmt.Sprintf("run %s is %s, not running", runID, r.Status))
	}

	existing, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return storage.Step{}, err
	}

	s := storage.Step{
		ID:        "step-" + uuid.NewString(),
		RunID:     runID,
		Ordinal:   len(existing),
		Kind:      string(kind),
		Status:    string(domain.StepPendingStatus),
		InputHash: inputHash,
	}
	if err := e.store.PutStep(ctx, s); err != nil {
		return storage.Step{}, fmt.Errorf("put step: %w", err)
	}

	r.StepIDs = append(r.StepIDs, s.ID)
	r.UpdatedAt = e.now().UTC()
	if err := e.store.PutRun(ctx, r); err != nil {
		return storage.Step{}, fmt.Errorf("update run step index: %w", err)
	}
	return s, nil
}

// UpdateStepStatus validates and persists a Step status transition, writing
// a Checkpoint whenever the step reaches a non-failed terminal state
// (succeeded or skipped).
// outputBlob carries the stage's raw artifact bytes and is only meaningful
// alongside a transition to StepSucceeded; callers pass nil otherwise.
func (e *Engine) UpdateStepStatus(ctx context.Context, stepID string, newStatus domain.StepStatus, outputHash string, outputBlob []byte, stepErr *apperr.Error) (storage.Step, error) {
	s, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return storage.Step{}, err
	}
	from := domain.StepStatus(s.Status)
	if !stepTransitionAllowed(from, newStatus) {
		return storage.Step{}, &InvalidStepStatusTransition{From: from, To: newStatus, Allowed: stepTransitions[from]}
	}

	now := e.now().UTC()
	if from == domain.StepPendingStatus && newStatus == domain.StepRunning {
		s.StartedAt = now
	}
	s.Status = string(newStatus)
	s.OutputHash = outputHash
	if outputBlob != nil {
		s.OutputBlob = outputBlob
	}
	if stepErr != nil {
		s.ErrorCode = stepErr.Code
		s.ErrorMessage = stepErr.Message
	}
	switch newStatus {
	case domain.StepSucceeded, domain.StepFailedTerminal, domain.StepSkipped:
		s.EndedAt = now
	case domain.StepFailedRetryable:
		s.Attempt++
	}

	if err := e.store.PutStep(ctx, s); err != nil {
		return storage.Step{}, fmt.Errorf("put step: %w", err)
	}

	if newStatus == domain.StepSucceeded || newStatus == domain.StepSkipped {
		if err := e.writeCheckpoint(ctx, s.RunID); err != nil {
			return storage.Step{}, err
		}
	}
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicStepCompleted,
			Timestamp: now,
			Payload:   map[string]any{"stepId": s.ID, "runId": s.RunID, "status": s.Status},
		})
	}
	return s, nil
}

// TransitionRun validates and persists a Run status transition and appends
// an AuditEvent recording it.
func (e *Engine) TransitionRun(ctx context.Context, tenantID, runID string, newStatus domain.RunStatus, reason string) (storage.Run, error) {
	r, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return storage.Run{}, err
	}
	from := domain.RunStatus(r.Status)
	if !runTransitionAllowed(from, newStatus) {
		return storage.Run{}, &InvalidRunStatusTransition{From: from, To: newStatus, Allowed: runTransitions[from]}
	}

	r.Status = string(newStatus)
	r.UpdatedAt = e.now().UTC()
	if err := e.store.PutRun(ctx, r); err != nil {
		return storage.Run{}, fmt.Errorf("put run: %w", err)
	}

	if e.audit != nil {
		if _, err := e.audit.Append(ctx, tenantID, runID, "system", "run.transitioned:"+string(from)+"->"+string(newStatus)); err != nil {
			return storage.Run{}, err
		}
	}
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.Event{
			Topic:     eventbus.TopicRunStateChanged,
			TenantID:  tenantID,
			Timestamp: r.UpdatedAt,
			Payload:   map[string]any{"runId": runID, "from": string(from), "to": string(newStatus), "reason": reason},
		})
	}
	return r, nil
}

// SetStepModelTier records which model tier and selection reason served a
// step, per the model-selection recording requirement. It does not validate
// a status transition since tier selection happens before a stage runs.
func (e *Engine) SetStepModelTier(ctx context.Context, stepID, tier, reason string) (storage.Step, error) {
	s, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return storage.Step{}, err
	}
	s.ModelTier = tier
	s.ModelReason = reason
	if err := e.store.PutStep(ctx, s); err != nil {
		return storage.Step{}, fmt.Errorf("put step: %w", err)
	}
	return s, nil
}

// GetRun, ListSteps, and LatestCheckpoint are thin read accessors kept here
// so callers depend on one package for the whole Run State Engine surface.
func (e *Engine) GetRun(ctx context.Context, tenantID, runID string) (storage.Run, error) {
	return e.store.GetRun(ctx, tenantID, runID)
}

func (e *Engine) ListSteps(ctx context.Context, runID string) ([]storage.Step, error) {
	return e.store.ListSteps(ctx, runID)
}

func (e *Engine) LatestCheckpoint(ctx context.Context, runID string) (storage.Checkpoint, error) {
	return e.store.LatestCheckpoint(ctx, runID)
}

func (e *Engine) writeCheckpoint(ctx context.Context, runID string) error {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	lastCompleted := -1
	var artifacts []string
	for _, s := range steps {
		if domain.StepStatus(s.Status) == domain.StepSucceeded {
			lastCompleted = s.Ordinal
			if s.OutputHash != "" {
				artifacts = append(artifacts, s.OutputHash)
			}
		}
	}
	cp := storage.Checkpoint{
		RunID:                  runID,
		LastCompletedOrdinal:   lastCompleted,
		AccumulatedArtifactIDs: artifacts,
		CreatedAt:              e.now().UTC(),
	}
	return e.store.PutCheckpoint(ctx, cp)
}

// ResumePoint is the result of analyzing a crashed run's persisted state.
type ResumePoint struct {
	ResumeOrdinal  int
	PriorArtifacts map[int]string // ordinal -> output hash
	Reason         string
}

// AnalyzeResumePoint determines where a new worker should continue runID.
// Resume is only legal when the run's status is non-terminal and no live
// RunLock is held by a different worker; the caller (orchestrator) is
// responsible for acquiring the lock before calling this and for checking
// domain.RunStatus(run.Status).Terminal() beforehand.
func (e *Engine) AnalyzeResumePoint(ctx context.Context, runID string) (ResumePoint, error) {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return ResumePoint{}, err
	}
	priorArtifacts := make(map[int]string)
	resumeOrdinal := 0
	for _, s := range steps {
		switch domain.StepStatus(s.Status) {
		case domain.StepSucceeded:
			priorArtifacts[s.Ordinal] = s.OutputHash
			resumeOrdinal = s.Ordinal + 1
		case domain.StepRunning, domain.StepFailedRetryable:
			// An in-flight or retryable step at crash time is re-run, not
			// skipped, since its output was never durably recorded.
			resumeOrdinal = s.Ordinal
			return ResumePoint{ResumeOrdinal: resumeOrdinal, PriorArtifacts: priorArtifacts, Reason: "resume_incomplete_step"}, nil
		}
	}
	return ResumePoint{ResumeOrdinal: resumeOrdinal, PriorArtifacts: priorArtifacts, Reason: "resume_after_last_success"}, nil
}
