package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/approval"
	"github.com/runforge/controlplane/internal/capability/connector"
	"github.com/runforge/controlplane/internal/capability/llm"
	"github.com/runforge/controlplane/internal/domain"
	"github.com/runforge/controlplane/internal/idempotency"
	"github.com/runforge/controlplane/internal/metrics"
	"github.com/runforge/controlplane/internal/reliability/breaker"
	"github.com/runforge/controlplane/internal/reliability/ratelimit"
	"github.com/runforge/controlplane/internal/reliability/retry"
	"github.com/runforge/controlplane/internal/run"
	"github.com/runforge/controlplane/internal/storage"
)

// Registry resolves a StepKind to its Stage implementation.
type Registry map[domain.StepKind]Stage

// Orchestrator drives a Run's stage sequence end to end: it resolves which
// stages to execute from the workflow kind, calls each stage with the model
// tier selected for it, writes the resulting Step, and — when a stage
// proposes a destructive mutation — hands off to the approval gate instead of
// executing the mutation directly (a non-destructive one is dispatched through
// the connector right away). Every model call is admitted by the rate limiter,
// retried per policy, and run through the circuit breaker for its tier, in
// that fixed order: a rejection at the gate never burns a retry attempt, and
// a breaker trip on one attempt doesn't re-spend rate-limit budget on the
// next.
type Orchestrator struct {
	engine   *run.Engine
	gate     *approval.Gate
	stages   Registry
	models   map[llm.ModelTier]llm.Capability
	policy   retry.Policy
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	locks    *idempotency.LockManager
	conn     connector.Connector
	now      func() time.Time
}

// New constructs an Orchestrator. models maps each tier to the capability
// implementation that serves it; stages must cover every StepKind named in
// StagesFor for any workflow kind this deployment executes. limiter,
// breakers, locks, conn, and m may be nil to disable that leg of the call
// composition (useful in tests); now defaults to time.Now. locks serializes
// concurrent Advance calls for the same run behind the RunLock; conn
// dispatches non-destructive mutations immediately (destructive ones are
// dispatched by the approval gate once granted).
func New(engine *run.Engine, gate *approval.Gate, stages Registry, models map[llm.ModelTier]llm.Capability, policy retry.Policy, limiter *ratelimit.Limiter, breakers *breaker.Registry, m *metrics.Metrics, locks *idempotency.LockManager, conn connector.Connector, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{engine: engine, gate: gate, stages: stages, models: models, policy: policy, limiter: limiter, breakers: breakers, metrics: m, locks: locks, conn: conn, now: now}
}

func inputHash(in StageInput) string {
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Advance runs every not-yet-completed stage of runID's workflow kind in
// order, stopping at the first stage that requires approval or fails
// terminally. It is safe to call repeatedly: a stage kind that already has a
// succeeded step with a recorded artifact is not re-run, and a stage whose prior
// attempt is missing an artifact at resume is re-executed rather than
// treated as a failure.
func (o *Orchestrator) Advance(ctx context.Context, tenant domain.Tenant, runID string, kind domain.WorkflowKind, target domain.Target, requestBody json.RawMessage) (storage.Run, error) {
	r, err := o.engine.GetRun(ctx, tenant.ID, runID)
	if err != nil {
		return storage.Run{}, err
	}
	if status := domain.RunStatus(r.Status); status.Terminal() || status == domain.RunAwaitingApproval {
		return r, nil
	}

	if o.locks != nil {
		holder := "orchestrator-" + uuid.NewString()
		ok, lerr := o.locks.Acquire(ctx, runID, holder)
		if lerr != nil {
			return storage.Run{}, fmt.Errorf("acquire run lock: %w", lerr)
		}
		if !ok {
			return storage.Run{}, apperr.New(apperr.LockConflict, "run_locked", "run "+runID+" is locked by another worker")
		}
		defer func() { _ = o.locks.Release(ctx, runID, holder) }()
	}

	sequence := StagesFor(kind)
	if sequence == nil {
		return storage.Run{}, apperr.New(apperr.Validation, "unknown_workflow_kind", "no stage sequence registered for "+string(kind))
	}

	steps, err := o.engine.ListSteps(ctx, runID)
	if err != nil {
		return storage.Run{}, err
	}
	completed := make(map[domain.StepKind]json.RawMessage, len(steps))
	priorArtifacts := make(map[int]json.RawMessage, len(steps))
	var complexity float64
	for _, s := range steps {
		if domain.StepStatus(s.Status) == domain.StepSucceeded && len(s.OutputBlob) > 0 {
			completed[domain.StepKind(s.Kind)] = s.OutputBlob
			priorArtifacts[s.Ordinal] = s.OutputBlob
			if domain.StepKind(s.Kind) == domain.StepTriage {
				var tr TriageResult
				if json.Unmarshal(s.OutputBlob, &tr) == nil {
					complexity = tr.ComplexityScore
				}
			}
		}
	}

	for _, kind := range sequence {
		if _, ok := completed[kind]; ok {
			continue
		}

		stage, ok := o.stages[kind]
		if !ok {
			return storage.Run{}, apperr.New(apperr.Internal, "stage_not_registered", "no stage implementation for "+string(kind))
		}

		in := StageInput{Tenant: tenant, Target: target, RequestBody: requestBody, PriorArtifacts: priorArtifacts, ComplexityScore: complexity}
		step, err := o.engine.AppendStep(ctx, tenant.ID, runID, kind, inputHash(in))
		if err != nil {
			return storage.Run{}, err
		}
		if _, err := o.engine.UpdateStepStatus(ctx, step.ID, domain.StepRunning, "", nil, nil); err != nil {
			return storage.Run{}, err
		}

		tier := llm.SelectTier(string(kind), in.ComplexityScore)
		if _, err := o.engine.SetStepModelTier(ctx, step.ID, string(tier), "selected from stage kind and complexity score"); err != nil {
			return storage.Run{}, err
		}
		model := o.models[tier]
		if model == nil {
			return storage.Run{}, apperr.New(apperr.Internal, "model_not_configured", "no model configured for tier "+string(tier))
		}

		if o.limiter != nil {
			decision, lerr := o.limiter.Allow(ctx, tenant.ID, o.now())
			if lerr != nil {
				return storage.Run{}, lerr
			}
			if !decision.Admitted {
				if o.metrics != nil {
					o.metrics.IncRateLimitRejection(tenant.ID, string(tier))
				}
				appErr := apperr.New(apperr.PolicyDenied, "rate_limited", "tenant or global request rate exceeded")
				if _, serr := o.engine.UpdateStepStatus(ctx, step.ID, domain.StepFailedRetryable, "", nil, appErr); serr != nil {
					return storage.Run{}, serr
				}
				return storage.Run{}, appErr
			}
		}

		breakerName := "llm:" + string(tier)
		started := o.now()
		attempts := 0
		var out StageOutput
		runErr := retry.Do(ctx, o.policy, nil, func(ctx context.Context) error {
			attempts++
			call := func(ctx context.Context) error {
				var stageErr error
				out, stageErr = stage.Run(ctx, model, tier, in)
				return stageErr
			}
			if o.breakers != nil {
				err := o.breakers.Do(ctx, breakerName, call)
				if o.metrics != nil {
					o.metrics.SetBreakerState(breakerName, o.breakers.State(breakerName))
				}
				return err
			}
			return call(ctx)
		})
		if o.metrics != nil {
			if attempts > 1 {
				o.metrics.IncStepRetry(string(kind), "stage_error")
			}
			status := "succeeded"
			if runErr != nil {
				status = "failed"
			}
			o.metrics.ObserveStepLatencyMS(string(kind), status, float64(o.now().Sub(started).Milliseconds()))
		}
		if runErr != nil {
			var appErr *apperr.Error
			if !errors.As(runErr, &appErr) {
				appErr = apperr.New(apperr.Permanent, "capability_output_invalid", runErr.Error())
			}
			if _, serr := o.engine.UpdateStepStatus(ctx, step.ID, domain.StepFailedTerminal, "", nil, appErr); serr != nil {
				return storage.Run{}, serr
			}
			if _, serr := o.engine.TransitionRun(ctx, tenant.ID, runID, domain.RunFailed, appErr.Code); serr != nil {
				return storage.Run{}, serr
			}
			return o.engine.GetRun(ctx, tenant.ID, runID)
		}

		outputHash := inputHash(StageInput{RequestBody: out.Artifact})
		step, err = o.engine.UpdateStepStatus(ctx, step.ID, domain.StepSucceeded, outputHash, out.Artifact, nil)
		if err != nil {
			return storage.Run{}, err
		}
		priorArtifacts[step.Ordinal] = out.Artifact
		completed[kind] = out.Artifact
		if kind == domain.StepTriage {
			complexity = out.ComplexityScore
		}

		if out.Mutation != nil {
			if out.Mutation.Capability.Destructive() {
				if _, err := o.gate.RequestApproval(ctx, tenant.ID, runID, out.Mutation.Capability, target, out.Mutation.CanonicalBytes); err != nil {
					return storage.Run{}, fmt.Errorf("request approval: %w", err)
				}
				return o.engine.TransitionRun(ctx, tenant.ID, runID, domain.RunAwaitingApproval, "destructive_mutation_pending_approval")
			}
			if o.conn != nil {
				if _, err := connector.Dispatch(ctx, o.conn, out.Mutation.Capability, target, out.Mutation.CanonicalBytes); err != nil {
					return storage.Run{}, fmt.Errorf("dispatch mutation: %w", err)
				}
			}
		}
	}

	return o.engine.TransitionRun(ctx, tenant.ID, runID, domain.RunCompleted, "pipeline_complete")
}
