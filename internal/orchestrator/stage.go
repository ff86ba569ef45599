// Package orchestrator implements the Agent Pipeline Orchestrator: a static
// registry of workflow kinds to ordered stage sequences. The pipeline is a
// closed, fixed shape per workflow kind, so a linear stage-sequence runner
// is enough; it deliberately does not generalize to an arbitrary DAG with
// concurrent frontier scheduling.
package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/runforge/controlplane/internal/capability/llm"
	"github.com/runforge/controlplane/internal/domain"
)

// StageInput is what a stage receives: the run's target, the triggering
// request body, and artifacts produced by prior stages in the sequence,
// addressable by the ordinal of the step that produced them.
type StageInput struct {
	Tenant          domain.Tenant
	Target          domain.Target
	RequestBody     json.RawMessage
	PriorArtifacts  map[int]json.RawMessage
	ComplexityScore float64
}

// StageOutput is a stage's typed, schema-validated result. Artifact is the
// stage's raw artifact bytes (canonical JSON); Mutation is set when the stage
// proposes a change against the target host. The orchestrator routes a
// destructive one through the approval gate before any connector call and
// dispatches a non-destructive one directly.
type StageOutput struct {
	Artifact        json.RawMessage
	ComplexityScore float64
	Mutation        *ProposedMutation
}

// ProposedMutation is a stage's request to apply a capability against the
// target host. CanonicalBytes is hashed by the orchestrator to bind the
// pending approval to these exact bytes.
type ProposedMutation struct {
	Capability     domain.Capability
	CanonicalBytes []byte
}

// Stage is a pure function over typed input/output. Implementations call the
// llm.Capability port and must not touch storage or the network directly —
// side effects (persistence, connector calls) are applied by the
// orchestrator around the stage.
type Stage interface {
	Kind() domain.StepKind
	Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error)
}

// workflowStages is the static registry mapping a workflow kind to its
// ordered stage sequence.
var workflowStages = map[domain.WorkflowKind][]domain.StepKind{
	domain.WorkflowTriage:       {domain.StepTriage},
	domain.WorkflowReview:       {domain.StepTriage, domain.StepReview},
	domain.WorkflowResolve:      {domain.StepTriage, domain.StepResolve, domain.StepReview},
	domain.WorkflowIssueToCode:  {domain.StepTriage, domain.StepPlan, domain.StepCode, domain.StepReview},
	domain.WorkflowAutopilot:    {domain.StepTriage, domain.StepPlan, domain.StepCode, domain.StepReview, domain.StepResolve},
}

// StagesFor returns the ordered stage-kind sequence for kind, or nil if kind
// is not registered.
func StagesFor(kind domain.WorkflowKind) []domain.StepKind {
	seq, ok := workflowStages[kind]
	if !ok {
		return nil
	}
	out := make([]domain.StepKind, len(seq))
	copy(out, seq)
	return out
}
