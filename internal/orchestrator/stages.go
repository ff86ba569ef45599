package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runforge/controlplane/internal/apperr"
	"github.com/runforge/controlplane/internal/capability/llm"
	"github.com/runforge/controlplane/internal/domain"
)

// complete sends a single system+user turn through model and classifies a
// non-JSON response as a transient failure so the retry budget applies to
// it before the orchestrator gives up and marks the step
// capability_output_invalid.
func complete(ctx context.Context, model llm.Capability, tier llm.ModelTier, system, user string, out any) error {
	resp, err := model.Complete(ctx, llm.Request{
		Tier: tier,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	})
	if err != nil {
		return err
	}
	if jsonErr := json.Unmarshal([]byte(resp.Text), out); jsonErr != nil {
		return apperr.Wrap(apperr.Transient, "capability_output_invalid", "model response was not parseable JSON", jsonErr)
	}
	return nil
}

// TriageResult is the triage stage's artifact: a complexity estimate that
// feeds model-tier selection for every downstream stage.
type TriageResult struct {
	Summary         string   `json:"summary"`
	ComplexityScore float64  `json:"complexityScore"`
	Labels          []string `json:"labels"`
}

// TriageStage classifies an inbound request's complexity and intent.
type TriageStage struct{}

func (TriageStage) Kind() domain.StepKind { return domain.StepTriage }

func (TriageStage) Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error) {
	var result TriageResult
	system := "You triage incoming code-change requests. Reply with JSON: {\"summary\":string,\"complexityScore\":number 0-1,\"labels\":[string]}."
	user := fmt.Sprintf("Repository: %s\nRequest: %s", in.Target.Repository, string(in.RequestBody))
	if err := complete(ctx, model, tier, system, user, &result); err != nil {
		return StageOutput{}, err
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{Artifact: artifact, ComplexityScore: result.ComplexityScore}, nil
}

// PlanResult is the plan stage's artifact: an ordered list of intended edits.
type PlanResult struct {
	Steps []string `json:"steps"`
}

// PlanStage drafts an implementation plan from the triage artifact.
type PlanStage struct{}

func (PlanStage) Kind() domain.StepKind { return domain.StepPlan }

func (PlanStage) Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error) {
	var result PlanResult
	system := "You draft an implementation plan. Reply with JSON: {\"steps\":[string]}."
	user := fmt.Sprintf("Repository: %s\nTriage: %s", in.Target.Repository, triageArtifact(in))
	if err := complete(ctx, model, tier, system, user, &result); err != nil {
		return StageOutput{}, err
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{Artifact: artifact}, nil
}

// CodeResult is the code stage's artifact: a set of file contents to commit
// and the commit message the push_commit mutation will carry.
type CodeResult struct {
	Files   map[string]string `json:"files"`
	Message string            `json:"message"`
	Branch  string            `json:"branch"`
}

// CodeStage produces file changes and proposes a push_commit mutation,
// which the orchestrator routes through the approval gate since push_commit
// is destructive.
type CodeStage struct{}

func (CodeStage) Kind() domain.StepKind { return domain.StepCode }

func (CodeStage) Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error) {
	var result CodeResult
	system := "You write code changes. Reply with JSON: {\"files\":{path:content},\"message\":string,\"branch\":string}."
	user := fmt.Sprintf("Repository: %s\nPlan: %s", in.Target.Repository, planArtifact(in))
	if err := complete(ctx, model, tier, system, user, &result); err != nil {
		return StageOutput{}, err
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{
		Artifact: artifact,
		Mutation: &ProposedMutation{Capability: domain.CapabilityPushCommit, CanonicalBytes: artifact},
	}, nil
}

// ReviewResult is the review stage's artifact: a verdict and the review
// comment body that, when non-empty, is posted via the non-destructive
// comment capability (no approval gate, since comment is not destructive).
type ReviewResult struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// ReviewStage assesses the accumulated artifacts and proposes a comment.
type ReviewStage struct{}

func (ReviewStage) Kind() domain.StepKind { return domain.StepReview }

func (ReviewStage) Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error) {
	var result ReviewResult
	system := "You review a proposed change. Reply with JSON: {\"approved\":bool,\"comment\":string}."
	user := fmt.Sprintf("Repository: %s\nArtifacts: %v", in.Target.Repository, in.PriorArtifacts)
	if err := complete(ctx, model, tier, system, user, &result); err != nil {
		return StageOutput{}, err
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		return StageOutput{}, err
	}
	out := StageOutput{Artifact: artifact}
	if result.Comment != "" {
		out.Mutation = &ProposedMutation{Capability: domain.CapabilityComment, CanonicalBytes: []byte(result.Comment)}
	}
	return out, nil
}

// ResolveResult is the resolve stage's artifact: the pull request body and
// merge intent for a human-approval-gated terminal action.
type ResolveResult struct {
	PRTitle string `json:"prTitle"`
	PRBody  string `json:"prBody"`
	Merge   bool   `json:"merge"`
}

// ResolveStage proposes opening (and optionally merging) a pull request.
type ResolveStage struct{}

func (ResolveStage) Kind() domain.StepKind { return domain.StepResolve }

func (ResolveStage) Run(ctx context.Context, model llm.Capability, tier llm.ModelTier, in StageInput) (StageOutput, error) {
	var result ResolveResult
	system := "You prepare a pull request for a resolved change. Reply with JSON: {\"prTitle\":string,\"prBody\":string,\"merge\":bool}."
	user := fmt.Sprintf("Repository: %s\nArtifacts: %v", in.Target.Repository, in.PriorArtifacts)
	if err := complete(ctx, model, tier, system, user, &result); err != nil {
		return StageOutput{}, err
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		return StageOutput{}, err
	}
	capability := domain.CapabilityOpenPR
	if result.Merge {
		capability = domain.CapabilityMerge
	}
	return StageOutput{
		Artifact: artifact,
		Mutation: &ProposedMutation{Capability: capability, CanonicalBytes: artifact},
	}, nil
}

// triageArtifact returns the lowest-ordinal prior artifact; triage is the
// first stage of every workflow sequence.
func triageArtifact(in StageInput) string {
	best := -1
	for ord := range in.PriorArtifacts {
		if best == -1 || ord < best {
			best = ord
		}
	}
	if best == -1 {
		return ""
	}
	return string(in.PriorArtifacts[best])
}

// planArtifact returns the highest-ordinal prior artifact; the plan stage
// directly precedes the code stage in every sequence that has both.
func planArtifact(in StageInput) string {
	best := -1
	for ord := range in.PriorArtifacts {
		if ord > best {
			best = ord
		}
	}
	if best == -1 {
		return ""
	}
	return string(in.PriorArtifacts[best])
}

// DefaultRegistry returns the stage registry covering every stage kind
// referenced by workflowStages.
func DefaultRegistry() Registry {
	return Registry{
		domain.StepTriage:  TriageStage{},
		domain.StepPlan:    PlanStage{},
		domain.StepCode:    CodeStage{},
		domain.StepReview:  ReviewStage{},
		domain.StepResolve: ResolveStage{},
	}
}
