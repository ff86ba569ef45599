package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runforge/controlplane/internal/domain"
)

// commitPayload mirrors the code stage's artifact shape (files/message/branch)
// closely enough to decode its CanonicalBytes without importing orchestrator.
type commitPayload struct {
	Files   map[string]string `json:"files"`
	Message string            `json:"message"`
	Branch  string            `json:"branch"`
}

// pullRequestPayload mirrors the resolve stage's artifact shape.
type pullRequestPayload struct {
	PRTitle string `json:"prTitle"`
	PRBody  string `json:"prBody"`
	Merge   bool   `json:"merge"`
}

// branchPayload covers create_branch, which no current stage proposes on its
// own (push_commit implies branch creation) but which Dispatch still honors
// so the full capability surface is reachable.
type branchPayload struct {
	BranchName string `json:"branchName"`
	BaseRef    string `json:"baseRef"`
}

// Dispatch executes a mutation against conn, decoding canonicalBytes the same
// way the proposing stage encoded them. It is called both for non-destructive
// mutations (no approval needed) and for destructive ones once a matching
// approval has been granted.
func Dispatch(ctx context.Context, conn Connector, capability domain.Capability, target domain.Target, canonicalBytes []byte) (Result, error) {
	switch capability {
	case domain.CapabilityComment:
		return conn.Comment(ctx, CommentInput{Target: target, Body: string(canonicalBytes)})

	case domain.CapabilityCreateBranch:
		var p branchPayload
		if err := json.Unmarshal(canonicalBytes, &p); err != nil {
			return Result{}, fmt.Errorf("decode create_branch payload: %w", err)
		}
		return conn.CreateBranch(ctx, BranchInput{Target: target, BranchName: p.BranchName, BaseRef: p.BaseRef})

	case domain.CapabilityPushCommit:
		var p commitPayload
		if err := json.Unmarshal(canonicalBytes, &p); err != nil {
			return Result{}, fmt.Errorf("decode push_commit payload: %w", err)
		}
		files := make(map[string][]byte, len(p.Files))
		for path, content := range p.Files {
			files[path] = []byte(content)
		}
		return conn.PushCommit(ctx, CommitInput{Target: target, BranchName: p.Branch, Message: p.Message, Files: files})

	case domain.CapabilityOpenPR:
		var p pullRequestPayload
		if err := json.Unmarshal(canonicalBytes, &p); err != nil {
			return Result{}, fmt.Errorf("decode open_pr payload: %w", err)
		}
		return conn.OpenPR(ctx, PullRequestInput{Target: target, Title: p.PRTitle, Body: p.PRBody})

	case domain.CapabilityUpdatePR:
		var p pullRequestPayload
		if err := json.Unmarshal(canonicalBytes, &p); err != nil {
			return Result{}, fmt.Errorf("decode update_pr payload: %w", err)
		}
		return conn.UpdatePR(ctx, target.PRNumber, PullRequestInput{Target: target, Title: p.PRTitle, Body: p.PRBody})

	case domain.CapabilityMerge:
		return conn.Merge(ctx, target.PRNumber, MergeInput{Target: target, Method: "merge"})

	default:
		return Result{}, fmt.Errorf("dispatch: unknown capability %q", capability)
	}
}
