// Package connector defines the outbound version-control host port. Instead
// of one open-ended Call(name, input map) dispatch, the capability set is
// closed and typed — one method per domain.Capability — since the gate
// needs to reason about exactly six operations, not an arbitrary tool
// vocabulary.
package connector

import (
	"context"

	"github.com/runforge/controlplane/internal/domain"
)

// CommentInput targets a comment at an issue or pull request.
type CommentInput struct {
	Target domain.Target
	Body   string
}

// BranchInput describes a branch to create from a base ref.
type BranchInput struct {
	Target     domain.Target
	BranchName string
	BaseRef    string
}

// CommitInput is a single commit of file changes to push to a branch.
type CommitInput struct {
	Target     domain.Target
	BranchName string
	Message    string
	Files      map[string][]byte
}

// PullRequestInput opens or updates a pull request.
type PullRequestInput struct {
	Target       domain.Target
	Title        string
	Body         string
	HeadBranch   string
	BaseBranch   string
}

// MergeInput merges a pull request by number.
type MergeInput struct {
	Target domain.Target
	Method string // merge, squash, rebase
}

// Result is the host's acknowledgement of an applied mutation: an opaque
// reference (commit SHA, PR number, comment id) the caller can record on the
// Step and surface to the audit chain.
type Result struct {
	Reference string
}

// Connector is the closed set of operations the orchestrator may apply
// against a version-control host. Every destructive method here is only
// ever called after the approval gate has unblocked the corresponding
// capability for the run.
type Connector interface {
	Comment(ctx context.Context, in CommentInput) (Result, error)
	CreateBranch(ctx context.Context, in BranchInput) (Result, error)
	PushCommit(ctx context.Context, in CommitInput) (Result, error)
	OpenPR(ctx context.Context, in PullRequestInput) (Result, error)
	UpdatePR(ctx context.Context, prNumber int, in PullRequestInput) (Result, error)
	Merge(ctx context.Context, prNumber int, in MergeInput) (Result, error)
}
