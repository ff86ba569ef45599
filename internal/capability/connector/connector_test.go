package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/runforge/controlplane/internal/domain"
)

func TestMockRecordsCallsInOrder(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()
	target := domain.Target{Repository: "acme/widget"}

	if _, err := m.Comment(ctx, CommentInput{Target: target, Body: "hi"}); err != nil {
		t.Fatalf("Comment() error = %v", err)
	}
	if _, err := m.CreateBranch(ctx, BranchInput{Target: target, BranchName: "fix"}); err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}

	calls := m.Calls()
	if len(calls) != 2 || calls[0] != "comment" || calls[1] != "create_branch" {
		t.Errorf("Calls() = %v, want [comment create_branch]", calls)
	}
}

func TestMockResultsGetIncrementingReferences(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	r1, err := m.PushCommit(ctx, CommitInput{})
	if err != nil {
		t.Fatalf("PushCommit() error = %v", err)
	}
	r2, err := m.PushCommit(ctx, CommitInput{})
	if err != nil {
		t.Fatalf("PushCommit() error = %v", err)
	}
	if r1.Reference == r2.Reference {
		t.Errorf("references should be distinct, got %q twice", r1.Reference)
	}
}

func TestMockReturnsConfiguredError(t *testing.T) {
	boom := errors.New("host unreachable")
	m := &Mock{Err: boom}
	_, err := m.Merge(context.Background(), 1, MergeInput{})
	if err != boom {
		t.Errorf("Merge() error = %v, want %v", err, boom)
	}
}
