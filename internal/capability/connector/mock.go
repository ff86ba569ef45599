package connector

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Connector for tests: it records every call it
// received and returns a deterministic, incrementing reference.
type Mock struct {
	mu      sync.Mutex
	calls   []string
	counter int
	Err     error
}

func (m *Mock) next(kind string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, kind)
	if m.Err != nil {
		return Result{}, m.Err
	}
	m.counter++
	return Result{Reference: fmt.Sprintf("%s-%d", kind, m.counter)}, nil
}

// Calls returns the ordered list of method names invoked so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Comment(_ context.Context, _ CommentInput) (Result, error) {
	return m.next("comment")
}

func (m *Mock) CreateBranch(_ context.Context, _ BranchInput) (Result, error) {
	return m.next("create_branch")
}

func (m *Mock) PushCommit(_ context.Context, _ CommitInput) (Result, error) {
	return m.next("push_commit")
}

func (m *Mock) OpenPR(_ context.Context, _ PullRequestInput) (Result, error) {
	return m.next("open_pr")
}

func (m *Mock) UpdatePR(_ context.Context, _ int, _ PullRequestInput) (Result, error) {
	return m.next("update_pr")
}

func (m *Mock) Merge(_ context.Context, _ int, _ MergeInput) (Result, error) {
	return m.next("merge")
}

var _ Connector = (*Mock)(nil)
