package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/runforge/controlplane/internal/apperr"
)

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, false},
		{"zero attempts", Policy{MaxAttempts: 0}, true},
		{"max less than base", Policy{MaxAttempts: 1, BaseDelay: 10 * time.Second, MaxDelay: time.Second}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.policy.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", apperr.New(apperr.Transient, "x", "x"), true},
		{"timeout", apperr.New(apperr.Timeout, "x", "x"), true},
		{"permanent", apperr.New(apperr.Permanent, "x", "x"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fast, rand.New(rand.NewSource(1)), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	calls := 0
	permanent := apperr.New(apperr.Permanent, "bad_input", "won't ever succeed")
	err := Do(context.Background(), Fast, rand.New(rand.NewSource(1)), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) && err != permanent {
		t.Errorf("Do() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-transient errors must not be retried)", calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, rand.New(rand.NewSource(1)), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.New(apperr.Transient, "flaky", "not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	transient := apperr.New(apperr.Transient, "flaky", "never succeeds")
	err := Do(context.Background(), policy, rand.New(rand.NewSource(1)), func(ctx context.Context) error {
		calls++
		return transient
	})
	if err != transient {
		t.Errorf("Do() error = %v, want %v", err, transient)
	}
	if calls != policy.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, policy.MaxAttempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, rand.New(rand.NewSource(1)), func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.Transient, "flaky", "not yet")
	})
	if err != context.Canceled {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (should not retry past cancellation)", calls)
	}
}
