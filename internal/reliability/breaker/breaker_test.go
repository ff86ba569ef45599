package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryOpensAfterConsecutiveFailures(t *testing.T) {
	r := New(Config{FailureThreshold: 3, Cooldown: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := r.Do(context.Background(), "svc", func(ctx context.Context) error { return boom })
		if err != boom {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, boom)
		}
	}

	if got := r.State("svc"); got != "open" {
		t.Fatalf("State() = %q, want open", got)
	}

	err := r.Do(context.Background(), "svc", func(ctx context.Context) error {
		t.Fatal("fn should not run while breaker is open")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error from an open breaker")
	}
}

func TestRegistrySeparatesBreakersByName(t *testing.T) {
	r := New(Config{FailureThreshold: 1, Cooldown: time.Hour})
	boom := errors.New("boom")

	_ = r.Do(context.Background(), "a", func(ctx context.Context) error { return boom })
	if got := r.State("a"); got != "open" {
		t.Fatalf("State(a) = %q, want open", got)
	}
	if got := r.State("b"); got != "closed" {
		t.Fatalf("State(b) = %q, want closed (breakers are keyed independently by name)", got)
	}
}

func TestRegistryClosedOnSuccess(t *testing.T) {
	r := New(DefaultConfig)
	called := false
	err := r.Do(context.Background(), "ok", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !called {
		t.Fatal("fn should have been called")
	}
	if got := r.State("ok"); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
}
