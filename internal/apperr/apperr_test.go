package apperr

import (
	"errors"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{Timeout, true},
		{Transient, true},
		{Validation, false},
		{PolicyDenied, false},
		{Permanent, false},
		{Internal, false},
	}
	for _, c := range cases {
		if got := c.kind.Retryable(); got != c.want {
			t.Errorf("Kind(%q).Retryable() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := New(Validation, "missing_field", "target is required")
	if got, want := err.Error(), "missing_field: target is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, "upstream_unreachable", "could not reach model provider", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatal("errors.As should recover the *Error")
	}
	if !ae.Retryable() {
		t.Error("a Transient-kind error should be retryable")
	}
}
