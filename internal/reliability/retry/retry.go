// Package retry implements exponential backoff with full jitter: delay =
// random(0, base*2^attempt), capped at maxDelay. See DESIGN.md for why this
// deviates from an equal-jitter formula (base*2^attempt + jitter(0, base)).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/runforge/controlplane/internal/apperr"
)

// ErrInvalidPolicy is returned when a Policy fails Validate.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy configures attempt count and backoff shape for one call site.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Validate checks MaxAttempts >= 1 and MaxDelay >= BaseDelay.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Fast, Standard, and Patient are the three named presets.
var (
	Fast     = Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
	Standard = Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	Patient  = Policy{MaxAttempts: 8, BaseDelay: 1 * time.Second, MaxDelay: 2 * time.Minute}
)

// computeBackoff implements full jitter: delay = random(0, base*2^attempt),
// capped at maxDelay. attempt is zero-based (0 = delay before the first
// retry, i.e. after the first failed attempt).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exp := base * (1 << attempt)
	if maxDelay > 0 && exp > maxDelay {
		exp = maxDelay
	}
	if exp <= 0 {
		return 0
	}
	if rng != nil {
		return time.Duration(rng.Int63n(int64(exp)))
	}
	return time.Duration(rand.Int63n(int64(exp))) //nolint:gosec // jitter timing, not security
}

// Classify reports whether err is a transient failure the kernel should
// retry. Only apperr.Error values with Kind Timeout or Transient qualify;
// everything else (including nil) is treated as non-retryable.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// Do runs fn up to policy.MaxAttempts times, sleeping with full-jitter
// backoff between attempts, stopping early on success or on a
// non-transient error. rng may be nil to use the package-level source.
func Do(ctx context.Context, policy Policy, rng *rand.Rand, fn func(ctx context.Context) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, rng)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
