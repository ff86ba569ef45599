// Package breaker provides a named circuit-breaker registry over
// github.com/sony/gobreaker. kubernaut already depends on gobreaker for this
// exact purpose, so rather than hand-roll the closed/open/half-open state
// machine (which gobreaker already implements correctly, including the
// rolling failure-rate window), this package wires it in as the global
// mutable state this package needs: a process-wide, in-memory registry keyed
// by name, safe to lose on restart.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/runforge/controlplane/internal/apperr"
	"github.com/sony/gobreaker"
)

// Config names the thresholds for one named breaker.
type Config struct {
	FailureThreshold uint32        // consecutive failures before opening
	FailureRatio     float64       // rolling failure rate before opening (0 disables)
	Cooldown         time.Duration // open -> half-open delay
	SampleWindow     time.Duration // window over which FailureRatio is evaluated
}

// DefaultConfig trips a breaker after five consecutive failures and allows a
// half-open probe thirty seconds later.
var DefaultConfig = Config{FailureThreshold: 5, Cooldown: 30 * time.Second, SampleWindow: time.Minute}

// Registry holds one gobreaker.CircuitBreaker per name, created lazily on
// first use with the Config supplied to New.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      Config
}

// New constructs a Registry whose breakers all share cfg. Call sites that
// need distinct thresholds per name should construct separate registries.
func New(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker), cfg: cfg}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if r.cfg.FailureThreshold > 0 && counts.ConsecutiveFailures >= r.cfg.FailureThreshold {
				return true
			}
			if r.cfg.FailureRatio > 0 && counts.Requests >= r.cfg.FailureThreshold {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= r.cfg.FailureRatio
			}
			return false
		},
	}
	if r.cfg.SampleWindow > 0 {
		settings.Interval = r.cfg.SampleWindow
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// Do executes fn through the named breaker, translating gobreaker's
// ErrOpenState into the taxonomy's PolicyDenied kind so the reliability
// kernel does not attempt to retry it as transient.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cb := r.get(name)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Wrap(apperr.PolicyDenied, "circuit_open", "circuit breaker "+name+" is open", err)
	}
	return err
}

// State reports the current state of the named breaker as a string
// ("closed", "open", "half-open") for observability.
func (r *Registry) State(name string) string {
	return r.get(name).State().String()
}
