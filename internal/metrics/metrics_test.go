package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func TestNewWithNilRegistererUsesDefault(t *testing.T) {
	// Registering against the global DefaultRegisterer twice across test runs
	// would panic on duplicate registration, so this only exercises that the
	// nil branch doesn't itself panic or return nil.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("skipping: global registerer already has controlplane metrics registered (%v)", r)
		}
	}()
	m := New(nil)
	if m == nil {
		t.Fatal("New(nil) returned nil")
	}
}

func TestObserveStepLatencyMSRecordsSample(t *testing.T) {
	m := newTestMetrics()
	m.ObserveStepLatencyMS("plan", "succeeded", 42)

	count := testutil.CollectAndCount(m.stepLatency)
	if count != 1 {
		t.Errorf("stepLatency series count = %d, want 1", count)
	}
}

func TestIncStepRetryIncrementsNamedCounter(t *testing.T) {
	m := newTestMetrics()
	m.IncStepRetry("code", "stage_error")
	m.IncStepRetry("code", "stage_error")

	got := testutil.ToFloat64(m.stepRetries.WithLabelValues("code", "stage_error"))
	if got != 2 {
		t.Errorf("step_retries_total{kind=code,reason=stage_error} = %v, want 2", got)
	}
}

func TestIncIdempotencyOutcomeLabelsBySourceAndOutcome(t *testing.T) {
	m := newTestMetrics()
	m.IncIdempotencyOutcome("github", "duplicate")

	got := testutil.ToFloat64(m.idempotencyHits.WithLabelValues("github", "duplicate"))
	if got != 1 {
		t.Errorf("idempotency_outcomes_total{source=github,outcome=duplicate} = %v, want 1", got)
	}
}

func TestIncApprovalDecisionLabelsByCapabilityAndDecision(t *testing.T) {
	m := newTestMetrics()
	m.IncApprovalDecision("merge", "approved")

	got := testutil.ToFloat64(m.approvalDecisions.WithLabelValues("merge", "approved"))
	if got != 1 {
		t.Errorf("approval_decisions_total{capability=merge,decision=approved} = %v, want 1", got)
	}
}

func TestSetBreakerStateEncodesKnownStates(t *testing.T) {
	m := newTestMetrics()
	cases := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"half-open", 1},
		{"open", 2},
		{"unknown-garbage", 0},
	}
	for _, c := range cases {
		m.SetBreakerState("llm:fast", c.state)
		got := testutil.ToFloat64(m.breakerState.WithLabelValues("llm:fast"))
		if got != c.want {
			t.Errorf("SetBreakerState(%q) gauge = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestIncRateLimitRejectionLabelsByTenantAndTier(t *testing.T) {
	m := newTestMetrics()
	m.IncRateLimitRejection("tenant-a", "fast")

	got := testutil.ToFloat64(m.rateLimitRejects.WithLabelValues("tenant-a", "fast"))
	if got != 1 {
		t.Errorf("rate_limit_rejections_total{tenant_id=tenant-a,tier=fast} = %v, want 1", got)
	}
}

func TestSetRunsInFlightAndApprovalsPendingExposeAsGauges(t *testing.T) {
	m := newTestMetrics()
	m.SetRunsInFlight(3)
	m.SetApprovalsPending(5)

	if got := testutil.ToFloat64(m.runsInFlight); got != 3 {
		t.Errorf("runs_in_flight = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.approvalsPending); got != 5 {
		t.Errorf("approvals_pending = %v, want 5", got)
	}
}

func TestMetricNamesCarryControlplaneNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "controlplane_") {
			t.Errorf("metric %q missing controlplane_ namespace prefix", f.GetName())
		}
	}
}
