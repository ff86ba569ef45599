// Package metrics exposes Prometheus instrumentation for the control plane:
// a promauto.With(registry) factory construction with a gauge/histogram/
// counter split, labeled by run/step/tenant rather than by graph node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram the control plane
// records. Construct once per process with New and share the
// pointer across packages.
type Metrics struct {
	runsInFlight      prometheus.Gauge
	stepLatency       *prometheus.HistogramVec
	stepRetries       *prometheus.CounterVec
	idempotencyHits   *prometheus.CounterVec
	approvalsPending  prometheus.Gauge
	approvalDecisions *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	rateLimitRejects  *prometheus.CounterVec
}

// New constructs and registers every metric against registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "runs_in_flight",
			Help:      "Current number of runs in a non-terminal status",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "controlplane",
			Name:      "step_latency_ms",
			Help:      "Stage execution duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"kind", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "step_retries_total",
			Help:      "Cumulative count of stage retry attempts",
		}, []string{"kind", "reason"}),
		idempotencyHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "idempotency_outcomes_total",
			Help:      "Idempotency guard outcomes by source and result",
		}, []string{"source", "outcome"}),
		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "approvals_pending",
			Help:      "Current number of pending approval records",
		}),
		approvalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "approval_decisions_total",
			Help:      "Approval decisions by capability and outcome",
		}, []string{"capability", "decision"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "breaker_state",
			Help:      "Circuit breaker state by name: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
		rateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter by tenant and tier",
		}, []string{"tenant_id", "tier"}),
	}
}

func (m *Metrics) SetRunsInFlight(n float64) { m.runsInFlight.Set(n) }

func (m *Metrics) ObserveStepLatencyMS(kind, status string, ms float64) {
	m.stepLatency.WithLabelValues(kind, status).Observe(ms)
}

func (m *Metrics) IncStepRetry(kind, reason string) {
	m.stepRetries.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) IncIdempotencyOutcome(source, outcome string) {
	m.idempotencyHits.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SetApprovalsPending(n float64) { m.approvalsPending.Set(n) }

func (m *Metrics) IncApprovalDecision(capability, decision string) {
	m.approvalDecisions.WithLabelValues(capability, decision).Inc()
}

// breakerStateValue maps a breaker.Registry state string to the gauge
// encoding documented on breakerState.
func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (m *Metrics) SetBreakerState(name, state string) {
	m.breakerState.WithLabelValues(name).Set(breakerStateValue(state))
}

func (m *Metrics) IncRateLimitRejection(tenantID, tier string) {
	m.rateLimitRejects.WithLabelValues(tenantID, tier).Inc()
}
