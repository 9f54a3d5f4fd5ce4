// Package metrics provides Prometheus metrics for the claim lifecycle services.
// All recording helpers are nil-safe so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	StatusTransitions   *prometheus.CounterVec
	OperationFailures   *prometheus.CounterVec
	EDIItems            *prometheus.CounterVec
	SecondaryClaims     *prometheus.CounterVec
	DeadlineAlerts      *prometheus.GaugeVec
	AgingClaims         *prometheus.GaugeVec
	AgingAmount         *prometheus.GaugeVec
	StaleClaims         prometheus.Gauge
	OperationDuration   *prometheus.HistogramVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_status_transitions_total",
			Help: "Applied claim status transitions",
		}, []string{"from", "to", "source"}),
		OperationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_operation_failures_total",
			Help: "Failed claim operations by operation and error kind",
		}, []string{"operation", "kind"}),
		EDIItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_277_items_total",
			Help: "Inbound 277 items by outcome",
		}, []string{"outcome"}),
		SecondaryClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_secondary_generation_total",
			Help: "Secondary claim generation attempts by outcome",
		}, []string{"outcome"}),
		DeadlineAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claim_timely_filing_alerts",
			Help: "Claims near or past their timely filing deadline, by severity",
		}, []string{"severity"}),
		AgingClaims: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claim_aging_claims",
			Help: "Open claims per aging bucket",
		}, []string{"bucket"}),
		AgingAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claim_aging_amount",
			Help: "Open claim charges per aging bucket",
		}, []string{"bucket"}),
		StaleClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claim_stale_claims",
			Help: "Claims without a status change inside the follow-up threshold",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claim_operation_duration_seconds",
			Help:    "Claim operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claim_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearinghouse_circuit_breaker_state",
			Help: "Circuit breaker state per payer (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.StatusTransitions,
		m.OperationFailures,
		m.EDIItems,
		m.SecondaryClaims,
		m.DeadlineAlerts,
		m.AgingClaims,
		m.AgingAmount,
		m.StaleClaims,
		m.OperationDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Transition records an applied status change.
func (m *Metrics) Transition(from, to, source string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to, source).Inc()
}

// Failure records a failed operation.
func (m *Metrics) Failure(operation, kind string) {
	if m == nil {
		return
	}
	m.OperationFailures.WithLabelValues(operation, kind).Inc()
}

// EDIItem records the outcome of one 277 item.
func (m *Metrics) EDIItem(outcome string) {
	if m == nil {
		return
	}
	m.EDIItems.WithLabelValues(outcome).Inc()
}

// Secondary records a secondary generation outcome.
func (m *Metrics) Secondary(outcome string) {
	if m == nil {
		return
	}
	m.SecondaryClaims.WithLabelValues(outcome).Inc()
}

// SetDeadlineAlerts publishes the current alert counts.
func (m *Metrics) SetDeadlineAlerts(critical, warning int) {
	if m == nil {
		return
	}
	m.DeadlineAlerts.WithLabelValues("critical").Set(float64(critical))
	m.DeadlineAlerts.WithLabelValues("warning").Set(float64(warning))
}

// SetAgingBucket publishes one aging bucket.
func (m *Metrics) SetAgingBucket(bucket string, count int, amount float64) {
	if m == nil {
		return
	}
	m.AgingClaims.WithLabelValues(bucket).Set(float64(count))
	m.AgingAmount.WithLabelValues(bucket).Set(amount)
}

// SetStaleClaims publishes the stale claim count.
func (m *Metrics) SetStaleClaims(n int) {
	if m == nil {
		return
	}
	m.StaleClaims.Set(float64(n))
}

// SetBreakerState publishes a breaker state (0 closed, 1 open, 2 half-open).
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveSince records the duration of an operation started at start.
func (m *Metrics) ObserveSince(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
