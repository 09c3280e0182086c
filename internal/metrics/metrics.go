// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fanpulse"

// Metrics holds every collector registered by the process.
type Metrics struct {
	registry *prometheus.Registry

	betsPlaced         *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	settlementDuration prometheus.Histogram
	claims             *prometheus.CounterVec
	distributions      *prometheus.CounterVec
	schedulerErrors    *prometheus.CounterVec
	rankingRuns        *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		betsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_placed_total",
			Help:      "Bet placement attempts by result.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Market settlements by kind (settled, refunded, duplicate, error).",
		}, []string{"kind"}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time spent inside the settlement transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Milestone claim attempts by result.",
		}, []string{"result"}),
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributions_total",
			Help:      "Payment executor transfers by kind and result.",
		}, []string{"kind", "result"}),
		schedulerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_errors_total",
			Help:      "Scheduler tasks that exhausted their retries.",
		}, []string{"stage"}),
		rankingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranking_runs_total",
			Help:      "Daily ranking runs by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.betsPlaced,
		m.settlements,
		m.settlementDuration,
		m.claims,
		m.distributions,
		m.schedulerErrors,
		m.rankingRuns,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BetPlaced counts a bet attempt by result (ok, or the failure class).
func (m *Metrics) BetPlaced(result string) {
	if m == nil {
		return
	}
	m.betsPlaced.WithLabelValues(result).Inc()
}

// Settlement counts a settled or refunded market and observes how long the
// settlement transaction took. A zero duration is not observed.
func (m *Metrics) Settlement(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
	if took > 0 {
		m.settlementDuration.Observe(took.Seconds())
	}
}

// Claim counts a milestone claim attempt by result.
func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// Distribution counts a reward transfer by transfer kind and
// result.
func (m *Metrics) Distribution(kind, result string) {
	if m == nil {
		return
	}
	m.distributions.WithLabelValues(kind, result).Inc()
}

// SchedulerError counts a settlement task that exhausted its retries, by
// stage.
func (m *Metrics) SchedulerError(stage string) {
	if m == nil {
		return
	}
	m.schedulerErrors.WithLabelValues(stage).Inc()
}

// RankingRun counts a daily ranking run by result.
func (m *Metrics) RankingRun(result string) {
	if m == nil {
		return
	}
	m.rankingRuns.WithLabelValues(result).Inc()
}
