// Package metrics holds the Prometheus collectors shared by pipeline stages.
// Every method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "traffic"

// Outcomes recorded against a stage.
const (
	OutcomeOK      = "ok"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds Prometheus metrics for pipeline observability.
type Metrics struct {
	Messages      *prometheus.CounterVec   // stage, outcome
	StageDuration *prometheus.HistogramVec // stage
	Alerts        *prometheus.CounterVec   // severity
	Lookups       *prometheus.CounterVec   // dimension, status
	CacheOps      *prometheus.CounterVec   // op, result
	BreakerState  *prometheus.GaugeVec     // breaker
	InFlight      *prometheus.GaugeVec     // stage
	Effectiveness *prometheus.GaugeVec     // category
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_messages_total",
			Help:      "Messages handled per stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent handling one message per stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Congestion alerts published by severity",
		}, []string{"severity"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_lookups_total",
			Help:      "Context dimension lookups by resolution status",
		}, []string{"dimension", "status"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ops_total",
			Help:      "Shared cache operations",
		}, []string{"op", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_in_flight",
			Help:      "Messages currently being processed per stage",
		}, []string{"stage"}),
		Effectiveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "action_effectiveness",
			Help:      "Decayed average measured improvement per action category",
		}, []string{"category"}),
	}
	reg.MustRegister(m.Messages, m.StageDuration, m.Alerts, m.Lookups,
		m.CacheOps, m.BreakerState, m.InFlight, m.Effectiveness)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Observe records one message outcome and its duration for stage.
func (m *Metrics) Observe(stage, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Begin marks a message in flight; the returned func ends it.
func (m *Metrics) Begin(stage string) func() {
	if m == nil {
		return func() {}
	}
	g := m.InFlight.WithLabelValues(stage)
	g.Inc()
	return g.Dec
}

func (m *Metrics) Alert(severity string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(severity).Inc()
}

func (m *Metrics) Lookup(dimension, status string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(dimension, status).Inc()
}

func (m *Metrics) Cache(op, result string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Breaker(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) SetEffectiveness(category string, v float64) {
	if m == nil {
		return
	}
	m.Effectiveness.WithLabelValues(category).Set(v)
}
