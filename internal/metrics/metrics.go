// Package metrics provides Prometheus metrics for the session sweeper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	SessionsTotal   *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LastCandidates  prometheus.Gauge
	RequestsTotal   *prometheus.CounterVec
	RetentionPurged prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_runs_total",
				Help: "Total number of sweep runs by result.",
			},
			[]string{"result"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_sessions_total",
				Help: "Total number of stale sessions handled by outcome.",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sweeper_run_duration_seconds",
				Help:    "Sweep run duration.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		LastCandidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sweeper_last_candidates",
				Help: "Number of stale candidates seen by the most recent run.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mgmt_requests_total",
				Help: "Total management API requests by route and status.",
			},
			[]string{"route", "status"},
		),
		RetentionPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_retention_purged_total",
				Help: "Audit entries removed by retention.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.RunDuration)
	reg.MustRegister(m.LastCandidates)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RetentionPurged)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSession increments the per-session outcome counter.
func (m *Metrics) RecordSession(outcome string) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(result string, duration time.Duration, candidates int) {
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(duration.Seconds())
	m.LastCandidates.Set(float64(candidates))
}

// RecordRequest increments the management request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// RecordRetention adds purged audit rows.
func (m *Metrics) RecordRetention(purged int64) {
	m.RetentionPurged.Add(float64(purged))
}
