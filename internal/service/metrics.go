package service

import (
	"net/http"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation counters. Each instance owns its registry
// so tests and multiple apps in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         prometheus.Histogram
	discrepanciesTotal  *prometheus.CounterVec
	repairsTotal        *prometheus.CounterVec
	ledgerFailuresTotal prometheus.Counter
	sideEffectFailures  *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_runs_total",
				Help: "Reconciliation runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciliation_run_duration_seconds",
				Help:    "Wall time of reconciliation runs",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		discrepanciesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_discrepancies_total",
				Help: "Discrepancies detected by kind",
			},
			[]string{"kind"},
		),
		repairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_repairs_total",
				Help: "Repair outcomes by kind",
			},
			[]string{"kind", "outcome"},
		),
		ledgerFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciliation_ledger_failures_total",
				Help: "Runs aborted because the ledger was unavailable",
			},
		),
		sideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_side_effect_failures_total",
				Help: "Cache invalidation and notification failures",
			},
			[]string{"target"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Operator API requests",
			},
			[]string{"method", "route", "status_code"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal,
		m.runDuration,
		m.discrepanciesTotal,
		m.repairsTotal,
		m.ledgerFailuresTotal,
		m.sideEffectFailures,
		m.httpRequestsTotal,
	)
	return m
}

func (m *Metrics) RecordRun(status entity.RunStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(duration.Seconds())
	if status == entity.RunStatusLedgerFailed {
		m.ledgerFailuresTotal.Inc()
	}
}

func (m *Metrics) RecordDiscrepancies(discrepancies []entity.Discrepancy) {
	if m == nil {
		return
	}
	for _, d := range discrepancies {
		m.discrepanciesTotal.WithLabelValues(string(d.Kind)).Inc()
	}
}

func (m *Metrics) RecordRepair(kind entity.DiscrepancyKind, outcome entity.RepairOutcome) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) RecordSideEffectFailure(target string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, statusCode string) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
