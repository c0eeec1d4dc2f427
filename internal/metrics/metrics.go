// Package metrics holds the instance-local Prometheus registry. Nothing
// here touches the global default registry: every process builds its own
// set and exposes it on the unauthenticated /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments for the QA engine.
type Metrics struct {
	registry *prometheus.Registry

	// Dependency wrapper events: success, failure, timeout, client_error, circuit_open
	DependencyCalls    *prometheus.CounterVec
	DependencyDuration *prometheus.HistogramVec

	// Incident lifecycle
	IncidentsCreated  *prometheus.CounterVec // labels: category, severity
	IncidentsDeduped  prometheus.Counter
	RetryAttempts     *prometheus.CounterVec // labels: result (success, fail, exhausted)
	RecomputeResults  *prometheus.CounterVec // labels: outcome (resolved, unchanged, reclassified, limited)
	QueueDepth        prometheus.Gauge
	StuckIncidents    prometheus.Gauge

	// Market price admin plane
	PriceUpserts   *prometheus.CounterVec // labels: action (created, updated, unchanged, rejected)
	ImportRows     *prometheus.CounterVec // labels: outcome (accepted, rejected)
	LegacyListHits prometheus.Counter

	// Drift alerts fired by the health reporter
	DriftAlerts *prometheus.CounterVec // labels: type
}

// New builds a fresh registry with all instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DependencyCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_dependency_calls_total",
			Help: "Outbound dependency call outcomes by event type",
		}, []string{"dependency", "event"}),
		DependencyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceqa_dependency_duration_seconds",
			Help:    "Duration of wrapped dependency calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"dependency"}),
		IncidentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_incidents_created_total",
			Help: "Incidents materialized from quality flags",
		}, []string{"category", "severity"}),
		IncidentsDeduped: f.NewCounter(prometheus.CounterOpts{
			Name: "invoiceqa_incidents_deduped_total",
			Help: "Quality defects folded into an existing incident inside the dedupe window",
		}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_retry_attempts_total",
			Help: "Retry executor attempt outcomes",
		}, []string{"result"}),
		RecomputeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_recompute_results_total",
			Help: "Recompute service outcomes",
		}, []string{"outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoiceqa_retry_queue_depth",
			Help: "Incidents currently eligible for retry",
		}),
		StuckIncidents: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoiceqa_stuck_incidents",
			Help: "Incidents stuck in PENDING_RECOMPUTE past the stuck threshold",
		}),
		PriceUpserts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_price_upserts_total",
			Help: "Market price upsert outcomes",
		}, []string{"action"}),
		ImportRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_import_rows_total",
			Help: "Bulk import row outcomes",
		}, []string{"outcome"}),
		LegacyListHits: f.NewCounter(prometheus.CounterOpts{
			Name: "invoiceqa_legacy_list_hits_total",
			Help: "Requests served by the deprecated non-paginated market price listing",
		}),
		DriftAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceqa_drift_alerts_total",
			Help: "Triple-guard drift alerts fired",
		}, []string{"type"}),
	}
}

// Handler serves the text exposition format from this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
