// Package metrics exposes Prometheus instrumentation for the gating
// daemon: drop-file intake, gate verdicts, ledger growth, and stage
// latencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FilesSeen      prometheus.Counter
	FilesProcessed prometheus.Counter
	FilesFailed    prometheus.Counter

	WindowsProcessed prometheus.Counter
	Verdicts         *prometheus.CounterVec
	RulesFired       *prometheus.CounterVec

	ChainLength  prometheus.Gauge
	AnomalyScore prometheus.Histogram
	GateDuration prometheus.Histogram
}

// New builds and registers the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		FilesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "aisledger_drop_files_seen_total",
			Help: "Drop-directory files picked up by the watcher.",
		}),
		FilesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "aisledger_drop_files_processed_total",
			Help: "Drop files fully ingested and committed.",
		}),
		FilesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "aisledger_drop_files_failed_total",
			Help: "Drop files that failed to parse or gate.",
		}),
		WindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "aisledger_windows_processed_total",
			Help: "Windows evaluated by the gate.",
		}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aisledger_gate_verdicts_total",
			Help: "Gate verdicts by outcome.",
		}, []string{"verdict"}),
		RulesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aisledger_policy_rules_fired_total",
			Help: "Policy rule firings by rule ID.",
		}, []string{"rule"}),
		ChainLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aisledger_ledger_entries",
			Help: "Entries in the decision ledger.",
		}),
		AnomalyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aisledger_anomaly_score",
			Help:    "Robust anomaly scores of gated windows.",
			Buckets: []float64{0.5, 1, 2, 4, 6, 8, 12, 20, 50},
		}),
		GateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aisledger_gate_duration_seconds",
			Help:    "Wall time to gate one drop file.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return m
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveVerdict records one gated window.
func (m *Metrics) ObserveVerdict(verdict string, firedRules []string, score float64) {
	m.WindowsProcessed.Inc()
	m.Verdicts.WithLabelValues(verdict).Inc()
	m.AnomalyScore.Observe(score)
	for _, rule := range firedRules {
		m.RulesFired.WithLabelValues(rule).Inc()
	}
}
