package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TurnsIngested    *prometheus.CounterVec
	DedupHits        prometheus.Counter
	WebhookEvents    *prometheus.CounterVec
	UpstreamAttempts prometheus.Counter
	UpstreamLatency  prometheus.Histogram
	AggregationRuns  *prometheus.CounterVec
	SnapshotAge      prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_ingested_total",
			Help:      "Ingested turns by terminal outcome.",
		}, []string{"outcome"}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Inbound events resolved as duplicates without an upstream call.",
		}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events by type.",
		}, []string{"type"}),
		UpstreamAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Completion API attempts including retries.",
		}),
		UpstreamLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "End-to-end completion latency in milliseconds, retries included.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		AggregationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_runs_total",
			Help:      "Rollup recomputation runs by result.",
		}, []string{"result"}),
		SnapshotAge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_snapshot_age_seconds",
			Help:      "Age of the currently published stats snapshot.",
		}),
	}
}

func (m *Metrics) ObserveUpstreamLatency(d time.Duration) {
	m.UpstreamLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
