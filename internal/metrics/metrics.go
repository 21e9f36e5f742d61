// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_fetched_total",
			Help: "Total number of collection pages fetched, labeled by collection.",
		},
		[]string{"collection"},
	)

	recordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_inserted_total",
			Help: "Total number of new records stored, labeled by collection.",
		},
		[]string{"collection"},
	)

	syncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_sync_outcomes_total",
			Help: "Total number of entity synchronizations, labeled by collection and status.",
		},
		[]string{"collection", "status"},
	)

	credentialRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_credential_remaining_queries",
			Help: "Last observed remaining quota per credential.",
		},
		[]string{"credential"},
	)

	quotaWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_quota_wait_seconds",
			Help:    "Histogram of sleeps waiting for a credential quota reset.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing an entity.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one fetched page and the number of new rows it produced.
func ObservePage(collection string, inserted int64) {
	pagesFetched.WithLabelValues(collection).Inc()
	recordsInserted.WithLabelValues(collection).Add(float64(inserted))
}

// ObserveOutcome records the terminal status of one entity synchronization.
func ObserveOutcome(collection, status string) {
	syncOutcomes.WithLabelValues(collection, status).Inc()
}

// ObserveQuota records the live remaining quota of a credential.
func ObserveQuota(credential string, remaining int) {
	credentialRemaining.WithLabelValues(credential).Set(float64(remaining))
}

// ObserveQuotaWait records a sleep until a quota reset.
func ObserveQuotaWait(d time.Duration) {
	quotaWaitSeconds.Observe(d.Seconds())
}

// WorkerStarted increments the active workers gauge.
func WorkerStarted() {
	activeWorkers.Inc()
}

// WorkerFinished decrements the active workers gauge.
func WorkerFinished() {
	activeWorkers.Dec()
}
