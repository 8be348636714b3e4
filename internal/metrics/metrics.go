// Package metrics exposes Prometheus collectors for the harvest pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal         *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	inflightFetches      prometheus.Gauge
	cacheLookupsTotal    *prometheus.CounterVec
	resourcesFailedTotal prometheus.Counter
	harvestRunsTotal     *prometheus.CounterVec
	resourcesCachedTotal prometheus.Counter

	once sync.Once
)

// Init registers the Prometheus collectors on the default registry.
// It is safe to call multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetches_total",
				Help: "Total document fetches, labeled by status class.",
			},
			[]string{"status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_fetch_duration_seconds",
				Help:    "Histogram of document fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"status"},
		)

		inflightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_inflight_fetches",
				Help: "Number of fetches currently in flight.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_cache_lookups_total",
				Help: "Cache lookups, labeled by outcome (hit or miss).",
			},
			[]string{"outcome"},
		)

		resourcesFailedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_resources_failed_total",
				Help: "Resources that failed after retries or normalization.",
			},
		)

		resourcesCachedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_resources_cached_total",
				Help: "Normalized resources written to the cache.",
			},
		)

		harvestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_runs_total",
				Help: "Completed harvest runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// StatusClass groups HTTP status codes for fetch metrics.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// FetchStarted marks a fetch entering flight.
func FetchStarted() {
	if inflightFetches != nil {
		inflightFetches.Inc()
	}
}

// FetchFinished records a completed fetch.
func FetchFinished(statusClass string, d time.Duration) {
	if inflightFetches != nil {
		inflightFetches.Dec()
	}
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(statusClass).Inc()
	}
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.WithLabelValues(statusClass).Observe(d.Seconds())
	}
}

// CacheLookup records a cache hit or miss.
func CacheLookup(hit bool) {
	if cacheLookupsTotal == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ResourceFailed records a resource that could not be resolved.
func ResourceFailed() {
	if resourcesFailedTotal != nil {
		resourcesFailedTotal.Inc()
	}
}

// ResourceCached records a cache write.
func ResourceCached() {
	if resourcesCachedTotal != nil {
		resourcesCachedTotal.Inc()
	}
}

// RunCompleted records the terminal outcome of a harvest run.
func RunCompleted(outcome string) {
	if harvestRunsTotal != nil {
		harvestRunsTotal.WithLabelValues(outcome).Inc()
	}
}
