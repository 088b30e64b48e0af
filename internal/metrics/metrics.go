// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	governorWaitSeconds        prometheus.Histogram
	attemptsInFlight           prometheus.Gauge
	attemptsTotal              *prometheus.CounterVec
	itemsSavedTotal            prometheus.Counter
	trackingsByStatus          *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidcrawl_fetches_total",
				Help: "Total page fetches, labeled by fetch mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bidcrawl_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by fetch mode.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 25},
			},
			[]string{"mode"},
		)

		governorWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bidcrawl_governor_wait_seconds",
				Help:    "Histogram of time spent waiting for a rate or concurrency slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		attemptsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bidcrawl_attempts_in_flight",
				Help: "Number of crawl attempts currently executing.",
			},
		)

		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidcrawl_attempts_total",
				Help: "Total crawl attempts, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		itemsSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bidcrawl_items_saved_total",
				Help: "Total auction items persisted to the sink.",
			},
		)

		trackingsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bidcrawl_trackings",
				Help: "Number of tracking records, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch with its outcome and latency.
func ObserveFetch(mode, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(mode, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveGovernorWait records the duration of a governor acquire wait.
func ObserveGovernorWait(duration time.Duration) {
	governorWaitSeconds.Observe(duration.Seconds())
}

// IncAttemptsInFlight increments the in-flight attempts gauge.
func IncAttemptsInFlight() {
	attemptsInFlight.Inc()
}

// DecAttemptsInFlight decrements the in-flight attempts gauge.
func DecAttemptsInFlight() {
	attemptsInFlight.Dec()
}

// ObserveAttempt counts a finished attempt by its verdict.
func ObserveAttempt(verdict string) {
	attemptsTotal.WithLabelValues(verdict).Inc()
}

// AddItemsSaved counts persisted auction items.
func AddItemsSaved(n int) {
	if n > 0 {
		itemsSavedTotal.Add(float64(n))
	}
}

// SetTrackings sets the tracking gauge for one status.
func SetTrackings(status string, n int) {
	trackingsByStatus.WithLabelValues(status).Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
