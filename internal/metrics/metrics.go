// Package metrics exposes Prometheus collectors for the service.
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
	jobsTotal                  *prometheus.CounterVec
	jobsActive                 prometheus.Gauge
	jobDurationSeconds         *prometheus.HistogramVec
	providerRequestsTotal      *prometheus.CounterVec
	providerLatencySeconds     *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	pagesFetchedTotal          *prometheus.CounterVec
	eventsPublishedTotal       *prometheus.CounterVec
	eventsDroppedTotal         prometheus.Counter
	sseSubscribers             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loreforge_jobs_total",
				Help: "Total number of jobs finished, labeled by task and final status.",
			},
			[]string{"task", "status"},
		)

		jobsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loreforge_jobs_active",
				Help: "Number of jobs currently in progress.",
			},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loreforge_job_duration_seconds",
				Help:    "Histogram of job wall-clock durations, labeled by task.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"task"},
		)

		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loreforge_provider_requests_total",
				Help: "Total AI provider calls, labeled by model and outcome.",
			},
			[]string{"model", "outcome"},
		)

		providerLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loreforge_provider_latency_seconds",
				Help:    "Histogram of AI provider call latencies, labeled by model.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loreforge_rate_limit_delay_seconds",
				Help:    "Histogram of per-project rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"project"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loreforge_pages_fetched_total",
				Help: "Total pages fetched, labeled by mode (static, headless) and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loreforge_events_published_total",
				Help: "Total events published to subscribers, labeled by type.",
			},
			[]string{"type"},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "loreforge_events_dropped_total",
				Help: "Total events dropped because a subscriber buffer was full.",
			},
		)

		sseSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loreforge_sse_subscribers",
				Help: "Number of currently connected SSE subscribers.",
			},
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

// ObserveJobFinished records a job reaching a terminal status.
func ObserveJobFinished(task, status string, duration time.Duration) {
	jobsTotal.WithLabelValues(task, status).Inc()
	jobDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

// IncActiveJobs increments the in-progress jobs gauge.
func IncActiveJobs() {
	jobsActive.Inc()
}

// DecActiveJobs decrements the in-progress jobs gauge.
func DecActiveJobs() {
	jobsActive.Dec()
}

// ObserveProviderCall records one AI provider call.
func ObserveProviderCall(model string, failed bool, latency time.Duration) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	providerRequestsTotal.WithLabelValues(model, outcome).Inc()
	providerLatencySeconds.WithLabelValues(model).Observe(latency.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(projectID string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(projectID).Observe(duration.Seconds())
}

// ObservePageFetch records one page fetch attempt.
func ObservePageFetch(rendered bool, err error) {
	mode := "static"
	if rendered {
		mode = "headless"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pagesFetchedTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveEventPublished records one event delivered to a subscriber.
func ObserveEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// ObserveEventDropped records one event dropped on a full subscriber buffer.
func ObserveEventDropped() {
	eventsDroppedTotal.Inc()
}

// IncSSESubscribers increments the connected subscriber gauge.
func IncSSESubscribers() {
	sseSubscribers.Inc()
}

// DecSSESubscribers decrements the connected subscriber gauge.
func DecSSESubscribers() {
	sseSubscribers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
