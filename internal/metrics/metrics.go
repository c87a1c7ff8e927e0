// Package metrics exposes Prometheus collectors for the tracker service.
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
	capturesTotal           *prometheus.CounterVec
	captureDurationSeconds  prometheus.Histogram
	changesDetectedTotal    *prometheus.CounterVec
	jobsTotal               *prometheus.CounterVec
	activeJobs              prometheus.Gauge
	rateLimitDecisionsTotal *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call this
// function multiple times; the observation helpers call it implicitly.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_captures_total",
				Help: "Total number of page captures, labeled by result.",
			},
			[]string{"result"},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracker_capture_duration_seconds",
				Help:    "Histogram of page capture latencies.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
		)

		changesDetectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_changes_detected_total",
				Help: "Total number of changes detected, labeled by kind.",
			},
			[]string{"kind"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_jobs_total",
				Help: "Total number of job executions, labeled by final state.",
			},
			[]string{"state"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_active_jobs",
				Help: "Number of jobs currently executing.",
			},
		)

		rateLimitDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_rate_limit_decisions_total",
				Help: "Total number of rate limit checks, labeled by decision.",
			},
			[]string{"decision"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
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

// ObserveCapture records one capture attempt and its latency.
func ObserveCapture(result string, duration time.Duration) {
	Init()
	capturesTotal.WithLabelValues(result).Inc()
	captureDurationSeconds.Observe(duration.Seconds())
}

// IncChangeDetected counts one persisted change of the given kind.
func IncChangeDetected(kind string) {
	Init()
	changesDetectedTotal.WithLabelValues(kind).Inc()
}

// ObserveJob counts one finished job execution by final state.
func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

// JobStarted increments the active jobs gauge.
func JobStarted() {
	Init()
	activeJobs.Inc()
}

// JobFinished decrements the active jobs gauge.
func JobFinished() {
	Init()
	activeJobs.Dec()
}

// ObserveRateLimitDecision counts one limiter verdict.
func ObserveRateLimitDecision(allowed bool) {
	Init()
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	rateLimitDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
