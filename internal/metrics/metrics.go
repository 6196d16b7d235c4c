// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestRunsTotal            *prometheus.CounterVec
	harvestRunDurationSeconds   *prometheus.HistogramVec
	harvestMetricsWrittenTotal  *prometheus.CounterVec
	robotsDecisionsTotal        *prometheus.CounterVec
	policyViolationsTotal       *prometheus.CounterVec
	throttleDelaySeconds        *prometheus.HistogramVec
	ledgerFailuresTotal         prometheus.Counter
	snapshotFailuresTotal       *prometheus.CounterVec
	notificationFailuresTotal   prometheus.Counter
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	harvestAdmissionDeniedTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Total number of harvest runs, labeled by adapter and terminal status.",
			},
			[]string{"adapter", "status"},
		)

		harvestRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Histogram of harvest run durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"adapter"},
		)

		harvestMetricsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_metrics_written_total",
				Help: "Total number of metric rows written, labeled by adapter.",
			},
			[]string{"adapter"},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_decisions_total",
				Help: "Robots evaluations, labeled by host and outcome (allowed, denied, cached_allowed, cached_denied).",
			},
			[]string{"host", "outcome"},
		)

		policyViolationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_policy_violations_total",
				Help: "Blocklisted hosts refused by the compliance gate.",
			},
			[]string{"host"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_throttle_delay_seconds",
				Help:    "Histogram of per-host throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		ledgerFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_ledger_failures_total",
				Help: "Provenance ledger appends that failed after a completed run.",
			},
		)

		snapshotFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_snapshot_failures_total",
				Help: "Raw snapshot archive failures, labeled by adapter.",
			},
			[]string{"adapter"},
		)

		notificationFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_notification_failures_total",
				Help: "Run completion notifications that could not be published.",
			},
		)

		harvestAdmissionDeniedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_admission_denied_total",
				Help: "Harvest submissions rejected by the API admission limiter.",
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records a finished run.
func ObserveRun(adapter, status string, duration time.Duration, written int) {
	Init()
	harvestRunsTotal.WithLabelValues(adapter, status).Inc()
	harvestRunDurationSeconds.WithLabelValues(adapter).Observe(duration.Seconds())
	if written > 0 {
		harvestMetricsWrittenTotal.WithLabelValues(adapter).Add(float64(written))
	}
}

// ObserveRobotsDecision records a compliance gate outcome.
func ObserveRobotsDecision(host string, allowed, cached bool) {
	Init()
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	if cached {
		outcome = "cached_" + outcome
	}
	robotsDecisionsTotal.WithLabelValues(SanitizeSite(host), outcome).Inc()
}

// ObservePolicyViolation records a blocklisted host.
func ObservePolicyViolation(host string) {
	Init()
	policyViolationsTotal.WithLabelValues(SanitizeSite(host)).Inc()
}

// ObserveThrottleDelay records the duration of a throttle wait.
func ObserveThrottleDelay(host string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(SanitizeSite(host)).Observe(duration.Seconds())
}

// ObserveLedgerFailure increments the provenance failure counter.
func ObserveLedgerFailure() {
	Init()
	ledgerFailuresTotal.Inc()
}

// ObserveSnapshotFailure increments the snapshot failure counter.
func ObserveSnapshotFailure(adapter string) {
	Init()
	snapshotFailuresTotal.WithLabelValues(adapter).Inc()
}

// ObserveNotificationFailure increments the notification failure counter.
func ObserveNotificationFailure() {
	Init()
	notificationFailuresTotal.Inc()
}

// ObserveAdmissionDenied increments the API admission rejection counter.
func ObserveAdmissionDenied() {
	Init()
	harvestAdmissionDeniedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
