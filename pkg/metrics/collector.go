package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/pagecapture/internal/browser"
)

var (
	capturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captures_total",
			Help: "Total number of finished captures labeled by format and result",
		},
		[]string{"format", "result"},
	)
	captureDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capture_duration_seconds",
			Help:    "Wall-clock duration of captures including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"format"},
	)
	captureAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_attempts_total",
			Help: "Total number of capture attempts labeled by result",
		},
		[]string{"result"},
	)
	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_state_transitions_total",
			Help: "Total number of capture state transitions",
		},
		[]string{"from", "to"},
	)
	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions labeled by scope and result",
		},
		[]string{"scope", "result"},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors split by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests labeled by route and status code",
		},
		[]string{"route", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	poolInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browser_pool_instances",
			Help: "Browser instances by pool state",
		},
		[]string{"state"},
	)
	poolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browser_pool_waiting",
			Help: "Callers queued for a browser lease",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCapture counts a finished capture.
func RecordCapture(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = "unknown"
	}

	capturesTotal.WithLabelValues(format, result).Inc()
	captureDurationSeconds.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordAttempt counts a single capture attempt; result is "ok" or an error kind.
func RecordAttempt(result string) {
	if result == "" {
		result = "unknown"
	}

	captureAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordStateTransition tracks capture status transitions.
func RecordStateTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	if to == "" {
		to = "unknown"
	}

	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordAdmission counts an admission decision.
func RecordAdmission(scope, result string) {
	if scope == "" {
		scope = "unknown"
	}

	admissionDecisionsTotal.WithLabelValues(scope, result).Inc()
}

// RecordError increments error counters with metadata.
func RecordError(kind, severity string) {
	if kind == "" {
		kind = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}

	errorsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordHTTPRequest tracks one served request.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}

	httpRequestsTotal.WithLabelValues(route, status).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// StatsSource is implemented by *browser.Pool.
type StatsSource interface {
	Stats() browser.Stats
}

// PoolCollector periodically copies pool statistics into gauges.
type PoolCollector struct {
	pool     StatsSource
	interval time.Duration
}

// NewPoolCollector builds a collector bound to the provided pool.
func NewPoolCollector(pool StatsSource, interval time.Duration) *PoolCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PoolCollector{pool: pool, interval: interval}
}

// Run polls the pool until ctx is cancelled.
func (c *PoolCollector) Run(ctx context.Context) {
	if c == nil || c.pool == nil {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Collect()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect takes one snapshot.
func (c *PoolCollector) Collect() {
	stats := c.pool.Stats()

	poolInstances.WithLabelValues("idle").Set(float64(stats.Idle))
	poolInstances.WithLabelValues("leased").Set(float64(stats.Leased))
	poolInstances.WithLabelValues("total").Set(float64(stats.Total))
	poolWaiting.Set(float64(stats.Waiting))
}
