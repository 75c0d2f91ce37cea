package redis

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

var (
	redisRequestsTotal   *prometheus.CounterVec
	redisErrorsTotal     *prometheus.CounterVec
	redisRequestDuration *prometheus.HistogramVec
)

func init() {
	redisRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_requests_total",
			Help: "Total number of Redis script requests by method.",
		},
		[]string{"method"},
	)
	redisErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_errors_total",
			Help: "Total number of Redis script errors by method.",
		},
		[]string{"method"},
	)
	redisRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_request_duration_seconds",
			Help:    "Redis script latency distributions.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method"},
	)

	prometheus.MustRegister(redisRequestsTotal, redisErrorsTotal, redisRequestDuration)
}

// MetricsClient wraps a goredis.Scripter to collect Prometheus metrics for the
// Lua scripts that back rate limiting and concurrency slots.
type MetricsClient struct {
	next goredis.Scripter
}

var _ goredis.Scripter = (*MetricsClient)(nil)

// NewMetricsClient creates an instrumented script runner.
func NewMetricsClient(next goredis.Scripter) *MetricsClient {
	return &MetricsClient{next: next}
}

// Eval instruments Scripter.Eval.
func (m *MetricsClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	timer := prometheus.NewTimer(redisRequestDuration.WithLabelValues("eval"))
	cmd := m.next.Eval(ctx, script, keys, args...)
	timer.ObserveDuration()
	observe("eval", cmd.Err())
	return cmd
}

// EvalSha instruments Scripter.EvalSha.
func (m *MetricsClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	timer := prometheus.NewTimer(redisRequestDuration.WithLabelValues("evalsha"))
	cmd := m.next.EvalSha(ctx, sha1, keys, args...)
	timer.ObserveDuration()
	// NOSCRIPT is part of the normal EvalSha->Eval fallback.
	if cmd.Err() != nil && goredis.HasErrorPrefix(cmd.Err(), "NOSCRIPT") {
		observe("evalsha", nil)
		return cmd
	}
	observe("evalsha", cmd.Err())
	return cmd
}

// EvalRO instruments Scripter.EvalRO.
func (m *MetricsClient) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	timer := prometheus.NewTimer(redisRequestDuration.WithLabelValues("eval_ro"))
	cmd := m.next.EvalRO(ctx, script, keys, args...)
	timer.ObserveDuration()
	observe("eval_ro", cmd.Err())
	return cmd
}

// EvalShaRO instruments Scripter.EvalShaRO.
func (m *MetricsClient) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	timer := prometheus.NewTimer(redisRequestDuration.WithLabelValues("evalsha_ro"))
	cmd := m.next.EvalShaRO(ctx, sha1, keys, args...)
	timer.ObserveDuration()
	observe("evalsha_ro", cmd.Err())
	return cmd
}

// ScriptExists forwards to the underlying client.
func (m *MetricsClient) ScriptExists(ctx context.Context, hashes ...string) *goredis.BoolSliceCmd {
	cmd := m.next.ScriptExists(ctx, hashes...)
	observe("script_exists", cmd.Err())
	return cmd
}

// ScriptLoad forwards to the underlying client.
func (m *MetricsClient) ScriptLoad(ctx context.Context, script string) *goredis.StringCmd {
	cmd := m.next.ScriptLoad(ctx, script)
	observe("script_load", cmd.Err())
	return cmd
}

func observe(method string, err error) {
	redisRequestsTotal.WithLabelValues(method).Inc()
	if err != nil && err != goredis.Nil {
		redisErrorsTotal.WithLabelValues(method).Inc()
	}
}
