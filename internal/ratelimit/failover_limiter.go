package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
)

var (
	rateLimitChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_checks_total",
		Help: "Total number of rate limit checks by backend and result.",
	}, []string{"backend", "result"})

	rateLimitStoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_store_errors_total",
		Help: "Coordination store failures seen by admission control, by mechanism.",
	}, []string{"mechanism"})

	rateLimitFailOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_fail_open_total",
		Help: "Requests admitted without enforcement because the coordination store was unavailable.",
	}, []string{"mechanism"})
)

func init() {
	prometheus.MustRegister(rateLimitChecksTotal, rateLimitStoreErrorsTotal, rateLimitFailOpenTotal)
}

// FailPolicy decides admission while the coordination store is unreachable.
type FailPolicy string

const (
	// FailOpen admits every request. Abuse exposure is traded for availability.
	FailOpen FailPolicy = "open"
	// FailClosed rejects every request.
	FailClosed FailPolicy = "closed"
	// FailFallback enforces half the limit with process-local state.
	FailFallback FailPolicy = "fallback"
)

// ParseFailPolicy validates a configured policy name.
func ParseFailPolicy(name string) (FailPolicy, error) {
	switch FailPolicy(name) {
	case FailOpen, FailClosed, FailFallback:
		return FailPolicy(name), nil
	case "":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown fail policy %q", name)
	}
}

// DegradedFunc is notified every time the fail policy decides a request.
type DegradedFunc func(mechanism, key string, policy FailPolicy, err error)

// FailoverLimiter delegates to a primary (Redis) limiter behind a circuit
// breaker and applies the fail policy when the primary is unavailable.
type FailoverLimiter struct {
	primary    Limiter
	fallback   Limiter
	policy     FailPolicy
	breaker    *apperrors.CircuitBreaker
	onDegraded DegradedFunc
	log        *slog.Logger
}

var _ Limiter = (*FailoverLimiter)(nil)

// FailoverOptions configures NewFailoverLimiter.
type FailoverOptions struct {
	Policy FailPolicy
	// Fallback is used by FailFallback; a MemoryLimiter is created when nil.
	Fallback   Limiter
	Breaker    *apperrors.CircuitBreaker
	OnDegraded DegradedFunc
	Logger     *slog.Logger
}

// NewFailoverLimiter wraps primary with the configured fail policy.
func NewFailoverLimiter(primary Limiter, opts FailoverOptions) *FailoverLimiter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	if opts.Fallback == nil {
		opts.Fallback = NewMemoryLimiter()
	}
	if opts.Breaker == nil {
		opts.Breaker = apperrors.NewCircuitBreaker()
	}

	return &FailoverLimiter{
		primary:    primary,
		fallback:   opts.Fallback,
		policy:     opts.Policy,
		breaker:    opts.Breaker,
		onDegraded: opts.OnDegraded,
		log:        log,
	}
}

// Policy reports the configured fail policy.
func (f *FailoverLimiter) Policy() FailPolicy {
	return f.policy
}

// Check evaluates the limit using the primary backend and applies the fail policy on errors.
func (f *FailoverLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	var result *Result
	err := f.breaker.Call(func() error {
		r, checkErr := f.primary.Check(ctx, key, limit, window)
		result = r
		return checkErr
	})
	if err == nil {
		rateLimitChecksTotal.WithLabelValues("redis", boolLabel(result.Allowed)).Inc()
		return result, nil
	}

	rateLimitStoreErrorsTotal.WithLabelValues("rate").Inc()
	if f.onDegraded != nil {
		f.onDegraded("rate", key, f.policy, err)
	}

	switch f.policy {
	case FailClosed:
		f.log.Warn("rate limit store unavailable, rejecting", slog.String("key", key), slog.Any("error", err))
		rateLimitChecksTotal.WithLabelValues("closed", boolLabel(false)).Inc()
		return &Result{
			Allowed:  false,
			Limit:    limit,
			ResetAt:  time.Now().Add(window),
			Degraded: true,
		}, nil

	case FailFallback:
		fallbackLimit := limit / 2
		if fallbackLimit <= 0 {
			fallbackLimit = 1
		}

		f.log.Warn("rate limit store unavailable, using in-memory fallback",
			slog.String("key", key), slog.Int("fallback_limit", fallbackLimit), slog.Any("error", err))

		fallbackResult, fallbackErr := f.fallback.Check(ctx, key, fallbackLimit, window)
		if fallbackErr != nil {
			return nil, fallbackErr
		}
		fallbackResult.Degraded = true
		rateLimitChecksTotal.WithLabelValues("fallback", boolLabel(fallbackResult.Allowed)).Inc()
		return fallbackResult, nil

	default:
		f.log.Warn("rate limit store unavailable, failing open", slog.String("key", key), slog.Any("error", err))
		rateLimitFailOpenTotal.WithLabelValues("rate").Inc()
		rateLimitChecksTotal.WithLabelValues("fail_open", boolLabel(true)).Inc()
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   time.Now().Add(window),
			FailOpen:  true,
			Degraded:  true,
		}, nil
	}
}

func boolLabel(value bool) string {
	if value {
		return "allowed"
	}
	return "rejected"
}
