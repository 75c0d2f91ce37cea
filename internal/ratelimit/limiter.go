// Package ratelimit implements sliding-window rate limiting and per-identity
// concurrency slots for admission control.
package ratelimit

import (
	"context"
	"time"
)

// Result captures the outcome of a rate-limit evaluation.
type Result struct {
	Allowed bool
	// Count is the number of accepted requests inside the window, including this one when allowed.
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// FailOpen marks an admission granted without enforcement because the store was unavailable.
	FailOpen bool
	// Degraded is set whenever the store was unavailable and the fail policy decided.
	Degraded bool
}

// Limiter describes a rate-limiting strategy interface.
// A rejected request is reported through Result.Allowed; errors mean the backend failed.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

func remaining(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}
