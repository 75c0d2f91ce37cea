package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces sliding-window sorted sets.
const KeyPrefix = "ratelimit:"

// slidingWindowScript prunes, counts and conditionally records in one step, so
// two concurrent callers can never both observe count < limit and both commit.
// Rejected requests are not recorded.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisLimiter implements Limiter using Redis sorted sets and a sliding window.
type RedisLimiter struct {
	client redis.Scripter
	log    *slog.Logger
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed Limiter implementation.
func NewRedisLimiter(client redis.Scripter, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}

	return &RedisLimiter{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for window scores.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// Check evaluates the rate limit for a given key using a sliding window algorithm.
func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if l.client == nil {
		return nil, errors.New("redis client is not configured for rate limiting")
	}

	now := l.now()
	if limit <= 0 {
		return &Result{Allowed: false, Limit: limit, ResetAt: now.Add(window)}, nil
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return nil, fmt.Errorf("invalid rate limit window %s", window)
	}

	res, err := slidingWindowScript.Run(ctx, l.client, []string{KeyPrefix + key},
		nowMs, windowMs, limit, fmt.Sprintf("%d-%s", nowMs, uuid.NewString())).Int64Slice()
	if err != nil {
		l.log.Error("rate limiter script failed", slog.String("key", key), slog.Any("error", err))
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected rate limiter reply length %d", len(res))
	}

	count := int(res[1])
	return &Result{
		Allowed:   res[0] == 1,
		Count:     count,
		Limit:     limit,
		Remaining: remaining(limit, count),
		ResetAt:   time.UnixMilli(res[2] + windowMs),
	}, nil
}
