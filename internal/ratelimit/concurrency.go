package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
)

// SlotKeyPrefix namespaces in-flight counters.
const SlotKeyPrefix = "concurrency:"

// SlotTracker counts in-flight work per identity.
type SlotTracker interface {
	// TryAcquire increments the counter for key unless it already reached limit.
	TryAcquire(ctx context.Context, key string, limit int) (acquired bool, active int, err error)
	// Release decrements the counter for key, never below zero.
	Release(ctx context.Context, key string) error
}

// MemorySlots is a process-local SlotTracker.
type MemorySlots struct {
	mu     sync.Mutex
	active map[string]int
}

var _ SlotTracker = (*MemorySlots)(nil)

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{active: make(map[string]int)}
}

func (m *MemorySlots) TryAcquire(_ context.Context, key string, limit int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.active[key]
	if cur >= limit {
		return false, cur, nil
	}
	m.active[key] = cur + 1
	return true, cur + 1, nil
}

func (m *MemorySlots) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.active[key]; cur > 1 {
		m.active[key] = cur - 1
	} else {
		delete(m.active, key)
	}
	return nil
}

// Active returns the current count for key.
func (m *MemorySlots) Active(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[key]
}

var acquireSlotScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, cur}
`)

var releaseSlotScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisSlots is a SlotTracker shared across processes. Every acquire refreshes
// a safety TTL so counters held by a crashed process eventually expire.
type RedisSlots struct {
	client redis.Scripter
	ttl    time.Duration
}

var _ SlotTracker = (*RedisSlots)(nil)

func NewRedisSlots(client redis.Scripter, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSlots{client: client, ttl: ttl}
}

func (r *RedisSlots) TryAcquire(ctx context.Context, key string, limit int) (bool, int, error) {
	res, err := acquireSlotScript.Run(ctx, r.client, []string{SlotKeyPrefix + key}, limit, r.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected slot reply length %d", len(res))
	}
	return res[0] == 1, int(res[1]), nil
}

func (r *RedisSlots) Release(ctx context.Context, key string) error {
	return releaseSlotScript.Run(ctx, r.client, []string{SlotKeyPrefix + key}).Err()
}

// Slot is a held concurrency slot. Release is safe to call any number of
// times; the counter is decremented exactly once.
type Slot struct {
	Acquired bool
	Active   int
	Limit    int
	FailOpen bool
	Degraded bool

	once    sync.Once
	release func()
}

// Release returns the slot. Not-acquired slots release as a no-op.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// ConcurrencyLimiter bounds in-flight work per identity and applies the fail
// policy when the shared tracker is unavailable.
type ConcurrencyLimiter struct {
	tracker        SlotTracker
	fallback       *MemorySlots
	policy         FailPolicy
	breaker        *apperrors.CircuitBreaker
	onDegraded     DegradedFunc
	releaseTimeout time.Duration
	log            *slog.Logger
}

// ConcurrencyOptions configures NewConcurrencyLimiter.
type ConcurrencyOptions struct {
	Policy         FailPolicy
	Breaker        *apperrors.CircuitBreaker
	OnDegraded     DegradedFunc
	ReleaseTimeout time.Duration
	Logger         *slog.Logger
}

func NewConcurrencyLimiter(tracker SlotTracker, opts ConcurrencyOptions) *ConcurrencyLimiter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	if opts.Breaker == nil {
		opts.Breaker = apperrors.NewCircuitBreaker()
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 2 * time.Second
	}

	return &ConcurrencyLimiter{
		tracker:        tracker,
		fallback:       NewMemorySlots(),
		policy:         opts.Policy,
		breaker:        opts.Breaker,
		onDegraded:     opts.OnDegraded,
		releaseTimeout: opts.ReleaseTimeout,
		log:            log,
	}
}

// Acquire tries to take a slot for key. The returned slot must be released by
// the caller whether or not it was acquired.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, key string, limit int) (*Slot, error) {
	if limit <= 0 {
		return nil, errors.New("concurrency limit must be positive")
	}

	var (
		acquired bool
		active   int
	)
	err := c.breaker.Call(func() error {
		var acqErr error
		acquired, active, acqErr = c.tracker.TryAcquire(ctx, key, limit)
		return acqErr
	})
	if err == nil {
		slot := &Slot{Acquired: acquired, Active: active, Limit: limit}
		if acquired {
			slot.release = func() { c.releaseShared(ctx, key) }
		}
		rateLimitChecksTotal.WithLabelValues("concurrency", boolLabel(acquired)).Inc()
		return slot, nil
	}

	rateLimitStoreErrorsTotal.WithLabelValues("concurrency").Inc()
	if c.onDegraded != nil {
		c.onDegraded("concurrency", key, c.policy, err)
	}
	if replyLost(err) {
		// The script may have counted the slot before the reply was lost.
		c.releaseShared(ctx, key)
	}

	switch c.policy {
	case FailClosed:
		c.log.Warn("concurrency store unavailable, rejecting", slog.String("key", key), slog.Any("error", err))
		return &Slot{Acquired: false, Limit: limit, Degraded: true}, nil

	case FailFallback:
		ok, cur, _ := c.fallback.TryAcquire(ctx, key, limit)
		c.log.Warn("concurrency store unavailable, using in-memory fallback",
			slog.String("key", key), slog.Bool("acquired", ok), slog.Any("error", err))
		slot := &Slot{Acquired: ok, Active: cur, Limit: limit, Degraded: true}
		if ok {
			slot.release = func() { _ = c.fallback.Release(context.Background(), key) }
		}
		return slot, nil

	default:
		c.log.Warn("concurrency store unavailable, failing open", slog.String("key", key), slog.Any("error", err))
		rateLimitFailOpenTotal.WithLabelValues("concurrency").Inc()
		// Nothing was taken in the store, so release is a no-op.
		return &Slot{Acquired: true, Limit: limit, FailOpen: true, Degraded: true}, nil
	}
}

// replyLost reports errors after which the slot script may have run.
// The floored decrement makes a compensating release safe when it did not.
func replyLost(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// releaseShared runs detached from the request context: a client abort must
// still decrement the counter.
func (c *ConcurrencyLimiter) releaseShared(parent context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.releaseTimeout)
	defer cancel()

	if err := c.tracker.Release(ctx, key); err != nil {
		rateLimitStoreErrorsTotal.WithLabelValues("concurrency_release").Inc()
		c.log.Error("failed to release concurrency slot; safety ttl will reclaim it",
			slog.String("key", key), slog.Any("error", err))
	}
}
