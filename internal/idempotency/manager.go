// Package idempotency replays the stored outcome of a request submitted
// again under the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// DefaultTTL is how long a completed outcome is replayed.
const DefaultTTL = 24 * time.Hour

var ErrRequestInProgress = errors.New("request with this key is already in progress")

// Operation produces the outcome stored under the key. An error stores
// nothing and the key can be retried.
type Operation func(ctx context.Context) (any, error)

type Result struct {
	Response  json.RawMessage
	FromCache bool
}

type Manager interface {
	Execute(ctx context.Context, key string, ttl time.Duration, fn Operation) (*Result, error)
}

type manager struct {
	store   Store
	lockTTL time.Duration
	log     *slog.Logger
}

// NewManager builds a Manager. lockTTL bounds how long a crashed holder can
// block its key.
func NewManager(store Store, lockTTL time.Duration, log *slog.Logger) Manager {
	if log == nil {
		log = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}

	return &manager{store: store, lockTTL: lockTTL, log: log}
}

// Execute runs fn once per key. A completed outcome is replayed without
// calling fn; a key held by a running request fails fast with
// ErrRequestInProgress.
func (m *manager) Execute(ctx context.Context, key string, ttl time.Duration, fn Operation) (*Result, error) {
	if fn == nil {
		return nil, errors.New("operation fn cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if cached, err := m.cached(ctx, key); err != nil || cached != nil {
		return cached, err
	}

	locked, err := m.store.Lock(ctx, key, m.lockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrRequestInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := m.store.ReleaseLock(releaseCtx, key); err != nil {
			m.log.Warn("idempotency lock release failed; it will expire", slog.String("key", key), slog.Any("error", err))
		}
	}()

	// The previous holder may have finished between the first read and the lock.
	if cached, err := m.cached(ctx, key); err != nil || cached != nil {
		return cached, err
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	responseBytes, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	if err := m.store.Set(context.WithoutCancel(ctx), key, &Record{
		Status:   StatusCompleted,
		Response: responseBytes,
	}, ttl); err != nil {
		m.log.Error("failed to store idempotent outcome", slog.String("key", key), slog.Any("error", err))
	}

	return &Result{Response: responseBytes}, nil
}

func (m *manager) cached(ctx context.Context, key string) (*Result, error) {
	record, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Status != StatusCompleted {
		return nil, nil
	}
	return &Result{Response: record.Response, FromCache: true}, nil
}
