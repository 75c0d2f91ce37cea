package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(40))
}

func TestDo_RetriesTransientAndSurfacesLastError(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}

	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	err := DoWithSleep(context.Background(), p, sleep, func(_ context.Context, attempt int) error {
		calls++
		return NewTimeoutError(fmt.Errorf("attempt %d", attempt))
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
	assert.Contains(t, err.Error(), "attempt 3")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := DoWithSleep(context.Background(), DefaultPolicy, func(context.Context, time.Duration) error { return nil },
		func(context.Context, int) error {
			calls++
			return NewEncodeFailedError(stderrors.New("bad frame"))
		})

	assert.Equal(t, 1, calls)
	assert.Equal(t, KindEncodeFailed, KindOf(err))
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := DoWithSleep(context.Background(), DefaultPolicy, func(context.Context, time.Duration) error { return nil },
		func(context.Context, int) error {
			calls++
			if calls < 2 {
				return NewPoolExhaustedError(nil)
			}
			return nil
		})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := DoWithSleep(ctx, DefaultPolicy, Sleep, func(context.Context, int) error {
		calls++
		return NewBrowserCrashedError(nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestKindOfAndRetryable(t *testing.T) {
	wrapped := fmt.Errorf("wrap: %w", NewNavigationFailedError(stderrors.New("net::ERR_NAME_NOT_RESOLVED"), true))

	assert.Equal(t, KindNavigationFailed, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, IsRetryable(NewOptionOutOfPlanError("width", "too wide")))
	assert.False(t, IsRetryable(NewStorageFailureError(nil)))
}

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	var transitions []string
	cb := NewCircuitBreakerWithSettings(BreakerSettings{
		ErrorThreshold: 0.5,
		MinRequests:    2,
		OpenTimeout:    time.Second,
		HalfOpenMax:    1,
		Now:            func() time.Time { return now },
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	boom := stderrors.New("boom")
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestHandler_HidesDetail(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(slog.New(slog.NewTextHandler(&buf, nil)), false)

	pub, status := h.Handle(context.Background(), NewNavigationFailedError(stderrors.New("raw cdp failure"), false))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, KindNavigationFailed, pub.Kind)
	assert.NotContains(t, pub.Message, "raw cdp failure")
	assert.Contains(t, buf.String(), "raw cdp failure")

	pub, status = h.Handle(context.Background(), NewRateLimitedError("user:1", 2, 2, 30))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, 2, pub.Fields["limit"])

	pub, status = h.Handle(context.Background(), stderrors.New("oops"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, KindInternal, pub.Kind)
}
