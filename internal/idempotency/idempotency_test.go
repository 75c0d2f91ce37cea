package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (Manager, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(NewRedisStore(client, log), time.Minute, log), client, mr
}

type outcome struct {
	Status int    `json:"status"`
	ID     string `json:"id"`
}

func TestManager_ReplaysCompletedOutcome(t *testing.T) {
	m, _, mr := setup(t)
	ctx := context.Background()
	key := GenerateKey("user:1", "abc")

	var calls atomic.Int32
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return outcome{Status: 201, ID: "c-1"}, nil
	}

	first, err := m.Execute(ctx, key, time.Hour, op)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := m.Execute(ctx, key, time.Hour, op)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.JSONEq(t, string(first.Response), string(second.Response))

	var got outcome
	require.NoError(t, json.Unmarshal(second.Response, &got))
	assert.Equal(t, "c-1", got.ID)
	assert.EqualValues(t, 1, calls.Load())

	assert.Equal(t, time.Hour, mr.TTL(KeyPrefix+key))
	assert.False(t, mr.Exists(lockKey(key)))
}

func TestManager_ConcurrentDuplicateConflicts(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) {
			close(started)
			<-release
			return outcome{Status: 201}, nil
		})
		done <- err
	}()

	<-started
	_, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) {
		t.Fatal("duplicate must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrRequestInProgress)

	close(release)
	require.NoError(t, <-done)

	res, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, res.FromCache)
}

func TestManager_FailureIsNotStored(t *testing.T) {
	m, _, mr := setup(t)
	ctx := context.Background()

	_, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) {
		return nil, errors.New("rate limited")
	})
	require.Error(t, err)
	assert.False(t, mr.Exists(KeyPrefix+"k"))
	assert.False(t, mr.Exists(lockKey("k")))

	res, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) {
		return outcome{Status: 201}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
}

func TestManager_ExpiredRecordRunsAgain(t *testing.T) {
	m, _, mr := setup(t)
	ctx := context.Background()

	var calls atomic.Int32
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return outcome{Status: 201}, nil
	}

	_, err := m.Execute(ctx, "k", time.Hour, op)
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	res, err := m.Execute(ctx, "k", time.Hour, op)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGenerateKey(t *testing.T) {
	assert.Equal(t, GenerateKey("user:1", "abc"), GenerateKey("user:1", "abc"))
	assert.NotEqual(t, GenerateKey("user:1", "abc"), GenerateKey("user:2", "abc"))
}

func TestCleaner_RemovesKeysWithoutExpiry(t *testing.T) {
	_, client, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(KeyPrefix+"stale", "x"))
	require.NoError(t, mr.Set(KeyPrefix+"fresh", "x"))
	mr.SetTTL(KeyPrefix+"fresh", time.Hour)
	require.NoError(t, mr.Set(KeyPrefix+"too-long", "x"))
	mr.SetTTL(KeyPrefix+"too-long", 72*time.Hour)
	require.NoError(t, mr.Set("other:key", "x"))

	c := NewCleaner(client, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute, 25*time.Hour)
	assert.Equal(t, 2, c.Cleanup(ctx))

	assert.False(t, mr.Exists(KeyPrefix+"stale"))
	assert.False(t, mr.Exists(KeyPrefix+"too-long"))
	assert.True(t, mr.Exists(KeyPrefix+"fresh"))
	assert.True(t, mr.Exists("other:key"))
}
