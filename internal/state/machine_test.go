package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errStorageFailure = errors.New("storage error")

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Get(ctx context.Context, captureID string) (*CaptureStatus, error) {
	args := m.Called(ctx, captureID)
	status, _ := args.Get(0).(*CaptureStatus)
	return status, args.Error(1)
}

func (m *mockStorage) Set(ctx context.Context, status *CaptureStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *mockStorage) Delete(ctx context.Context, captureID string) error {
	args := m.Called(ctx, captureID)
	return args.Error(0)
}

func TestMachine_TransitionTo(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name        string
		from        State
		to          State
		storeErr    error
		expectSave  bool
		expectedErr error
	}{
		{name: "pending to processing", from: StatePending, to: StateProcessing, expectSave: true},
		{name: "processing to completed", from: StateProcessing, to: StateCompleted, expectSave: true},
		{name: "retry re-enters pending", from: StateProcessing, to: StatePending, expectSave: true},
		{name: "completed is terminal", from: StateCompleted, to: StateProcessing, expectedErr: ErrInvalidTransition},
		{name: "pending cannot complete", from: StatePending, to: StateCompleted, expectedErr: ErrInvalidTransition},
		{name: "storage failure surfaces", from: StatePending, to: StateFailed, storeErr: errStorageFailure, expectSave: true, expectedErr: errStorageFailure},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ms := &mockStorage{}
			if tc.expectSave {
				ms.On("Set", mock.Anything, mock.MatchedBy(func(s *CaptureStatus) bool {
					return s.State == tc.to
				})).Return(tc.storeErr).Once()
			}

			var recorded []string
			m := NewMachine(ms, testLogger(), func(from, to State) {
				recorded = append(recorded, string(from)+"->"+string(to))
			})

			status := &CaptureStatus{CaptureID: "c1", State: tc.from}
			err := m.TransitionTo(ctx, status, tc.to, nil)

			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			if tc.expectSave {
				assert.Equal(t, []string{string(tc.from) + "->" + string(tc.to)}, recorded)
			} else {
				assert.Empty(t, recorded)
				assert.Equal(t, tc.from, status.State)
			}

			ms.AssertExpectations(t)
		})
	}
}

func TestMachine_FullLifecycleWithRetry(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStorage(0), testLogger(), nil)

	status := &CaptureStatus{CaptureID: "c2", URL: "https://example.com", Format: "png"}
	require.NoError(t, m.Begin(ctx, status))
	require.NoError(t, m.TransitionTo(ctx, status, StateProcessing, nil))
	require.NoError(t, m.TransitionTo(ctx, status, StatePending, func(s *CaptureStatus) {
		s.ErrorKind = "timeout"
	}))
	require.NoError(t, m.TransitionTo(ctx, status, StateProcessing, nil))
	require.NoError(t, m.TransitionTo(ctx, status, StateCompleted, func(s *CaptureStatus) {
		s.ArtifactRef = "captures/x.png"
		s.ErrorKind = ""
	}))

	stored, err := m.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, 1, stored.Attempt)
	assert.Equal(t, "captures/x.png", stored.ArtifactRef)
	assert.True(t, stored.State.Terminal())
}

func TestMachine_GetNotFound(t *testing.T) {
	m := NewMachine(NewMemoryStorage(0), testLogger(), nil)

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStatusNotFound)
}

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
