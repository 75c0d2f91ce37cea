package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/pagecapture/internal/jobs"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookTask(t *testing.T, payload jobs.WebhookPayload) *asynq.Task {
	t.Helper()
	task, err := jobs.NewWebhookTask(payload, 3)
	require.NoError(t, err)
	return task
}

func TestWebhookHandler_Delivers(t *testing.T) {
	var (
		got    map[string]any
		header http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := NewWebhookHandler(time.Second, testLogger())
	err := h.ProcessTask(context.Background(), webhookTask(t, jobs.WebhookPayload{
		WebhookURL: server.URL + "/hook",
		CaptureID:  "c-1",
		Status:     "completed",
		URL:        "https://cdn.example/c-1.png",
		SizeBytes:  2048,
		DurationMs: 950,
	}))
	require.NoError(t, err)

	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "c-1", header.Get("X-Capture-ID"))
	assert.Equal(t, "c-1", got["capture_id"])
	assert.Equal(t, "completed", got["status"])
	assert.EqualValues(t, 2048, got["size_bytes"])
	assert.NotContains(t, got, "webhook_url")
	assert.NotContains(t, got, "error_kind")
}

func TestWebhookHandler_StatusHandling(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		wantErr   bool
		skipRetry bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "server error retried", status: http.StatusBadGateway, wantErr: true},
		{name: "throttled retried", status: http.StatusTooManyRequests, wantErr: true},
		{name: "client error dropped", status: http.StatusNotFound, wantErr: true, skipRetry: true},
		{name: "redirect not followed", status: http.StatusFound, wantErr: true, skipRetry: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status == http.StatusFound {
					w.Header().Set("Location", "http://127.0.0.1:1/")
				}
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			h := NewWebhookHandler(time.Second, testLogger())
			err := h.ProcessTask(context.Background(), webhookTask(t, jobs.WebhookPayload{
				WebhookURL: server.URL,
				CaptureID:  "c-2",
				Status:     "failed",
				ErrorKind:  "timeout",
			}))

			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestWebhookHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := NewWebhookHandler(time.Second, testLogger())
	err := h.ProcessTask(context.Background(), asynq.NewTask(jobs.TaskTypeWebhookDeliver, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeArtifacts struct {
	mu      sync.Mutex
	expired []repository.Artifact
	marked  []string
	listErr error
	before  time.Time
	limit   int
}

func (f *fakeArtifacts) ListExpired(_ context.Context, before time.Time, limit int) ([]repository.Artifact, error) {
	f.before, f.limit = before, limit
	return f.expired, f.listErr
}

func (f *fakeArtifacts) MarkDeleted(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

type fakeDeleter map[string]error

func (f fakeDeleter) Delete(_ context.Context, ref string) error {
	return f[ref]
}

func TestCleanupHandler_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	artifacts := &fakeArtifacts{expired: []repository.Artifact{
		{ID: "a1", Reference: "captures/a1.png"},
		{ID: "a2", Reference: "captures/a2.png"},
		{ID: "a3", Reference: "captures/a3.png"},
	}}
	deleter := fakeDeleter{
		"captures/a2.png": storage.ErrNotFound,
		"captures/a3.png": errors.New("s3 unavailable"),
	}

	h := NewCleanupHandler(artifacts, deleter, testLogger()).WithClock(func() time.Time { return now })
	deleted, failed, err := h.Sweep(context.Background(), 50)
	require.NoError(t, err)

	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a1", "a2"}, artifacts.marked)
	assert.Equal(t, now, artifacts.before)
	assert.Equal(t, 50, artifacts.limit)
}

func TestCleanupHandler_ProcessTask(t *testing.T) {
	artifacts := &fakeArtifacts{}
	h := NewCleanupHandler(artifacts, fakeDeleter{}, testLogger())

	task, err := jobs.NewArtifactsCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, jobs.DefaultCleanupBatch, artifacts.limit)

	artifacts.listErr = errors.New("db down")
	assert.Error(t, h.ProcessTask(context.Background(), task))
}
