// Package handlers processes background tasks enqueued by the capture
// pipeline.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/pagecapture/internal/jobs"
)

type webhookBody struct {
	CaptureID  string `json:"capture_id"`
	Status     string `json:"status"`
	URL        string `json:"url,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// WebhookHandler POSTs capture outcomes to caller-supplied URLs. Failures
// are retried by asynq; client errors other than 429 are not.
type WebhookHandler struct {
	client *http.Client
	log    *slog.Logger
}

func NewWebhookHandler(timeout time.Duration, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookHandler{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

func (h *WebhookHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.WebhookPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.log.ErrorContext(ctx, "webhook: failed to decode payload", slog.String("task_type", t.Type()), slog.Any("error", err))
		return fmt.Errorf("decode webhook payload: %v: %w", err, asynq.SkipRetry)
	}

	body, err := json.Marshal(webhookBody{
		CaptureID:  payload.CaptureID,
		Status:     payload.Status,
		URL:        payload.URL,
		SizeBytes:  payload.SizeBytes,
		DurationMs: payload.DurationMs,
		ErrorKind:  payload.ErrorKind,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pagecapture-webhook/1")
	req.Header.Set("X-Capture-ID", payload.CaptureID)

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.WarnContext(ctx, "webhook: delivery failed",
			slog.String("capture_id", payload.CaptureID), slog.Any("error", err))
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		h.log.InfoContext(ctx, "webhook delivered",
			slog.String("capture_id", payload.CaptureID), slog.Int("status", resp.StatusCode))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		h.log.WarnContext(ctx, "webhook: endpoint rejected delivery",
			slog.String("capture_id", payload.CaptureID), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("webhook endpoint returned %d: %w", resp.StatusCode, asynq.SkipRetry)
	}
}
