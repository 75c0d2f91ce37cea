package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeWebhookDeliver   = "webhook:deliver"
	TaskTypeArtifactsCleanup = "artifacts:cleanup"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// WebhookPayload is POSTed to the caller's webhook URL when a capture finishes.
type WebhookPayload struct {
	WebhookURL string `json:"webhook_url"`
	CaptureID  string `json:"capture_id"`
	Status     string `json:"status"`
	URL        string `json:"url,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// ArtifactsCleanupPayload bounds one cleanup run.
type ArtifactsCleanupPayload struct {
	BatchSize int `json:"batch_size"`
}

func NewWebhookTask(payload WebhookPayload, maxRetry int) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeWebhookDeliver, data,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(time.Minute),
	), nil
}

func NewArtifactsCleanupTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(ArtifactsCleanupPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeArtifactsCleanup, data, asynq.Queue(QueueLow)), nil
}
