package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Manager describes the minimal queue operations needed by the application.
type Manager interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type manager struct {
	client *asynq.Client
	log    *slog.Logger
}

// NewManager builds a Manager backed by an asynq client.
func NewManager(redisOpt asynq.RedisConnOpt, log *slog.Logger) Manager {
	client := asynq.NewClient(redisOpt)

	return &manager{
		client: client,
		log:    log,
	}
}

func (m *manager) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return m.client.EnqueueContext(ctx, task, opts...)
}

func (m *manager) Close() error {
	return m.client.Close()
}

// WebhookNotifier schedules webhook deliveries on the queue.
type WebhookNotifier struct {
	manager  Manager
	maxRetry int
	log      *slog.Logger
}

func NewWebhookNotifier(manager Manager, maxRetry int, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{manager: manager, maxRetry: maxRetry, log: log}
}

// EnqueueWebhook queues one delivery. The capture id doubles as the task id so
// a capture is never announced twice.
func (n *WebhookNotifier) EnqueueWebhook(ctx context.Context, payload WebhookPayload) error {
	task, err := NewWebhookTask(payload, n.maxRetry)
	if err != nil {
		return fmt.Errorf("build webhook task: %w", err)
	}

	info, err := n.manager.Enqueue(ctx, task, asynq.TaskID("webhook:"+payload.CaptureID))
	if err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}

	n.log.DebugContext(ctx, "webhook enqueued",
		slog.String("capture_id", payload.CaptureID),
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return nil
}
