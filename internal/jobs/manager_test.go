package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockManager struct {
	mock.Mock
}

func (m *mockManager) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task, opts)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockManager) Close() error {
	return m.Called().Error(0)
}

func TestWebhookNotifier_Enqueue(t *testing.T) {
	manager := &mockManager{}
	manager.On("Enqueue", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var payload WebhookPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return false
		}
		return task.Type() == TaskTypeWebhookDeliver && payload.CaptureID == "c-9"
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "webhook:c-9", Queue: QueueCritical}, nil)

	n := NewWebhookNotifier(manager, 5, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := n.EnqueueWebhook(context.Background(), WebhookPayload{
		WebhookURL: "https://hooks.example/x",
		CaptureID:  "c-9",
		Status:     "completed",
	})
	require.NoError(t, err)
	manager.AssertExpectations(t)
}

func TestWebhookNotifier_EnqueueError(t *testing.T) {
	manager := &mockManager{}
	manager.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil, asynq.ErrTaskIDConflict)

	n := NewWebhookNotifier(manager, 5, nil)
	err := n.EnqueueWebhook(context.Background(), WebhookPayload{CaptureID: "c-9"})
	assert.True(t, errors.Is(err, asynq.ErrTaskIDConflict))
}
