package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

const DefaultCleanupBatch = 500

type Scheduler interface {
	RegisterTasks() error
	Run()
	Shutdown()
}

type scheduler struct {
	asynqScheduler *asynq.Scheduler
	cleanupCron    string
	batchSize      int
	log            *slog.Logger
}

func NewScheduler(redisOpt asynq.RedisConnOpt, cleanupCron string, batchSize int, log *slog.Logger) Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatch
	}

	return &scheduler{
		asynqScheduler: asynq.NewScheduler(redisOpt, nil),
		cleanupCron:    cleanupCron,
		batchSize:      batchSize,
		log:            log,
	}
}

// RegisterTasks registers the artifact retention sweep. An empty cron
// disables it.
func (s *scheduler) RegisterTasks() error {
	if s.cleanupCron == "" {
		s.log.InfoContext(context.Background(), "scheduler: artifact cleanup disabled")
		return nil
	}

	task, err := NewArtifactsCleanupTask(s.batchSize)
	if err != nil {
		return err
	}

	if _, err := s.asynqScheduler.Register(s.cleanupCron, task); err != nil {
		return err
	}

	s.log.InfoContext(context.Background(), "scheduler: registered artifact cleanup task",
		slog.String("cron", s.cleanupCron), slog.Int("batch_size", s.batchSize))

	return nil
}

func (s *scheduler) Run() {
	s.log.InfoContext(context.Background(), "scheduler: starting")

	go func() {
		if err := s.asynqScheduler.Run(); err != nil {
			s.log.ErrorContext(context.Background(), "scheduler: run failed", "error", err)
		}
	}()
}

func (s *scheduler) Shutdown() {
	s.log.InfoContext(context.Background(), "scheduler: shutting down")
	s.asynqScheduler.Shutdown()
}
