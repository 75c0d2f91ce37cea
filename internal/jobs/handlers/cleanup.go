package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/pagecapture/internal/jobs"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/storage"
)

// ExpiredArtifacts is the subset of repository.ArtifactRepository the sweep needs.
type ExpiredArtifacts interface {
	ListExpired(ctx context.Context, before time.Time, limit int) ([]repository.Artifact, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// Deleter removes stored objects.
type Deleter interface {
	Delete(ctx context.Context, ref string) error
}

// CleanupHandler deletes artifacts past their retention and marks their rows.
type CleanupHandler struct {
	artifacts ExpiredArtifacts
	backend   Deleter
	log       *slog.Logger
	now       func() time.Time
}

func NewCleanupHandler(artifacts ExpiredArtifacts, backend Deleter, log *slog.Logger) *CleanupHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CleanupHandler{artifacts: artifacts, backend: backend, log: log, now: time.Now}
}

// WithClock replaces the time source.
func (h *CleanupHandler) WithClock(now func() time.Time) *CleanupHandler {
	h.now = now
	return h
}

func (h *CleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.ArtifactsCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode cleanup payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = jobs.DefaultCleanupBatch
	}

	deleted, failed, err := h.Sweep(ctx, payload.BatchSize)
	if err != nil {
		return err
	}

	h.log.InfoContext(ctx, "artifact cleanup finished",
		slog.Int("deleted", deleted), slog.Int("failed", failed))
	return nil
}

// Sweep handles one batch. Objects that are already gone count as deleted.
func (h *CleanupHandler) Sweep(ctx context.Context, batchSize int) (deleted, failed int, err error) {
	now := h.now()

	expired, err := h.artifacts.ListExpired(ctx, now, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list expired artifacts: %w", err)
	}

	for _, artifact := range expired {
		if err := h.backend.Delete(ctx, artifact.Reference); err != nil && !errors.Is(err, storage.ErrNotFound) {
			failed++
			h.log.WarnContext(ctx, "artifact cleanup: delete failed",
				slog.String("artifact_id", artifact.ID), slog.Any("error", err))
			continue
		}
		if err := h.artifacts.MarkDeleted(ctx, artifact.ID, now); err != nil {
			failed++
			h.log.WarnContext(ctx, "artifact cleanup: mark deleted failed",
				slog.String("artifact_id", artifact.ID), slog.Any("error", err))
			continue
		}
		deleted++
	}

	return deleted, failed, nil
}
