package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const captureStatusKeyPrefix = "capture:status:"

// RedisStorage persists capture status records in Redis with a TTL.
type RedisStorage struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *slog.Logger
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage initializes a Redis-backed Storage implementation.
func NewRedisStorage(client redis.Cmdable, ttl time.Duration, log *slog.Logger) *RedisStorage {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisStorage{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// Get returns the stored record or ErrStatusNotFound when absent or expired.
func (s *RedisStorage) Get(ctx context.Context, captureID string) (*CaptureStatus, error) {
	data, err := s.client.Get(ctx, captureStatusKeyPrefix+captureID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStatusNotFound
		}

		s.log.Error("failed to get capture status from redis", "capture_id", captureID, "error", err)
		return nil, err
	}

	var status CaptureStatus
	if err := json.Unmarshal(data, &status); err != nil {
		s.log.Error("failed to decode capture status", "capture_id", captureID, "error", err)
		return nil, err
	}

	// Identity is not part of the public JSON view; it is stored alongside.
	var envelope struct {
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		status.Identity = envelope.Identity
	}

	return &status, nil
}

// Set saves the record, refreshing its TTL.
func (s *RedisStorage) Set(ctx context.Context, status *CaptureStatus) error {
	status.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(struct {
		*CaptureStatus
		Identity string `json:"identity"`
	}{CaptureStatus: status, Identity: status.Identity})
	if err != nil {
		s.log.Error("failed to encode capture status", "capture_id", status.CaptureID, "error", err)
		return err
	}

	if err := s.client.Set(ctx, captureStatusKeyPrefix+status.CaptureID, data, s.ttl).Err(); err != nil {
		s.log.Error("failed to save capture status in redis", "capture_id", status.CaptureID, "error", err)
		return err
	}

	return nil
}

// Delete removes the stored record.
func (s *RedisStorage) Delete(ctx context.Context, captureID string) error {
	if err := s.client.Del(ctx, captureStatusKeyPrefix+captureID).Err(); err != nil {
		s.log.Error("failed to delete capture status", "capture_id", captureID, "error", err)
		return err
	}

	return nil
}
