// Package state tracks capture status records and validates their lifecycle.
package state

import (
	"context"
	"sync"
	"time"
)

// Storage defines the persistence contract for capture status records.
type Storage interface {
	// Get returns the record for captureID or ErrStatusNotFound.
	Get(ctx context.Context, captureID string) (*CaptureStatus, error)
	// Set saves the record.
	Set(ctx context.Context, status *CaptureStatus) error
	// Delete removes the record.
	Delete(ctx context.Context, captureID string) error
}

// MemoryStorage keeps records in process memory, honouring the TTL lazily.
type MemoryStorage struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
}

type memoryRecord struct {
	status    CaptureStatus
	expiresAt time.Time
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage(ttl time.Duration) *MemoryStorage {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStorage{ttl: ttl, records: make(map[string]memoryRecord)}
}

func (s *MemoryStorage) Get(_ context.Context, captureID string) (*CaptureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[captureID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	if time.Now().After(rec.expiresAt) {
		delete(s.records, captureID)
		return nil, ErrStatusNotFound
	}

	copied := rec.status
	return &copied, nil
}

func (s *MemoryStorage) Set(_ context.Context, status *CaptureStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status.UpdatedAt = time.Now().UTC()
	s.records[status.CaptureID] = memoryRecord{status: *status, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, captureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, captureID)
	return nil
}
