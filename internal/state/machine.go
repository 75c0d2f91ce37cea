package state

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrInvalidTransition indicates that a requested transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStatusNotFound indicates that a capture status record does not exist or expired.
	ErrStatusNotFound = errors.New("capture status not found")
)

// TransitionRecorder observes accepted transitions; metrics subscribe here.
type TransitionRecorder func(from, to State)

// Machine drives capture status records through the lifecycle. Each capture
// has a single writer (its orchestrator invocation), so no cross-request
// locking is needed.
type Machine struct {
	storage  Storage
	log      *slog.Logger
	recorder TransitionRecorder
	now      func() time.Time
}

// NewMachine creates a controller over storage. recorder may be nil.
func NewMachine(storage Storage, log *slog.Logger, recorder TransitionRecorder) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = func(State, State) {}
	}

	return &Machine{
		storage:  storage,
		log:      log,
		recorder: recorder,
		now:      time.Now,
	}
}

// Begin records a new capture in the pending state.
func (m *Machine) Begin(ctx context.Context, status *CaptureStatus) error {
	status.State = StatePending
	status.CreatedAt = m.now().UTC()
	m.recorder("", StatePending)
	return m.storage.Set(ctx, status)
}

// Get returns the current record for captureID.
func (m *Machine) Get(ctx context.Context, captureID string) (*CaptureStatus, error) {
	return m.storage.Get(ctx, captureID)
}

// TransitionTo moves status to next when allowed and persists it. mutate, when
// non-nil, runs on the record before it is saved.
func (m *Machine) TransitionTo(ctx context.Context, status *CaptureStatus, next State, mutate func(*CaptureStatus)) error {
	current := status.State
	if !IsTransitionAllowed(current, next) {
		m.log.Warn("invalid capture state transition",
			"capture_id", status.CaptureID, "from", current, "to", next)
		return ErrInvalidTransition
	}

	status.State = next
	if next == StatePending {
		status.Attempt++
	}
	if mutate != nil {
		mutate(status)
	}

	m.recorder(current, next)

	return m.storage.Set(ctx, status)
}
