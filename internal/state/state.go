package state

import "time"

// State is a capture lifecycle state.
type State string

const (
	// StatePending is entered at admission and again before each retry attempt.
	StatePending State = "pending"
	// StateProcessing means a browser lease is held.
	StateProcessing State = "processing"
	// StateCompleted requires a stored, non-empty artifact.
	StateCompleted State = "completed"
	// StateFailed is terminal and carries an error kind.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CaptureStatus is the observable record of one capture request.
type CaptureStatus struct {
	CaptureID    string    `json:"capture_id"`
	Identity     string    `json:"-"`
	State        State     `json:"state"`
	Attempt      int       `json:"attempt"`
	URL          string    `json:"url"`
	Format       string    `json:"format"`
	ArtifactRef  string    `json:"artifact_ref,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
