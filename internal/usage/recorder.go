// Package usage emits per-attempt capture usage events without blocking the
// capture path.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_total",
			Help: "Usage events by outcome (sent, dropped, failed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Event describes one capture attempt.
type Event struct {
	Identity   string    `json:"identity"`
	CaptureID  string    `json:"capture_id"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	DurationMs int64     `json:"duration_ms"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	At         time.Time `json:"at"`
}

// Recorder accepts events. Record must never block.
type Recorder interface {
	Record(event Event)
}

// Sink delivers events somewhere durable.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}

// AsyncRecorder buffers events and hands them to a sink from one goroutine.
// A full buffer drops the event.
type AsyncRecorder struct {
	sink   Sink
	log    *slog.Logger
	events chan Event

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64

	done chan struct{}
}

var _ Recorder = (*AsyncRecorder)(nil)

func NewAsyncRecorder(sink Sink, bufferSize int, log *slog.Logger) *AsyncRecorder {
	if log == nil {
		log = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	r := &AsyncRecorder{
		sink:   sink,
		log:    log,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go r.loop()

	return r
}

func (r *AsyncRecorder) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
		eventsTotal.WithLabelValues("dropped").Inc()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *AsyncRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting events, drains the buffer until ctx expires and
// closes the sink.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		r.log.Warn("usage recorder closed before drain", "pending", len(r.events))
	}
	return r.sink.Close()
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)

	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.sink.Publish(ctx, event)
		cancel()

		if err != nil {
			eventsTotal.WithLabelValues("failed").Inc()
			r.log.Warn("usage event publish failed",
				"capture_id", event.CaptureID,
				"error", err,
			)
			continue
		}
		eventsTotal.WithLabelValues("sent").Inc()
	}
}
