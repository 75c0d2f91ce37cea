package usage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	events  []Event
	block   chan struct{}
	fail    bool
	closed  bool
	entered chan struct{}
}

func (s *captureSink) Publish(_ context.Context, event Event) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestAsyncRecorder_DeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	rec := NewAsyncRecorder(sink, 8, testLogger())

	for i := 0; i < 3; i++ {
		rec.Record(Event{CaptureID: "c", Attempt: i, Success: i == 2})
	}

	require.NoError(t, rec.Close(context.Background()))

	events := sink.snapshot()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i, e.Attempt)
		assert.False(t, e.At.IsZero())
	}
	assert.True(t, sink.closed)
}

func TestAsyncRecorder_NeverBlocksWhenFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	rec := NewAsyncRecorder(sink, 1, testLogger())

	rec.Record(Event{CaptureID: "first"})
	<-sink.entered // the loop holds "first" inside Publish

	rec.Record(Event{CaptureID: "buffered"})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			rec.Record(Event{CaptureID: "overflow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.Equal(t, uint64(10), rec.Dropped())

	close(sink.block)
	require.NoError(t, rec.Close(context.Background()))
	assert.Len(t, sink.snapshot(), 2)
}

func TestAsyncRecorder_RecordAfterCloseIsIgnored(t *testing.T) {
	sink := &captureSink{}
	rec := NewAsyncRecorder(sink, 4, testLogger())
	require.NoError(t, rec.Close(context.Background()))
	require.NoError(t, rec.Close(context.Background()))

	rec.Record(Event{CaptureID: "late"})
	assert.Empty(t, sink.snapshot())
}

func TestAsyncRecorder_SinkFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{fail: true}
	rec := NewAsyncRecorder(sink, 4, testLogger())
	rec.Record(Event{CaptureID: "c"})
	require.NoError(t, rec.Close(context.Background()))
	assert.Empty(t, sink.snapshot())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, sink.Publish(context.Background(), Event{CaptureID: "c-9", Format: "pdf", ErrorKind: "timeout"}))
	assert.Contains(t, buf.String(), "capture_id=c-9")
	assert.Contains(t, buf.String(), "error_kind=timeout")
}
