package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events to a JetStream subject.
type NATSSink struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	log     *slog.Logger
}

var _ Sink = (*NATSSink)(nil)

func NewNATSSink(natsURL, subject string, log *slog.Logger) (*NATSSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if subject == "" {
		subject = "usage.capture"
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("pagecapture-usage"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	return &NATSSink{nc: nc, js: js, subject: subject, log: log}, nil
}

func (s *NATSSink) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	if _, err := s.js.PublishAsync(s.subject, data); err != nil {
		return fmt.Errorf("publish usage event: %w", err)
	}
	return nil
}

// Close waits briefly for outstanding acks, then drains the connection.
func (s *NATSSink) Close() error {
	select {
	case <-s.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		s.log.Warn("usage events still awaiting ack", "pending", s.js.PublishAsyncPending())
	}
	return s.nc.Drain()
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *slog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "capture usage",
		slog.String("identity", event.Identity),
		slog.String("capture_id", event.CaptureID),
		slog.Int("attempt", event.Attempt),
		slog.Bool("success", event.Success),
		slog.String("format", event.Format),
		slog.Int64("size_bytes", event.SizeBytes),
		slog.Int64("duration_ms", event.DurationMs),
		slog.String("error_kind", event.ErrorKind),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
