package lifecycle

import "context"

// Phase orders shutdown. Lower phases finish before higher ones start;
// hooks in one phase run concurrently.
type Phase int

const (
	// PhaseIngress stops accepting work: the HTTP server.
	PhaseIngress Phase = iota
	// PhaseWork drains in-flight work: workers, the scheduler, the browser pool.
	PhaseWork
	// PhaseFlush hands buffered data to sinks.
	PhaseFlush
	// PhaseConnections closes clients to shared stores.
	PhaseConnections
)

// Hook describes a named shutdown hook.
type Hook struct {
	Name  string
	Phase Phase
	Fn    func(ctx context.Context) error
}
