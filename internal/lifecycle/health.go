package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/Proton-105/pagecapture/internal/health"
)

// HealthChecker exposes liveness and readiness probes.
type HealthChecker interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) (map[string]string, error)
}

// Probes backs /healthz and /readyz. Readiness fails once draining starts so
// load balancers stop routing before the server closes.
type Probes struct {
	checker  *health.Checker
	draining atomic.Bool
	log      *slog.Logger
}

var _ HealthChecker = (*Probes)(nil)

// NewProbes creates a new Probes instance.
func NewProbes(checker *health.Checker, log *slog.Logger) *Probes {
	if log == nil {
		log = slog.Default()
	}
	return &Probes{checker: checker, log: log}
}

// Drain marks the process as shutting down.
func (p *Probes) Drain() {
	p.draining.Store(true)
}

// Liveness reports success while the process is serving.
func (p *Probes) Liveness(context.Context) error {
	return nil
}

// Readiness runs every dependency check.
func (p *Probes) Readiness(ctx context.Context) (map[string]string, error) {
	if p.draining.Load() {
		return map[string]string{"process": "draining"}, fmt.Errorf("shutting down")
	}
	if p.checker == nil {
		return map[string]string{}, nil
	}

	results := p.checker.Check(ctx)
	if health.Healthy(results) {
		return results, nil
	}

	failed := make([]string, 0, len(results))
	for _, name := range p.checker.Names() {
		if status, ok := results[name]; ok && status != health.StatusOK {
			failed = append(failed, name)
		}
	}
	p.log.Debug("readiness probe failed", slog.Any("components", failed))
	return results, fmt.Errorf("unhealthy: %s", strings.Join(failed, ", "))
}
