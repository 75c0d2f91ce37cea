// Package httpapi exposes the capture core over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/Proton-105/pagecapture/internal/admission"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/idempotency"
	"github.com/Proton-105/pagecapture/internal/lifecycle"
	"github.com/Proton-105/pagecapture/internal/middleware"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/state"
	"github.com/Proton-105/pagecapture/internal/storage"
	"github.com/Proton-105/pagecapture/pkg/logger"
	"github.com/Proton-105/pagecapture/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// StatusReader returns capture status records; *capture.Orchestrator implements it.
type StatusReader interface {
	Status(ctx context.Context, captureID string) (*state.CaptureStatus, error)
}

// FileStore serves signed local artifact URLs; *storage.LocalBackend implements it.
type FileStore interface {
	Verify(key, expires, sig string) error
	Open(key string) (*os.File, error)
}

// ArtifactIndex marks artifact metadata rows deleted; repository.ArtifactRepository satisfies it.
type ArtifactIndex interface {
	FindByReference(ctx context.Context, ref string) (*repository.Artifact, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// Deps wires the API. Files, Artifacts and Idempotency are optional.
type Deps struct {
	Admission      *admission.Controller
	Statuses       StatusReader
	Backend        storage.Backend
	Files          FileStore
	Artifacts      ArtifactIndex
	Directory      *plan.Directory
	Idempotency    idempotency.Manager
	IdempotencyTTL time.Duration
	Probes         lifecycle.HealthChecker
	Errors         *apperrors.Handler
	Logger         *slog.Logger
	TrustProxy     bool
}

type api struct {
	Deps
}

// NewHandler builds the routed handler with logging and correlation ids.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Errors == nil {
		deps.Errors = apperrors.NewHandler(deps.Logger, false)
	}
	a := &api{Deps: deps}

	r := mux.NewRouter()
	r.Use(middleware.Metrics)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readiness).Methods(http.MethodGet)
	if deps.Files != nil {
		r.HandleFunc("/v1/files/{key:.+}", a.serveFile).Methods(http.MethodGet, http.MethodHead)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.Identity(deps.Directory, deps.TrustProxy, deps.Errors))

	limited := func(scope ratelimit.Scope, h http.HandlerFunc) http.Handler {
		return middleware.RateLimit(deps.Admission, scope, deps.Errors)(h)
	}

	v1.Handle("/captures",
		middleware.Idempotency(deps.Idempotency, deps.IdempotencyTTL, deps.Errors, deps.Logger)(http.HandlerFunc(a.createCapture)),
	).Methods(http.MethodPost)
	v1.Handle("/captures/{id}", limited(ratelimit.ScopeDefault, a.getCapture)).Methods(http.MethodGet)
	v1.Handle("/artifacts/url", limited(ratelimit.ScopeDefault, a.artifactURL)).Methods(http.MethodGet)
	v1.Handle("/artifacts", limited(ratelimit.ScopeDefault, a.deleteArtifact)).Methods(http.MethodDelete)
	v1.Handle("/auth/verify", limited(ratelimit.ScopeAuth, a.verifyAuth)).Methods(http.MethodPost)

	return logger.Middleware(middleware.Logging(deps.Logger)(r))
}
