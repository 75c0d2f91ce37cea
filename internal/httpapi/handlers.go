package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Proton-105/pagecapture/internal/admission"
	"github.com/Proton-105/pagecapture/internal/capture"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/middleware"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/internal/state"
	"github.com/Proton-105/pagecapture/internal/storage"
)

const CaptureIDHeader = "X-Capture-ID"

type createCaptureRequest struct {
	URL        string          `json:"url"`
	Options    capture.Options `json:"options"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

type captureResponse struct {
	CaptureID   string      `json:"capture_id"`
	State       state.State `json:"state"`
	Reference   string      `json:"artifact_ref,omitempty"`
	URL         string      `json:"url,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
	Attempts    int         `json:"attempts"`
}

type artifactURLResponse struct {
	Reference string `json:"artifact_ref"`
	URL       string `json:"url"`
}

type verifyResponse struct {
	UserID   string    `json:"user_id,omitempty"`
	APIKeyID string    `json:"api_key_id,omitempty"`
	Plan     plan.Plan `json:"plan"`
}

func (a *api) createCapture(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var body createCaptureRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.Errors.WriteHTTP(w, r, err)
		return
	}

	res, decision, err := a.Admission.SubmitCapture(r.Context(), capture.Request{
		URL:        body.URL,
		Options:    body.Options,
		WebhookURL: body.WebhookURL,
	}, p)
	admission.WriteHeaders(w.Header(), decision)
	if res != nil {
		w.Header().Set(CaptureIDHeader, res.CaptureID)
	}
	if err != nil {
		a.Errors.WriteHTTP(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/captures/"+res.CaptureID)
	writeJSON(w, http.StatusCreated, captureResponse{
		CaptureID:   res.CaptureID,
		State:       res.State,
		Reference:   res.Reference,
		URL:         res.URL,
		ContentType: res.ContentType,
		SizeBytes:   res.SizeBytes,
		DurationMs:  res.Duration.Milliseconds(),
		Attempts:    res.Attempts,
	})
}

func (a *api) getCapture(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	status, err := a.Statuses.Status(r.Context(), id)
	if errors.Is(err, state.ErrStatusNotFound) {
		a.Errors.WriteHTTP(w, r, apperrors.NewNotFoundError("capture not found").WithField("capture_id", id))
		return
	}
	if err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewInternalError(err))
		return
	}

	// Records of other callers are reported as missing.
	if status.Identity != a.Admission.IdentityFor(ratelimit.ScopeScreenshot, p) {
		a.Errors.WriteHTTP(w, r, apperrors.NewNotFoundError("capture not found").WithField("capture_id", id))
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (a *api) artifactURL(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.ownedRef(w, r)
	if !ok {
		return
	}

	u, err := a.Backend.Get(r.Context(), ref)
	if err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewStorageFailureError(err))
		return
	}
	writeJSON(w, http.StatusOK, artifactURLResponse{Reference: ref, URL: u})
}

func (a *api) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.ownedRef(w, r)
	if !ok {
		return
	}

	if err := a.Backend.Delete(r.Context(), ref); err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewStorageFailureError(err))
		return
	}

	if a.Artifacts != nil {
		a.markDeleted(r, ref)
	}
	w.WriteHeader(http.StatusNoContent)
}

// markDeleted keeps the retention sweep from revisiting ref. The object is
// already gone, so failures are only logged.
func (a *api) markDeleted(r *http.Request, ref string) {
	artifact, err := a.Artifacts.FindByReference(r.Context(), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err == nil {
		err = a.Artifacts.MarkDeleted(r.Context(), artifact.ID, time.Now())
	}
	if err != nil {
		a.Logger.Warn("failed to mark artifact deleted", slog.String("ref", ref), slog.Any("error", err))
	}
}

func (a *api) ownedRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		a.Errors.WriteHTTP(w, r, apperrors.NewInvalidRequestError("ref is required").WithField("param", "ref"))
		return "", false
	}

	identity := a.Admission.IdentityFor(ratelimit.ScopeScreenshot, principal(r))
	if !storage.OwnedBy(ref, identity) {
		a.Errors.WriteHTTP(w, r, apperrors.NewNotFoundError("artifact not found"))
		return "", false
	}
	return ref, true
}

func (a *api) verifyAuth(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Anonymous() {
		a.Errors.WriteHTTP(w, r, apperrors.NewUnauthorizedError("a valid API key is required"))
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{UserID: p.UserID, APIKeyID: p.APIKeyID, Plan: p.Plan})
}

func (a *api) serveFile(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	q := r.URL.Query()

	if err := a.Files.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewNotFoundError("file not found"))
		return
	}

	f, err := a.Files.Open(key)
	if errors.Is(err, storage.ErrNotFound) {
		a.Errors.WriteHTTP(w, r, apperrors.NewNotFoundError("file not found"))
		return
	}
	if err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewStorageFailureError(err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.Errors.WriteHTTP(w, r, apperrors.NewStorageFailureError(err))
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
}

func (a *api) liveness(w http.ResponseWriter, r *http.Request) {
	if err := a.Probes.Liveness(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) readiness(w http.ResponseWriter, r *http.Request) {
	checks, err := a.Probes.Readiness(r.Context())
	body := map[string]any{"status": "ok", "checks": checks}
	if err != nil {
		body["status"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// principal is always set on /v1 routes by the Identity middleware.
func principal(r *http.Request) *plan.Principal {
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		return p
	}
	return &plan.Principal{IP: middleware.ClientIP(r, false), Plan: plan.Plan{Name: plan.FreePlan}}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperrors.NewInvalidRequestError("request body is too large")
		case errors.Is(err, io.EOF):
			return apperrors.NewInvalidRequestError("request body is required")
		default:
			return apperrors.NewInvalidRequestError("request body is not valid JSON").WithDetail(err.Error())
		}
	}
	if dec.More() {
		return apperrors.NewInvalidRequestError("request body must be a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
