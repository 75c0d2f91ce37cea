package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/idempotency"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type storedResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

// replayed headers; quota headers describe the original attempt only.
var storedHeaders = []string{"Content-Type", "Location"}

var errNotStored = errors.New("response is not replayable")

// Idempotency replays the first response for a repeated Idempotency-Key from
// the same caller. Rejections by admission and server errors are not stored,
// so the caller can retry them. A duplicate arriving while the first request
// runs gets 409.
func Idempotency(manager idempotency.Manager, ttl time.Duration, errs *apperrors.Handler, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" || manager == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > 255 {
				errs.WriteHTTP(w, r, apperrors.NewInvalidRequestError("idempotency key is too long").WithField("header", IdempotencyKeyHeader))
				return
			}

			scope := "anonymous"
			if p, ok := PrincipalFromContext(r.Context()); ok {
				scope = p.UserID + "|" + p.APIKeyID + "|" + p.IP
			}
			key := idempotency.GenerateKey(scope, r.Method, r.URL.Path, clientKey)

			rec := newBufferedWriter()
			result, err := manager.Execute(r.Context(), key, ttl, func(context.Context) (any, error) {
				next.ServeHTTP(rec, r)
				if rec.status == http.StatusTooManyRequests || rec.status >= 500 {
					return nil, errNotStored
				}
				return rec.stored(), nil
			})

			switch {
			case errors.Is(err, errNotStored):
				rec.flush(w)
			case errors.Is(err, idempotency.ErrRequestInProgress):
				errs.WriteHTTP(w, r, apperrors.NewConflictError("a request with this idempotency key is in progress"))
			case err != nil:
				log.Warn("idempotency store unavailable, serving without replay", slog.Any("error", err))
				if rec.status == 0 {
					next.ServeHTTP(w, r)
					return
				}
				rec.flush(w)
			case result.FromCache:
				var stored storedResponse
				if err := json.Unmarshal(result.Response, &stored); err != nil {
					errs.WriteHTTP(w, r, apperrors.NewInternalError(err))
					return
				}
				for k, v := range stored.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
			default:
				rec.flush(w)
			}
		})
	}
}

// bufferedWriter holds a response until the outcome is known.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: http.Header{}}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) stored() storedResponse {
	headers := make(map[string]string, len(storedHeaders))
	for _, name := range storedHeaders {
		if v := b.header.Get(name); v != "" {
			headers[name] = v
		}
	}

	return storedResponse{Status: b.status, Headers: headers, Body: b.body.Bytes()}
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}
