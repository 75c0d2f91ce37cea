package errors

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/Proton-105/pagecapture/pkg/logger"
)

// PublicError is the caller-facing view of an error. It never carries Detail.
type PublicError struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type Handler struct {
	log           *slog.Logger
	sentryEnabled bool
}

func NewHandler(log *slog.Logger, sentryEnabled bool) *Handler {
	return &Handler{
		log:           log,
		sentryEnabled: sentryEnabled,
	}
}

// Handle logs err and returns the public view together with the HTTP status for its kind.
func (h *Handler) Handle(ctx context.Context, err error) (PublicError, int) {
	if err == nil {
		return PublicError{}, http.StatusOK
	}

	if ctx == nil {
		ctx = context.Background()
	}

	log := h.log
	if log == nil {
		log = slog.Default()
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		attrs := []slog.Attr{
			slog.String("kind", string(appErr.Kind)),
			slog.String("category", string(appErr.Category)),
			slog.String("message", appErr.Message),
			slog.String("severity", string(appErr.Severity)),
			slog.Bool("retryable", appErr.Retryable),
		}
		if appErr.Detail != "" {
			attrs = append(attrs, slog.String("detail", appErr.Detail))
		}

		if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
			attrs = append(attrs, slog.String("correlation_id", correlationID))
		}

		level := slog.LevelWarn
		if appErr.Severity == SeverityHigh || appErr.Severity == SeverityCritical {
			level = slog.LevelError
		}
		if appErr.Category == CategoryAdmission || appErr.Category == CategoryValidation {
			level = slog.LevelInfo
		}
		log.LogAttrs(ctx, level, "application error", attrs...)

		if h.sentryEnabled && (appErr.Severity == SeverityCritical || appErr.Severity == SeverityHigh) {
			h.sendToSentry(err)
		}

		return PublicError{
			Kind:      appErr.Kind,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
			Fields:    appErr.Fields,
		}, StatusFor(appErr.Kind)
	}

	attrs := []slog.Attr{
		slog.String("message", err.Error()),
		slog.String("severity", string(SeverityHigh)),
		slog.Bool("retryable", false),
	}

	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	log.LogAttrs(ctx, slog.LevelError, "unknown error", attrs...)

	if h.sentryEnabled {
		h.sendToSentry(err)
	}

	return PublicError{Kind: KindInternal, Message: "internal error"}, http.StatusInternalServerError
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind Kind) int {
	switch kind {
	case KindRateLimited, KindConcurrencyLimited:
		return http.StatusTooManyRequests
	case KindInvalidURL, KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindOptionOutOfPlan:
		return http.StatusForbidden
	case KindUnsafeDestination:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNavigationFailed:
		return http.StatusBadGateway
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) sendToSentry(err error) {
	if err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		var appErr *AppError
		if errors.As(err, &appErr) && appErr != nil {
			if appErr.Kind != "" {
				scope.SetTag("kind", string(appErr.Kind))
			}

			if appErr.Severity != "" {
				scope.SetTag("severity", string(appErr.Severity))
			}

			if appErr.Detail != "" {
				scope.SetExtra("detail", appErr.Detail)
			}
		}

		sentry.CaptureException(err)
	})
}

type errorEnvelope struct {
	Error PublicError `json:"error"`
}

// WriteHTTP handles err and writes the public view as a JSON error body.
func (h *Handler) WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	public, status := h.Handle(r.Context(), err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: public})
}
