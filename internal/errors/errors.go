package errors

import (
	"errors"
	"fmt"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind is the stable machine-readable error kind exposed to callers.
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindConcurrencyLimited Kind = "concurrency_limited"

	KindInvalidURL        Kind = "invalid_url"
	KindOptionOutOfPlan   Kind = "option_out_of_plan"
	KindUnsafeDestination Kind = "unsafe_destination"

	KindTimeout          Kind = "timeout"
	KindBrowserCrashed   Kind = "browser_crashed"
	KindNavigationFailed Kind = "navigation_failed"
	KindEncodeFailed     Kind = "encode_failed"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindStorageFailure   Kind = "storage_failure"

	KindInvalidRequest Kind = "invalid_request"
	KindUnauthorized   Kind = "unauthorized"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Category groups kinds the way callers reason about them.
type Category string

const (
	CategoryAdmission  Category = "admission"
	CategoryValidation Category = "validation"
	CategoryCapture    Category = "capture"
	CategoryInternal   Category = "internal"
)

type AppError struct {
	Kind     Kind
	Category Category
	Message  string
	// Detail holds internal diagnostics such as raw browser output. It is
	// logged but never returned to callers.
	Detail    string
	Severity  Severity
	Retryable bool
	Fields    map[string]any
	cause     error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

// WithField returns e with an extra public field attached.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithDetail attaches internal diagnostics.
func (e *AppError) WithDetail(detail string) *AppError {
	e.Detail = detail
	return e
}

func newError(kind Kind, category Category, severity Severity, retryable bool, msg string, cause error) *AppError {
	return &AppError{
		Kind:      kind,
		Category:  category,
		Message:   msg,
		Severity:  severity,
		Retryable: retryable,
		cause:     cause,
	}
}

func NewRateLimitedError(identity string, count, limit int, retryAfterSeconds int) *AppError {
	return newError(KindRateLimited, CategoryAdmission, SeverityLow, false,
		fmt.Sprintf("rate limit exceeded: retry after %d seconds", retryAfterSeconds), nil).
		WithField("identity", identity).
		WithField("count", count).
		WithField("limit", limit).
		WithField("retry_after", retryAfterSeconds)
}

func NewConcurrencyLimitedError(identity string, active, limit int) *AppError {
	return newError(KindConcurrencyLimited, CategoryAdmission, SeverityLow, false,
		"too many captures in flight", nil).
		WithField("identity", identity).
		WithField("count", active).
		WithField("limit", limit)
}

func NewInvalidURLError(msg string) *AppError {
	return newError(KindInvalidURL, CategoryValidation, SeverityLow, false, msg, nil)
}

func NewOptionOutOfPlanError(option string, msg string) *AppError {
	return newError(KindOptionOutOfPlan, CategoryValidation, SeverityLow, false, msg, nil).
		WithField("option", option)
}

func NewUnsafeDestinationError(host string) *AppError {
	return newError(KindUnsafeDestination, CategoryValidation, SeverityMedium, false,
		"destination is not publicly routable", nil).
		WithField("host", host)
}

func NewTimeoutError(cause error) *AppError {
	return newError(KindTimeout, CategoryCapture, SeverityMedium, true, "capture deadline exceeded", cause)
}

func NewBrowserCrashedError(cause error) *AppError {
	return newError(KindBrowserCrashed, CategoryCapture, SeverityHigh, true, "browser crashed during capture", cause)
}

// NewNavigationFailedError normalises engine failures. The raw text goes to
// Detail only.
func NewNavigationFailedError(cause error, transient bool) *AppError {
	e := newError(KindNavigationFailed, CategoryCapture, SeverityMedium, transient, "page navigation failed", cause)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func NewEncodeFailedError(cause error) *AppError {
	e := newError(KindEncodeFailed, CategoryCapture, SeverityMedium, false, "artifact encoding failed", cause)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func NewPoolExhaustedError(cause error) *AppError {
	return newError(KindPoolExhausted, CategoryCapture, SeverityHigh, true, "no browser available", cause)
}

func NewStorageFailureError(cause error) *AppError {
	e := newError(KindStorageFailure, CategoryCapture, SeverityHigh, false, "artifact storage failed", cause)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// NewInvalidRequestError reports a malformed request body, header or parameter.
func NewInvalidRequestError(msg string) *AppError {
	return newError(KindInvalidRequest, CategoryValidation, SeverityLow, false, msg, nil)
}

func NewUnauthorizedError(msg string) *AppError {
	return newError(KindUnauthorized, CategoryValidation, SeverityLow, false, msg, nil)
}

func NewNotFoundError(msg string) *AppError {
	return newError(KindNotFound, CategoryValidation, SeverityLow, false, msg, nil)
}

func NewConflictError(msg string) *AppError {
	return newError(KindConflict, CategoryValidation, SeverityLow, false, msg, nil)
}

func NewInternalError(cause error) *AppError {
	e := newError(KindInternal, CategoryInternal, SeverityHigh, false, "internal error", cause)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}
	return KindInternal
}

// AsAppError extracts the first *AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr, true
	}
	return nil, false
}
