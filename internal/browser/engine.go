// Package browser maintains a bounded pool of headless browser processes and
// hands out exclusive, isolated leases on them.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Engine starts browser processes.
type Engine interface {
	Launch(ctx context.Context) (Instance, error)
}

// Instance is one live browser process.
type Instance interface {
	// NewContext creates an isolated browsing context (no shared cookies or cache).
	NewContext(ctx context.Context) (Context, error)
	// Ping fails when the process no longer answers.
	Ping(ctx context.Context) error
	// PID is the OS process id of the browser, or 0 when unknown.
	PID() int
	Close() error
}

// Context is an isolated browsing context owned by a single lease.
type Context interface {
	Render(ctx context.Context, job Job) (Artifact, error)
	Close() error
}

// WaitUntil is the navigation-completion criterion.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// Clip is a capture rectangle in CSS pixels.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Cookie is set on the browsing context before navigation.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// Job is a fully validated render instruction.
type Job struct {
	URL       string
	Width     int
	Height    int
	Format    string
	Quality   int
	FullPage  bool
	Clip      *Clip
	Delay     time.Duration
	Cookies   []Cookie
	Headers   map[string]string
	DarkMode  bool
	BlockAds  bool
	WaitUntil WaitUntil
}

// Artifact is the encoded output of a render.
type Artifact struct {
	Data        []byte
	ContentType string
}

var (
	// ErrAcquireTimeout is returned when no lease became available in time.
	ErrAcquireTimeout = errors.New("browser acquire timed out")
	// ErrPoolExhausted is returned when a browser process could not be started.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("browser pool closed")

	// ErrNavigation matches every *NavigationError.
	ErrNavigation = errors.New("navigation failed")
	// ErrCrashed marks a render whose browser stopped answering.
	ErrCrashed = errors.New("browser crashed")
	// ErrEncode marks a failure producing the output bytes.
	ErrEncode = errors.New("encode failed")
)

// NavigationError carries the engine's failure reason. Transient reasons are
// network conditions that may succeed on another attempt.
type NavigationError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *NavigationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("navigation failed: %s", e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("navigation failed: %v", e.Err)
	}
	return "navigation failed"
}

func (e *NavigationError) Unwrap() error { return e.Err }

func (e *NavigationError) Is(target error) bool { return target == ErrNavigation }

var transientReasons = map[string]struct{}{
	"net::ERR_TIMED_OUT":               {},
	"net::ERR_CONNECTION_TIMED_OUT":    {},
	"net::ERR_CONNECTION_RESET":        {},
	"net::ERR_CONNECTION_CLOSED":       {},
	"net::ERR_CONNECTION_ABORTED":      {},
	"net::ERR_EMPTY_RESPONSE":          {},
	"net::ERR_NETWORK_CHANGED":         {},
	"net::ERR_INTERNET_DISCONNECTED":   {},
	"net::ERR_ADDRESS_UNREACHABLE":     {},
	"net::ERR_NAME_RESOLUTION_FAILED":  {},
	"net::ERR_TEMPORARILY_THROTTLED":   {},
	"net::ERR_HTTP2_PROTOCOL_ERROR":    {},
	"net::ERR_QUIC_PROTOCOL_ERROR":     {},
	"net::ERR_PROXY_CONNECTION_FAILED": {},
}

// IsTransientReason classifies an engine navigation failure reason.
func IsTransientReason(reason string) bool {
	_, ok := transientReasons[reason]
	return ok
}

// ContentType returns the MIME type for an output format.
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "pdf":
		return "application/pdf"
	default:
		return "image/png"
	}
}
