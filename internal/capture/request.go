// Package capture drives a single capture request through validation, a
// browser lease, rendering and storage.
package capture

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/Proton-105/pagecapture/internal/browser"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/state"
)

const (
	DefaultWidth     = 1280
	DefaultHeight    = 720
	DefaultFormat    = "png"
	DefaultQuality   = 80
	DefaultWaitUntil = string(browser.WaitLoad)
)

// Options are the rendering options of a request. Zero values take defaults.
type Options struct {
	Width     int               `json:"width" validate:"min=100,max=7680"`
	Height    int               `json:"height" validate:"min=100,max=4320"`
	Format    string            `json:"format" validate:"oneof=png jpeg webp pdf"`
	Quality   int               `json:"quality" validate:"min=1,max=100"`
	DelayMs   int               `json:"delay_ms" validate:"min=0,max=30000"`
	FullPage  bool              `json:"full_page"`
	Clip      *browser.Clip     `json:"clip,omitempty"`
	Cookies   []browser.Cookie  `json:"cookies,omitempty" validate:"max=50"`
	Headers   map[string]string `json:"headers,omitempty" validate:"max=30"`
	DarkMode  bool              `json:"dark_mode"`
	BlockAds  bool              `json:"block_ads"`
	WaitUntil string            `json:"wait_until" validate:"oneof=load domcontentloaded networkidle"`
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Width == 0 {
		o.Width = DefaultWidth
	}
	if o.Height == 0 {
		o.Height = DefaultHeight
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	o.Format = strings.ToLower(o.Format)
	if o.Format == "jpg" {
		o.Format = "jpeg"
	}
	if o.Quality == 0 {
		o.Quality = DefaultQuality
	}
	if o.WaitUntil == "" {
		o.WaitUntil = DefaultWaitUntil
	}
	return o
}

// Limits are the plan-derived ceilings applied to a request.
type Limits struct {
	Plan            string
	MaxWidth        int
	MaxHeight       int
	AllowedFormats  []string
	WebhooksEnabled bool
}

// Request is one capture submission. It is not modified once validated.
type Request struct {
	ID         string
	URL        string
	Options    Options
	WebhookURL string
	Identity   string
	Limits     Limits
}

// Result is produced exactly once per request.
type Result struct {
	CaptureID   string
	State       state.State
	Reference   string
	URL         string
	ContentType string
	SizeBytes   int64
	Duration    time.Duration
	Attempts    int
	ErrorKind   apperrors.Kind
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateOptions checks absolute bounds and then the plan ceilings. Any
// violation is reported as an out-of-plan option.
func validateOptions(opts Options, limits Limits, webhookURL string) error {
	if err := validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.NewOptionOutOfPlanError(fe.Field(), describe(fe))
		}
		return apperrors.NewInternalError(err)
	}

	if c := opts.Clip; c != nil {
		if c.X < 0 || c.Y < 0 || c.Width <= 0 || c.Height <= 0 {
			return apperrors.NewOptionOutOfPlanError("clip", "clip must have a non-negative origin and a positive size")
		}
		if opts.Format == "pdf" {
			return apperrors.NewOptionOutOfPlanError("clip", "clip is not supported for pdf output")
		}
	}
	for _, ck := range opts.Cookies {
		if strings.TrimSpace(ck.Name) == "" {
			return apperrors.NewOptionOutOfPlanError("cookies", "cookie name is required")
		}
	}

	if limits.MaxWidth > 0 && opts.Width > limits.MaxWidth {
		return apperrors.NewOptionOutOfPlanError("width",
			fmt.Sprintf("width %d exceeds the %s plan maximum of %d", opts.Width, planName(limits), limits.MaxWidth))
	}
	if limits.MaxHeight > 0 && opts.Height > limits.MaxHeight {
		return apperrors.NewOptionOutOfPlanError("height",
			fmt.Sprintf("height %d exceeds the %s plan maximum of %d", opts.Height, planName(limits), limits.MaxHeight))
	}
	if len(limits.AllowedFormats) > 0 && !slices.Contains(limits.AllowedFormats, opts.Format) {
		return apperrors.NewOptionOutOfPlanError("format",
			fmt.Sprintf("format %s is not available on the %s plan", opts.Format, planName(limits)))
	}
	if webhookURL != "" && !limits.WebhooksEnabled {
		return apperrors.NewOptionOutOfPlanError("webhook_url",
			fmt.Sprintf("webhooks are not available on the %s plan", planName(limits)))
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func planName(l Limits) string {
	if l.Plan == "" {
		return "current"
	}
	return l.Plan
}

// parseTarget checks that raw is an absolute URL with a host.
func parseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.NewInvalidURLError("url is required")
	}
	if len(raw) > 2048 {
		return nil, apperrors.NewInvalidURLError("url is too long")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.NewInvalidURLError("url is malformed")
	}
	if u.Scheme == "" || u.Host == "" || u.Hostname() == "" {
		return nil, apperrors.NewInvalidURLError("url must be absolute")
	}
	return u, nil
}

func (o Options) job(target string) browser.Job {
	return browser.Job{
		URL:       target,
		Width:     o.Width,
		Height:    o.Height,
		Format:    o.Format,
		Quality:   o.Quality,
		FullPage:  o.FullPage,
		Clip:      o.Clip,
		Delay:     time.Duration(o.DelayMs) * time.Millisecond,
		Cookies:   o.Cookies,
		Headers:   o.Headers,
		DarkMode:  o.DarkMode,
		BlockAds:  o.BlockAds,
		WaitUntil: browser.WaitUntil(o.WaitUntil),
	}
}
