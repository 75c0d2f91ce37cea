package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Proton-105/pagecapture/internal/browser"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/jobs"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/state"
	"github.com/Proton-105/pagecapture/internal/storage"
	"github.com/Proton-105/pagecapture/internal/usage"
	"github.com/Proton-105/pagecapture/pkg/metrics"
)

// LeaseSource hands out exclusive browser leases; *browser.Pool implements it.
type LeaseSource interface {
	Acquire(ctx context.Context, timeout time.Duration) (*browser.Lease, error)
}

// ArtifactRecorder persists artifact metadata after a successful store.
type ArtifactRecorder interface {
	Create(ctx context.Context, artifact *repository.Artifact) error
}

// WebhookNotifier schedules a delivery for a finished capture.
type WebhookNotifier interface {
	EnqueueWebhook(ctx context.Context, payload jobs.WebhookPayload) error
}

// Config tunes the orchestrator.
type Config struct {
	// Deadline bounds navigation, render and encode of one attempt. The
	// requested delay is added on top.
	Deadline       time.Duration
	AcquireTimeout time.Duration
	Retry          apperrors.Policy
	KeyPrefix      string
	// Retention sets the expiry recorded with artifact metadata; zero keeps artifacts forever.
	Retention time.Duration
}

// Deps are optional collaborators. Nil fields are skipped.
type Deps struct {
	Machine   *state.Machine
	Guard     *Guard
	Usage     usage.Recorder
	Artifacts ArtifactRecorder
	Webhooks  WebhookNotifier
	Logger    *slog.Logger
	// Sleep replaces the retry backoff sleeper in tests.
	Sleep apperrors.SleepFunc
	Now   func() time.Time
}

// Orchestrator drives one request to one Result.
type Orchestrator struct {
	pool    LeaseSource
	backend storage.Backend
	cfg     Config

	machine   *state.Machine
	guard     *Guard
	usage     usage.Recorder
	artifacts ArtifactRecorder
	webhooks  WebhookNotifier
	log       *slog.Logger
	sleep     apperrors.SleepFunc
	now       func() time.Time
}

func NewOrchestrator(pool LeaseSource, backend storage.Backend, cfg Config, deps Deps) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.Retry == (apperrors.Policy{}) {
		cfg.Retry = apperrors.DefaultPolicy
	}

	o := &Orchestrator{
		pool:      pool,
		backend:   backend,
		cfg:       cfg,
		machine:   deps.Machine,
		guard:     deps.Guard,
		usage:     deps.Usage,
		artifacts: deps.Artifacts,
		webhooks:  deps.Webhooks,
		log:       deps.Logger,
		sleep:     deps.Sleep,
		now:       deps.Now,
	}
	if o.machine == nil {
		o.machine = state.NewMachine(state.NewMemoryStorage(time.Hour), deps.Logger, nil)
	}
	if o.guard == nil {
		o.guard = NewGuard(nil, false)
	}
	if o.usage == nil {
		o.usage = usage.Nop{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.sleep == nil {
		o.sleep = apperrors.Sleep
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.log = o.log.With(slog.String("component", "capture"))

	return o
}

// Status returns the status record of a capture.
func (o *Orchestrator) Status(ctx context.Context, captureID string) (*state.CaptureStatus, error) {
	return o.machine.Get(ctx, captureID)
}

// Capture validates req against its plan limits, then renders and stores it.
// Validation failures never touch the pool. The returned Result is always
// non-nil; err is an *errors.AppError when the capture failed.
func (o *Orchestrator) Capture(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Options = req.Options.WithDefaults()

	status := &state.CaptureStatus{
		CaptureID: req.ID,
		Identity:  req.Identity,
		URL:       req.URL,
		Format:    req.Options.Format,
	}
	o.begin(ctx, status)

	res := &Result{CaptureID: req.ID, State: state.StatePending}

	target, err := o.prepare(ctx, req)
	if err != nil {
		return o.finish(ctx, req, status, res, start, err)
	}

	job := req.Options.job(target)
	var artifact browser.Artifact

	err = apperrors.DoWithSleep(ctx, o.cfg.Retry, o.sleep, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			o.transition(ctx, status, state.StatePending, nil)
			o.log.Info("retrying capture",
				slog.String("capture_id", req.ID),
				slog.Int("attempt", attempt),
			)
		}
		res.Attempts = attempt + 1

		attemptStart := o.now()
		art, err := o.attempt(ctx, status, job)
		if err == nil {
			artifact = art
			err = o.store(ctx, req, res, art)
		}
		o.recordAttempt(req, attempt, art, attemptStart, err)
		return err
	})

	if err == nil {
		res.ContentType = artifact.ContentType
		res.SizeBytes = int64(len(artifact.Data))
	}
	return o.finish(ctx, req, status, res, start, err)
}

// prepare runs every check that can reject the request without a browser.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (string, error) {
	if err := validateOptions(req.Options, req.Limits, req.WebhookURL); err != nil {
		return "", err
	}

	target, err := o.guard.Check(ctx, req.URL)
	if err != nil {
		return "", err
	}
	if req.WebhookURL != "" {
		if _, err := o.guard.Check(ctx, req.WebhookURL); err != nil {
			if appErr, ok := apperrors.AsAppError(err); ok {
				appErr.WithField("option", "webhook_url")
			}
			return "", err
		}
	}

	return target.String(), nil
}

// attempt holds one lease for one render. The lease is always released before
// returning; a deadline or crash releases it as unhealthy.
func (o *Orchestrator) attempt(ctx context.Context, status *state.CaptureStatus, job browser.Job) (browser.Artifact, error) {
	lease, err := o.pool.Acquire(ctx, o.cfg.AcquireTimeout)
	if err != nil {
		return browser.Artifact{}, classifyAcquire(ctx, err)
	}

	healthy := false
	defer func() { lease.Release(healthy) }()

	o.transition(ctx, status, state.StateProcessing, nil)

	renderCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline+job.Delay)
	defer cancel()

	artifact, err := lease.Render(renderCtx, job)
	if err != nil {
		keep, appErr := classifyRender(renderCtx, err)
		healthy = keep
		return browser.Artifact{}, appErr
	}
	healthy = true

	if len(artifact.Data) == 0 {
		return browser.Artifact{}, apperrors.NewEncodeFailedError(errors.New("empty artifact"))
	}
	if artifact.ContentType == "" {
		artifact.ContentType = browser.ContentType(job.Format)
	}
	return artifact, nil
}

// store persists the artifact and its metadata. Storage errors are never retried.
func (o *Orchestrator) store(ctx context.Context, req Request, res *Result, artifact browser.Artifact) error {
	now := o.now()
	key := storage.BuildKey(o.cfg.KeyPrefix, req.Identity, req.ID, storage.Extension(req.Options.Format), now)

	ref, err := o.backend.Put(ctx, key, artifact.Data, artifact.ContentType)
	if err != nil {
		return apperrors.NewStorageFailureError(err)
	}
	res.Reference = ref

	if signed, err := o.backend.Get(ctx, ref); err != nil {
		o.log.Warn("failed to sign artifact url", slog.String("capture_id", req.ID), slog.Any("error", err))
	} else {
		res.URL = signed
	}

	if o.artifacts != nil {
		record := &repository.Artifact{
			ID:          uuid.NewString(),
			CaptureID:   req.ID,
			Identity:    req.Identity,
			Reference:   ref,
			ContentType: artifact.ContentType,
			SizeBytes:   int64(len(artifact.Data)),
			CreatedAt:   now.UTC(),
		}
		if o.cfg.Retention > 0 {
			record.ExpiresAt = now.Add(o.cfg.Retention).UTC()
		} else {
			record.ExpiresAt = now.AddDate(100, 0, 0).UTC()
		}
		// The artifact is stored; a metadata failure only loses retention tracking.
		if err := o.artifacts.Create(ctx, record); err != nil {
			o.log.Error("failed to record artifact metadata",
				slog.String("capture_id", req.ID),
				slog.String("reference", ref),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

func (o *Orchestrator) finish(ctx context.Context, req Request, status *state.CaptureStatus, res *Result, start time.Time, err error) (*Result, error) {
	res.Duration = o.now().Sub(start)

	if err == nil {
		res.State = state.StateCompleted
		o.transition(ctx, status, state.StateCompleted, func(s *state.CaptureStatus) {
			s.ArtifactRef = res.Reference
			s.SizeBytes = res.SizeBytes
			s.DurationMs = res.Duration.Milliseconds()
		})
	} else {
		err = normalize(ctx, err)
		res.State = state.StateFailed
		res.ErrorKind = apperrors.KindOf(err)
		o.transition(ctx, status, state.StateFailed, func(s *state.CaptureStatus) {
			s.ErrorKind = string(res.ErrorKind)
			s.ErrorMessage = publicMessage(err)
			s.DurationMs = res.Duration.Milliseconds()
		})
	}

	metrics.RecordCapture(req.Options.Format, resultLabel(res), res.Duration)
	o.notify(ctx, req, res)

	logArgs := []any{
		slog.String("capture_id", req.ID),
		slog.String("state", string(res.State)),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", res.Duration),
	}
	if err != nil {
		logArgs = append(logArgs, slog.String("error_kind", string(res.ErrorKind)), slog.Any("error", err))
	}
	o.log.Info("capture finished", logArgs...)

	return res, err
}

func (o *Orchestrator) notify(ctx context.Context, req Request, res *Result) {
	if o.webhooks == nil || req.WebhookURL == "" || res.Attempts == 0 {
		return
	}

	payload := jobs.WebhookPayload{
		WebhookURL: req.WebhookURL,
		CaptureID:  res.CaptureID,
		Status:     string(res.State),
		URL:        res.URL,
		SizeBytes:  res.SizeBytes,
		DurationMs: res.Duration.Milliseconds(),
		ErrorKind:  string(res.ErrorKind),
	}
	if err := o.webhooks.EnqueueWebhook(context.WithoutCancel(ctx), payload); err != nil {
		o.log.Warn("failed to enqueue webhook", slog.String("capture_id", res.CaptureID), slog.Any("error", err))
	}
}

func (o *Orchestrator) recordAttempt(req Request, attempt int, artifact browser.Artifact, start time.Time, err error) {
	event := usage.Event{
		Identity:   req.Identity,
		CaptureID:  req.ID,
		Attempt:    attempt,
		Success:    err == nil,
		Format:     req.Options.Format,
		DurationMs: o.now().Sub(start).Milliseconds(),
	}
	if err == nil {
		event.SizeBytes = int64(len(artifact.Data))
		metrics.RecordAttempt("ok")
	} else {
		event.ErrorKind = string(apperrors.KindOf(err))
		metrics.RecordAttempt(event.ErrorKind)
	}
	o.usage.Record(event)
}

func (o *Orchestrator) begin(ctx context.Context, status *state.CaptureStatus) {
	if err := o.machine.Begin(context.WithoutCancel(ctx), status); err != nil {
		o.log.Warn("failed to record capture status", slog.String("capture_id", status.CaptureID), slog.Any("error", err))
	}
}

// transition records status changes. The record is informational, so store
// failures are logged rather than failing the capture.
func (o *Orchestrator) transition(ctx context.Context, status *state.CaptureStatus, next state.State, mutate func(*state.CaptureStatus)) {
	if err := o.machine.TransitionTo(context.WithoutCancel(ctx), status, next, mutate); err != nil {
		o.log.Warn("failed to record capture status",
			slog.String("capture_id", status.CaptureID),
			slog.String("to", string(next)),
			slog.Any("error", err),
		)
	}
}

func classifyAcquire(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.NewTimeoutError(ctxErr)
	}

	appErr := apperrors.NewPoolExhaustedError(err)
	if errors.Is(err, browser.ErrPoolClosed) {
		appErr.Retryable = false
	}
	return appErr
}

// classifyRender maps an engine error to the taxonomy and reports whether the
// browser can go back to the pool.
func classifyRender(ctx context.Context, err error) (bool, error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false, apperrors.NewTimeoutError(err)
	}
	if errors.Is(err, context.Canceled) {
		return false, apperrors.NewTimeoutError(err)
	}
	if errors.Is(err, browser.ErrCrashed) {
		return false, apperrors.NewBrowserCrashedError(err)
	}
	if errors.Is(err, browser.ErrEncode) {
		return true, apperrors.NewEncodeFailedError(err)
	}

	var navErr *browser.NavigationError
	if errors.As(err, &navErr) {
		return true, apperrors.NewNavigationFailedError(err, navErr.Transient)
	}

	// Unknown engine failure: hide the text and do not trust the browser.
	return false, apperrors.NewNavigationFailedError(err, false)
}

// normalize makes sure every failure leaving the orchestrator is an AppError.
func normalize(ctx context.Context, err error) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return apperrors.NewTimeoutError(err)
	}
	return apperrors.NewInternalError(err)
}

func publicMessage(err error) string {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.Message
	}
	return "internal error"
}

func resultLabel(res *Result) string {
	if res.State == state.StateCompleted {
		return "completed"
	}
	return string(res.ErrorKind)
}
