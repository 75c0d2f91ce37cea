// Package admission gates capture submissions behind a sliding-window rate
// limit and a per-identity concurrency limit before any browser work starts.
package admission

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/Proton-105/pagecapture/internal/capture"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/pkg/metrics"
)

// Capturer runs an admitted request; *capture.Orchestrator implements it.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) (*capture.Result, error)
}

// Decision is the quota metadata of one admission, returned on rejections too.
type Decision struct {
	Scope       ratelimit.Scope
	Identity    string
	Allowed     bool
	Whitelisted bool

	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	ConcurrencyLimit  int
	ConcurrencyActive int

	// FailOpen is set when either mechanism admitted without enforcement.
	FailOpen bool
	Degraded bool
}

// Options configures NewController.
type Options struct {
	// Concurrency applies when the caller's plan does not set one.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Controller composes the rate and concurrency limiters. Both must pass.
type Controller struct {
	limiter     ratelimit.Limiter
	slots       *ratelimit.ConcurrencyLimiter
	rules       *ratelimit.Rules
	capturer    Capturer
	concurrency int
	log         *slog.Logger
	now         func() time.Time
}

func NewController(limiter ratelimit.Limiter, slots *ratelimit.ConcurrencyLimiter, rules *ratelimit.Rules, capturer Capturer, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	return &Controller{
		limiter:     limiter,
		slots:       slots,
		rules:       rules,
		capturer:    capturer,
		concurrency: opts.Concurrency,
		log:         opts.Logger,
		now:         opts.Now,
	}
}

// Check applies the rate limit of scope to the principal. A rejection returns
// the decision together with a rate_limited error.
func (c *Controller) Check(ctx context.Context, scope ratelimit.Scope, p *plan.Principal) (*Decision, error) {
	rule := c.rules.Rule(scope)
	limit := rateFor(rule, p)
	decision := &Decision{
		Scope:    rule.Scope,
		Identity: IdentityKey(rule.KeyBy, p),
		Limit:    limit,
	}

	if c.rules.IsWhitelisted(decision.Identity) {
		decision.Allowed = true
		decision.Whitelisted = true
		decision.Remaining = limit
		metrics.RecordAdmission(string(rule.Scope), "whitelisted")
		return decision, nil
	}

	key := string(rule.Scope) + ":" + decision.Identity
	res, err := c.limiter.Check(ctx, key, limit, rule.Window)
	if err != nil {
		metrics.RecordAdmission(string(rule.Scope), "error")
		return decision, apperrors.NewInternalError(err)
	}

	decision.Allowed = res.Allowed
	decision.Remaining = res.Remaining
	decision.ResetAt = res.ResetAt
	decision.FailOpen = res.FailOpen
	decision.Degraded = res.Degraded

	if !res.Allowed {
		decision.RetryAfter = c.retryAfter(res.ResetAt)
		seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		metrics.RecordAdmission(string(rule.Scope), "rate_limited")
		c.log.Warn("rate limit exceeded",
			slog.String("scope", string(rule.Scope)),
			slog.String("identity", decision.Identity),
			slog.Int("count", res.Count),
			slog.Int("limit", limit),
			slog.Bool("degraded", res.Degraded),
		)
		return decision, apperrors.NewRateLimitedError(decision.Identity, res.Count, limit, seconds)
	}

	if res.FailOpen {
		metrics.RecordAdmission(string(rule.Scope), "fail_open")
	} else {
		metrics.RecordAdmission(string(rule.Scope), "allowed")
	}
	return decision, nil
}

// SubmitCapture admits req for the principal and runs it. The concurrency
// slot is released exactly once when the capture returns, whatever the
// outcome. The decision is non-nil whenever the rate check ran.
func (c *Controller) SubmitCapture(ctx context.Context, req capture.Request, p *plan.Principal) (*capture.Result, *Decision, error) {
	decision, err := c.Check(ctx, ratelimit.ScopeScreenshot, p)
	if err != nil {
		return nil, decision, err
	}

	limit := c.concurrency
	if p.Plan.Concurrency > 0 {
		limit = p.Plan.Concurrency
	}

	slot, err := c.slots.Acquire(ctx, decision.Identity, limit)
	if err != nil {
		return nil, decision, apperrors.NewInternalError(err)
	}
	defer slot.Release()

	decision.ConcurrencyLimit = limit
	decision.ConcurrencyActive = slot.Active
	decision.FailOpen = decision.FailOpen || slot.FailOpen
	decision.Degraded = decision.Degraded || slot.Degraded

	if !slot.Acquired {
		decision.Allowed = false
		metrics.RecordAdmission("concurrency", "concurrency_limited")
		c.log.Warn("concurrency limit exceeded",
			slog.String("identity", decision.Identity),
			slog.Int("active", slot.Active),
			slog.Int("limit", limit),
		)
		return nil, decision, apperrors.NewConcurrencyLimitedError(decision.Identity, slot.Active, limit)
	}
	if slot.FailOpen {
		metrics.RecordAdmission("concurrency", "fail_open")
	} else {
		metrics.RecordAdmission("concurrency", "allowed")
	}

	req.Identity = decision.Identity
	req.Limits = p.Plan.CaptureLimits()

	res, err := c.capturer.Capture(ctx, req)
	return res, decision, err
}

// IdentityFor returns the counter key scope uses for p. Capture records are
// owned by the screenshot-scope identity.
func (c *Controller) IdentityFor(scope ratelimit.Scope, p *plan.Principal) string {
	return IdentityKey(c.rules.Rule(scope).KeyBy, p)
}

func (c *Controller) retryAfter(resetAt time.Time) time.Duration {
	d := resetAt.Sub(c.now())
	if d < time.Second {
		return time.Second
	}
	return d
}

// rateFor picks the sliding-window max. For the screenshot scope a per-key
// override wins over the plan value, which wins over the route default.
func rateFor(rule ratelimit.Rule, p *plan.Principal) int {
	if rule.Scope != ratelimit.ScopeScreenshot {
		return rule.Max
	}
	if p.RateLimit > 0 {
		return p.RateLimit
	}
	if p.Plan.RateLimit > 0 {
		return p.Plan.RateLimit
	}
	return rule.Max
}
