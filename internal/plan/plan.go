// Package plan resolves the caller behind a request and the limits of its
// subscription plan.
package plan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/Proton-105/pagecapture/internal/capture"
	"github.com/Proton-105/pagecapture/pkg/config"
)

// FreePlan is the plan of anonymous callers.
const FreePlan = "free"

// ErrUnknownKey means the API key does not exist or was revoked.
var ErrUnknownKey = errors.New("unknown api key")

// Plan is the set of limits granted by a subscription.
type Plan struct {
	Name            string   `json:"name"`
	MaxWidth        int      `json:"max_width"`
	MaxHeight       int      `json:"max_height"`
	RateLimit       int      `json:"rate_limit"`
	Concurrency     int      `json:"concurrency"`
	AllowedFormats  []string `json:"allowed_formats"`
	WebhooksEnabled bool     `json:"webhooks_enabled"`
}

// CaptureLimits returns the option ceilings applied by the orchestrator.
func (p Plan) CaptureLimits() capture.Limits {
	return capture.Limits{
		Plan:            p.Name,
		MaxWidth:        p.MaxWidth,
		MaxHeight:       p.MaxHeight,
		AllowedFormats:  p.AllowedFormats,
		WebhooksEnabled: p.WebhooksEnabled,
	}
}

// Principal is the resolved caller.
type Principal struct {
	UserID   string `json:"user_id,omitempty"`
	APIKeyID string `json:"api_key_id,omitempty"`
	IP       string `json:"-"`
	Plan     Plan   `json:"plan"`
	// RateLimit overrides the plan rate limit for this API key when positive.
	RateLimit int `json:"rate_limit,omitempty"`
}

// Anonymous reports whether the caller presented no valid credentials.
func (p *Principal) Anonymous() bool {
	return p.UserID == "" && p.APIKeyID == ""
}

// Resolver maps a raw API key to its principal, or ErrUnknownKey.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*Principal, error)
}

// HashKey returns the sha256 hex digest API keys are stored under.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Directory resolves principals and falls back to an anonymous caller on the
// free plan when the key is missing or unknown.
type Directory struct {
	resolver Resolver
	free     Plan
}

func NewDirectory(resolver Resolver, free Plan) *Directory {
	if free.Name == "" {
		free.Name = FreePlan
	}
	return &Directory{resolver: resolver, free: free}
}

// Lookup returns the principal for apiKey with ip attached.
func (d *Directory) Lookup(ctx context.Context, apiKey, ip string) (*Principal, error) {
	if apiKey != "" && d.resolver != nil {
		p, err := d.resolver.Resolve(ctx, apiKey)
		switch {
		case err == nil:
			resolved := *p
			resolved.IP = ip
			return &resolved, nil
		case !errors.Is(err, ErrUnknownKey):
			return nil, err
		}
	}

	return &Principal{IP: ip, Plan: d.free}, nil
}

// FromConfig converts configured plans.
func FromConfig(plans map[string]config.PlanConfig) map[string]Plan {
	out := make(map[string]Plan, len(plans))
	for name, pc := range plans {
		out[name] = Plan{
			Name:            name,
			MaxWidth:        pc.MaxWidth,
			MaxHeight:       pc.MaxHeight,
			RateLimit:       pc.RateLimit,
			Concurrency:     pc.Concurrency,
			AllowedFormats:  append([]string(nil), pc.AllowedFormats...),
			WebhooksEnabled: pc.WebhooksEnabled,
		}
	}
	return out
}
