package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Proton-105/pagecapture/pkg/config"
)

// Scope identifies which route family a rule applies to.
type Scope string

const (
	ScopeAuth       Scope = "auth"
	ScopeScreenshot Scope = "screenshot"
	ScopeDefault    Scope = "default"
)

// KeyBy selects how the identity key is resolved for a rule.
type KeyBy string

const (
	KeyByIP     KeyBy = "ip"
	KeyByUser   KeyBy = "user"
	KeyByAPIKey KeyBy = "api_key"
)

// Rule is a resolved sliding window for one scope.
type Rule struct {
	Scope  Scope
	Window time.Duration
	Max    int
	KeyBy  KeyBy
}

// Rules encapsulates configured rate limits. Built once at route registration.
type Rules struct {
	rules     map[Scope]Rule
	whitelist map[string]struct{}
}

// NewRules constructs rate limiting rules from configuration settings.
func NewRules(cfg config.RateLimitConfig) (*Rules, error) {
	r := &Rules{
		rules:     make(map[Scope]Rule, 3),
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
	}

	for scope, raw := range map[Scope]config.RateLimitRule{
		ScopeAuth:       cfg.Routes.Auth,
		ScopeScreenshot: cfg.Routes.Screenshot,
		ScopeDefault:    cfg.Routes.Default,
	} {
		rule, err := parseRule(scope, raw)
		if err != nil {
			return nil, fmt.Errorf("rate limit rule %s: %w", scope, err)
		}
		r.rules[scope] = rule
	}

	for _, id := range cfg.Whitelist {
		if id = strings.TrimSpace(id); id != "" {
			r.whitelist[id] = struct{}{}
		}
	}

	return r, nil
}

// Rule returns the rule for scope, falling back to the default scope.
func (r *Rules) Rule(scope Scope) Rule {
	if rule, ok := r.rules[scope]; ok {
		return rule
	}
	return r.rules[ScopeDefault]
}

// IsWhitelisted reports whether identity bypasses rate limits. Both the full
// key ("user:42") and the bare id ("42") are matched.
func (r *Rules) IsWhitelisted(identity string) bool {
	if _, ok := r.whitelist[identity]; ok {
		return true
	}
	if _, bare, found := strings.Cut(identity, ":"); found {
		_, ok := r.whitelist[bare]
		return ok
	}
	return false
}

// MaxWindow is the longest configured window; the key cleaner uses it as its cutoff.
func (r *Rules) MaxWindow() time.Duration {
	var max time.Duration
	for _, rule := range r.rules {
		if rule.Window > max {
			max = rule.Window
		}
	}
	return max
}

func parseRule(scope Scope, rule config.RateLimitRule) (Rule, error) {
	if rule.Window == "" {
		return Rule{}, errors.New("window duration is not set")
	}
	window, err := time.ParseDuration(rule.Window)
	if err != nil {
		return Rule{}, err
	}
	if window <= 0 {
		return Rule{}, errors.New("window must be positive")
	}
	if rule.Max <= 0 {
		return Rule{}, errors.New("max must be positive")
	}

	keyBy := KeyBy(rule.KeyBy)
	switch keyBy {
	case KeyByIP, KeyByUser, KeyByAPIKey:
	case "":
		keyBy = KeyByUser
	default:
		return Rule{}, fmt.Errorf("unknown key_by %q", rule.KeyBy)
	}

	return Rule{Scope: scope, Window: window, Max: rule.Max, KeyBy: keyBy}, nil
}
