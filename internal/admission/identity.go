package admission

import (
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
)

// IdentityKey resolves the counter key for a principal. When the preferred
// attribute is missing the next one is used: user, then API key, then IP.
func IdentityKey(keyBy ratelimit.KeyBy, p *plan.Principal) string {
	switch keyBy {
	case ratelimit.KeyByUser:
		if p.UserID != "" {
			return "user:" + p.UserID
		}
		if p.APIKeyID != "" {
			return "key:" + p.APIKeyID
		}
	case ratelimit.KeyByAPIKey:
		if p.APIKeyID != "" {
			return "key:" + p.APIKeyID
		}
		if p.UserID != "" {
			return "user:" + p.UserID
		}
	}
	return ipKey(p.IP)
}

func ipKey(ip string) string {
	if ip == "" {
		return "ip:unknown"
	}
	return "ip:" + ip
}
