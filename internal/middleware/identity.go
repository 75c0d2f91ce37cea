// Package middleware holds the net/http middleware chain of the public API.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/plan"
)

const APIKeyHeader = "X-API-Key"

type principalKey struct{}

// PrincipalFromContext returns the principal stored by Identity.
func PrincipalFromContext(ctx context.Context) (*plan.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*plan.Principal)
	return p, ok && p != nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *plan.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Identity resolves the caller from the API key and client address. Unknown
// keys continue as anonymous callers; a failing key store is reported.
func Identity(dir *plan.Directory, trustProxy bool, errs *apperrors.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := dir.Lookup(r.Context(), APIKey(r), ClientIP(r, trustProxy))
			if err != nil {
				errs.WriteHTTP(w, r, apperrors.NewInternalError(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// APIKey reads "Authorization: Bearer <key>" or X-API-Key.
func APIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// ClientIP returns the remote address, or the first X-Forwarded-For hop when
// the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
