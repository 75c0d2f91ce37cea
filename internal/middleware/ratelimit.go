package middleware

import (
	"net/http"

	"github.com/Proton-105/pagecapture/internal/admission"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
)

// RateLimit applies the sliding window of scope to routes that do not go
// through SubmitCapture. It must run after Identity.
func RateLimit(ctrl *admission.Controller, scope ratelimit.Scope, errs *apperrors.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := ctrl.Check(r.Context(), scope, p)
			admission.WriteHeaders(w.Header(), decision)
			if err != nil {
				errs.WriteHTTP(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
