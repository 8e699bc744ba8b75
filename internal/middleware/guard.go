package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/accessguard/accessguard/internal/admission"
)

// Admit runs the admission controller ahead of the wrapped handler. Denied
// requests get 429 with Retry-After; blocked keys are denied outright.
func (m *Middleware) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		callerID := GetCallerID(r.Context())

		d := m.adm.Check(r.Context(), key, r.URL.Path, r.Method, callerID)

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retrySeconds := int64(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds, 10))
			status := http.StatusTooManyRequests
			if d.Reason == admission.ReasonBlocked {
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"allowed":false,"retryAfter":%d,"reason":%q}`, d.RetryAfter.Milliseconds(), d.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AntiForgery validates the anti-forgery header on state-changing methods.
// Read methods pass through untouched.
func (m *Middleware) AntiForgery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		candidate := r.Header.Get(m.tokens.HeaderName())
		if err := m.tokens.Validate(r.Context(), GetCallerID(r.Context()), candidate); err != nil {
			http.Error(w, `{"error":"token_rejected","message":"Anti-forgery token missing, invalid, or expired"}`, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
