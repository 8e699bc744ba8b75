package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDKey carries the request ID through the context.
	RequestIDKey contextKey = "request_id"
	// CallerIDKey carries the caller identity extracted from the request.
	CallerIDKey contextKey = "caller_id"
)

// RequestID adds a unique request ID to each request
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check for existing request ID in header
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Add to context and response header
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// CallerIdentity resolves the caller ID from the X-Caller-ID header and
// stores it in the context. Upstream authentication is expected to have set
// the header; absent callers are recorded as anonymous.
func (m *Middleware) CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID := r.Header.Get("X-Caller-ID")
		if callerID == "" {
			callerID = "anonymous"
		}
		ctx := context.WithValue(r.Context(), CallerIDKey, callerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCallerID retrieves the caller ID from context
func GetCallerID(ctx context.Context) string {
	if id, ok := ctx.Value(CallerIDKey).(string); ok {
		return id
	}
	return "anonymous"
}

// ClientKey returns the admission key for a request: the caller identity
// when known, otherwise the client address.
func ClientKey(r *http.Request) string {
	if id, ok := r.Context().Value(CallerIDKey).(string); ok && id != "anonymous" {
		return id
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
