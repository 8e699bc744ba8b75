package router

import (
	"net/http"

	"github.com/accessguard/accessguard/internal/handler"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (not admission-controlled)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"AccessGuard API v1","version":"0.1.0"}`))
	})

	// Read endpoints: admission-controlled only
	admit := func(fn http.HandlerFunc) http.Handler {
		return mw.Admit(fn)
	}
	mux.Handle("GET /api/v1/audit/events", admit(h.SearchEvents))
	mux.Handle("GET /api/v1/audit/callers/{id}/trail", admit(h.CallerTrail))
	mux.Handle("GET /api/v1/audit/resources/{id}/trail", admit(h.ResourceTrail))
	mux.Handle("GET /api/v1/reports/compliance", admit(h.ComplianceReport))
	mux.Handle("GET /api/v1/admission/status/{key}", admit(h.AdmissionStatus))
	mux.Handle("GET /api/v1/antiforgery/token", admit(h.AntiForgeryToken))

	// Mutating endpoints: admission plus anti-forgery validation
	protect := func(fn http.HandlerFunc) http.Handler {
		return mw.Admit(mw.AntiForgery(fn))
	}
	mux.Handle("POST /api/v1/audit/events/{id}/review", protect(h.ReviewEvent))
	mux.Handle("POST /api/v1/violations/{id}/resolve", protect(h.ResolveViolation))

	// Apply global middleware chain: recover -> request ID -> caller
	// identity -> logging
	var root http.Handler = mux
	root = mw.Logger(root)
	root = mw.CallerIdentity(root)
	root = mw.RequestID(root)
	root = mw.Recover(root)

	return root
}
