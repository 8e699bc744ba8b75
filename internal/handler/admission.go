package handler

import (
	"net/http"
)

// AdmissionStatus handles GET /api/v1/admission/status/{key}
func (h *Handler) AdmissionStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "MISSING_KEY", "Admission key is required")
		return
	}

	d := h.adm.Status(key)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":             key,
		"allowed":         d.Allowed,
		"remainingTokens": d.Remaining,
		"resetTime":       d.ResetAt,
		"retryAfterMs":    d.RetryAfter.Milliseconds(),
		"reason":          d.Reason,
	})
}

// AntiForgeryToken handles GET /api/v1/antiforgery/token
func (h *Handler) AntiForgeryToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokens.Token(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to issue anti-forgery token")
		writeError(w, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue anti-forgery token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":  token,
		"header": h.tokens.HeaderName(),
	})
}
