package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/accessguard/accessguard/internal/middleware"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/accessguard/accessguard/internal/storage"
)

// SearchEvents handles GET /api/v1/audit/events
func (h *Handler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	criteria := storage.SearchCriteria{
		CallerID:     q.Get("caller_id"),
		ResourceID:   q.Get("resource_id"),
		ResourceType: q.Get("resource_type"),
		Kind:         model.EventKind(q.Get("kind")),
		Outcome:      model.Outcome(q.Get("outcome")),
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_MIN_SCORE", "min_score must be an integer")
			return
		}
		criteria.MinScore = score
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
			return
		}
		criteria.Limit = limit
	}
	var err error
	if criteria.Start, criteria.End, err = parseRange(r); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	}

	events, err := h.trail.SearchEvents(r.Context(), criteria)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to search audit events")
		writeError(w, http.StatusInternalServerError, "SEARCH_FAILED", "Failed to search audit events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// CallerTrail handles GET /api/v1/audit/callers/{id}/trail
func (h *Handler) CallerTrail(w http.ResponseWriter, r *http.Request) {
	callerID := r.PathValue("id")
	if callerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CALLER_ID", "Caller ID is required")
		return
	}

	start, end, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	}

	events, err := h.trail.TrailForCaller(r.Context(), callerID, start, end)
	if err != nil {
		h.log.Error().Err(err).Str("caller_id", callerID).Msg("failed to load caller trail")
		writeError(w, http.StatusInternalServerError, "TRAIL_FAILED", "Failed to load caller trail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"callerId": callerID,
		"events":   events,
		"count":    len(events),
	})
}

// ResourceTrail handles GET /api/v1/audit/resources/{id}/trail
func (h *Handler) ResourceTrail(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("id")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_RESOURCE_ID", "Resource ID is required")
		return
	}

	start, end, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	}

	events, err := h.trail.TrailForResource(r.Context(), resourceID, start, end)
	if err != nil {
		h.log.Error().Err(err).Str("resource_id", resourceID).Msg("failed to load resource trail")
		writeError(w, http.StatusInternalServerError, "TRAIL_FAILED", "Failed to load resource trail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resourceId": resourceID,
		"events":     events,
		"count":      len(events),
	})
}

// ReviewEvent handles POST /api/v1/audit/events/{id}/review
func (h *Handler) ReviewEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_EVENT_ID", "Event ID is required")
		return
	}

	reviewerID, err := reviewerFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON")
		return
	}
	if err := h.trail.ReviewEvent(r.Context(), eventID, reviewerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "EVENT_NOT_FOUND", "No such audit event")
			return
		}
		h.log.Error().Err(err).Str("event_id", eventID).Msg("failed to review event")
		writeError(w, http.StatusInternalServerError, "REVIEW_FAILED", "Failed to review event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Event reviewed",
		"event_id": eventID,
	})
}

// ResolveViolation handles POST /api/v1/violations/{id}/resolve
func (h *Handler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	violationID := r.PathValue("id")
	if violationID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_VIOLATION_ID", "Violation ID is required")
		return
	}

	resolverID, err := reviewerFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON")
		return
	}
	if err := h.trail.ResolveViolation(r.Context(), violationID, resolverID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "VIOLATION_NOT_FOUND", "No such unresolved violation")
			return
		}
		h.log.Error().Err(err).Str("violation_id", violationID).Msg("failed to resolve violation")
		writeError(w, http.StatusInternalServerError, "RESOLVE_FAILED", "Failed to resolve violation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "Violation resolved",
		"violation_id": violationID,
	})
}

// ComplianceReport handles GET /api/v1/reports/compliance
func (h *Handler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", err.Error())
		return
	}
	includeDetails := r.URL.Query().Get("include_details") == "true"

	report, err := h.trail.ComplianceReport(r.Context(), start, end, includeDetails)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to generate compliance report")
		writeError(w, http.StatusInternalServerError, "REPORT_FAILED", "Failed to generate compliance report")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// reviewerFromRequest resolves who performed a review or resolution: an
// optional JSON body may name a reviewerId (a supervisor acting for a team
// inbox), otherwise the authenticated caller is used.
func reviewerFromRequest(r *http.Request) (string, error) {
	if r.Body != nil && r.ContentLength != 0 {
		var body struct {
			ReviewerID string `json:"reviewerId"`
		}
		if err := readJSON(r, &body); err != nil {
			return "", err
		}
		if body.ReviewerID != "" {
			return body.ReviewerID, nil
		}
	}
	return middleware.GetCallerID(r.Context()), nil
}

// parseRange reads start/end query params (RFC3339). Defaults to the last
// 24 hours when absent.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("start must be RFC3339")
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("end must be RFC3339")
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end is before start")
	}
	return start, end, nil
}
