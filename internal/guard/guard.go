// Package guard wraps protected operations with the full admission →
// anti-forgery → action → audit sequence.
package guard

import (
	"context"
	"time"

	"github.com/accessguard/accessguard/internal/admission"
	"github.com/accessguard/accessguard/internal/antiforgery"
	"github.com/accessguard/accessguard/internal/audit"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
)

// Request identifies one protected call.
type Request struct {
	// Key is the admission identity (caller or session).
	Key      string
	Endpoint string
	Method   string
	CallerID string
	// Token is the anti-forgery token presented by the caller. Only
	// checked for state-changing methods.
	Token        string
	Kind         model.EventKind
	ResourceType string
	ResourceID   string
	Action       string
	Attributes   map[string]interface{}
}

// Result is what a protected call produced. A denial is data, not an error:
// Allowed is false and RetryAfter/Reason say why.
type Result struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Value      interface{}   `json:"value,omitempty"`
}

// Guard sequences the subsystem's components around a protected operation.
type Guard struct {
	admission *admission.Controller
	tokens    *antiforgery.Manager
	trail     *audit.TrailManager
	log       *logger.Logger
}

// New creates a Guard.
func New(adm *admission.Controller, tokens *antiforgery.Manager, trail *audit.TrailManager, log *logger.Logger) *Guard {
	return &Guard{
		admission: adm,
		tokens:    tokens,
		trail:     trail,
		log:       log.WithComponent("guard"),
	}
}

// Do runs action under admission control, anti-forgery protection, and audit
// logging. The action's error is returned as-is; denial and token rejection
// come back as a non-allowed Result with a nil error for denials and the
// anti-forgery error for token failures. Tokens consumed by the admission
// check are not refunded if ctx is cancelled mid-action.
func (g *Guard) Do(ctx context.Context, req Request, action func(context.Context) (interface{}, error)) (*Result, error) {
	decision := g.admission.Check(ctx, req.Key, req.Endpoint, req.Method, req.CallerID)
	if !decision.Allowed {
		return &Result{
			Allowed:    false,
			RetryAfter: decision.RetryAfter,
			Reason:     decision.Reason,
		}, nil
	}

	if mutating(req.Method) {
		if err := g.tokens.Validate(ctx, req.CallerID, req.Token); err != nil {
			// Validate already reported the attempt to the trail.
			return &Result{Allowed: false, Reason: "token_rejected"}, err
		}
	}

	value, actionErr := action(ctx)

	outcome := model.OutcomeSuccess
	if actionErr != nil {
		outcome = model.OutcomeFailure
		g.admission.NoteFailure(ctx, req.Key, req.Endpoint, req.Method, req.CallerID)
	}
	_, logResult, logErr := g.trail.LogEvent(ctx, &model.AuditEvent{
		CallerID:     req.CallerID,
		Kind:         eventKind(req),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       actionName(req),
		Outcome:      outcome,
		Attributes:   req.Attributes,
	})
	if logErr != nil {
		g.log.Error().Err(logErr).
			Str("caller_id", req.CallerID).
			Int("log_result", int(logResult)).
			Msg("protected call audited in degraded mode")
	}

	return &Result{Allowed: true, Value: value}, actionErr
}

func mutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

func eventKind(req Request) model.EventKind {
	if req.Kind != "" {
		return req.Kind
	}
	switch req.Method {
	case "DELETE":
		return model.EventDelete
	case "POST", "PUT", "PATCH":
		return model.EventModify
	default:
		return model.EventAccess
	}
}

func actionName(req Request) string {
	if req.Action != "" {
		return req.Action
	}
	return req.Method + " " + req.Endpoint
}
