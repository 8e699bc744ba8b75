// Package rules implements the violation detector: a tagged list of rule
// value objects evaluated against each new audit event and the caller's
// recent event window.
package rules

import (
	"time"

	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/google/uuid"
)

// Rule is a single detection rule. Predicate receives the triggering event
// and the caller's recent events (newest last). Respond, when set, is the
// automatic response executed on match.
type Rule struct {
	ID          string
	Description string
	Severity    model.Severity
	Predicate   func(event *model.AuditEvent, recent []*model.AuditEvent) bool
	Respond     func(event *model.AuditEvent)
}

// Detector evaluates all registered rules per event. Rules can be added or
// disabled without touching the evaluation loop.
type Detector struct {
	rules []Rule
	log   *logger.Logger
}

// NewDetector creates a Detector with the given rule list.
func NewDetector(rules []Rule, log *logger.Logger) *Detector {
	return &Detector{
		rules: rules,
		log:   log.WithComponent("violation_detector"),
	}
}

// AddRule registers an additional rule.
func (d *Detector) AddRule(r Rule) {
	d.rules = append(d.rules, r)
}

// Evaluate runs every rule against the event and returns the violations for
// the rules that matched. Automatic responses run before returning.
func (d *Detector) Evaluate(event *model.AuditEvent, recent []*model.AuditEvent) []*model.Violation {
	var violations []*model.Violation

	for _, rule := range d.rules {
		if !rule.Predicate(event, recent) {
			continue
		}

		v := &model.Violation{
			ID:             uuid.New().String(),
			Timestamp:      time.Now().UTC(),
			RuleID:         rule.ID,
			Severity:       rule.Severity,
			Description:    rule.Description,
			CallerID:       event.CallerID,
			NotifyRequired: rule.Severity == model.SeverityCritical,
		}
		if event.ResourceID != "" {
			v.ResourceIDs = []string{event.ResourceID}
		}

		if rule.Respond != nil {
			rule.Respond(event)
			v.AutoResponded = true
		}

		d.log.Warn().
			Str("rule_id", rule.ID).
			Str("caller_id", event.CallerID).
			Str("severity", string(v.Severity)).
			Msg("rule violation detected")

		violations = append(violations, v)
	}

	return violations
}

// DefaultRules returns the built-in rule set. The repeated-failure threshold
// and window mirror the admission controller's auth-failure detector so both
// layers agree on what "repeated" means; workdayStart and workdayEnd come
// from the risk configuration so the after-hours rule and the risk assessor
// agree on what "after hours" means.
func DefaultRules(failureLimit int, failureWindow time.Duration, workdayStart, workdayEnd int) []Rule {
	return []Rule{
		{
			ID:          "after-hours-sensitive",
			Description: "sensitive data accessed outside normal working hours",
			Severity:    model.SeverityMedium,
			Predicate: func(event *model.AuditEvent, _ []*model.AuditEvent) bool {
				hour := event.Timestamp.Hour()
				return event.Sensitive && (hour < workdayStart || hour >= workdayEnd)
			},
		},
		{
			ID:          "repeated-failures",
			Description: "repeated failed operations by the same caller",
			Severity:    model.SeverityHigh,
			Predicate: func(event *model.AuditEvent, recent []*model.AuditEvent) bool {
				if event.Outcome != model.OutcomeFailure {
					return false
				}
				cutoff := event.Timestamp.Add(-failureWindow)
				failures := 1
				for _, e := range recent {
					if e.Outcome == model.OutcomeFailure && e.Timestamp.After(cutoff) {
						failures++
					}
				}
				return failures > failureLimit
			},
		},
		{
			ID:          "emergency-access",
			Description: "emergency access invoked",
			Severity:    model.SeverityHigh,
			Predicate: func(event *model.AuditEvent, _ []*model.AuditEvent) bool {
				return event.EmergencyAccess()
			},
		},
		{
			ID:          "unauthorized-attempt",
			Description: "unauthorized access attempt recorded",
			Severity:    model.SeverityCritical,
			Predicate: func(event *model.AuditEvent, _ []*model.AuditEvent) bool {
				return event.Kind == model.EventUnauthorizedAttempt
			},
		},
		{
			ID:          "sensitive-delete",
			Description: "deletion of a sensitive resource",
			Severity:    model.SeverityHigh,
			Predicate: func(event *model.AuditEvent, _ []*model.AuditEvent) bool {
				return event.Sensitive && event.Kind == model.EventDelete
			},
		},
	}
}
