package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
)

var (
	noon     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	midnight = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

func newTestDetector() *Detector {
	return NewDetector(DefaultRules(5, 5*time.Minute, 7, 19), logger.New("disabled", "console"))
}

func ruleIDs(violations []*model.Violation) []string {
	ids := make([]string, 0, len(violations))
	for _, v := range violations {
		ids = append(ids, v.RuleID)
	}
	return ids
}

func TestEvaluateNoMatch(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:  "nurse-1",
		Timestamp: noon,
		Kind:      model.EventAccess,
		Outcome:   model.OutcomeSuccess,
	}
	assert.Empty(t, d.Evaluate(event, nil))
}

func TestAfterHoursSensitiveRule(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:   "nurse-1",
		Timestamp:  midnight,
		Kind:       model.EventAccess,
		Outcome:    model.OutcomeSuccess,
		Sensitive:  true,
		ResourceID: "patient-42",
	}
	violations := d.Evaluate(event, nil)
	require.Len(t, violations, 1)

	v := violations[0]
	assert.Equal(t, "after-hours-sensitive", v.RuleID)
	assert.Equal(t, model.SeverityMedium, v.Severity)
	assert.Equal(t, "nurse-1", v.CallerID)
	assert.Equal(t, []string{"patient-42"}, v.ResourceIDs)
	assert.False(t, v.NotifyRequired)
	assert.False(t, v.AutoResponded)
	assert.NotEmpty(t, v.ID)

	// Same access during the workday is clean
	event.Timestamp = noon
	assert.Empty(t, d.Evaluate(event, nil))
}

func TestAfterHoursRuleUsesConfiguredWorkday(t *testing.T) {
	event := &model.AuditEvent{
		CallerID:  "nurse-1",
		Timestamp: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		Kind:      model.EventAccess,
		Outcome:   model.OutcomeSuccess,
		Sensitive: true,
	}

	// 08:00 is inside the default 7-19 workday but outside a 9-17 one
	assert.Empty(t, newTestDetector().Evaluate(event, nil))

	narrow := NewDetector(DefaultRules(5, 5*time.Minute, 9, 17), logger.New("disabled", "console"))
	violations := narrow.Evaluate(event, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, "after-hours-sensitive", violations[0].RuleID)
}

func TestRepeatedFailuresRule(t *testing.T) {
	d := newTestDetector()

	recent := make([]*model.AuditEvent, 0, 5)
	for i := 0; i < 5; i++ {
		recent = append(recent, &model.AuditEvent{
			CallerID:  "nurse-1",
			Timestamp: noon.Add(time.Duration(i) * time.Second),
			Kind:      model.EventAccess,
			Outcome:   model.OutcomeFailure,
		})
	}
	event := &model.AuditEvent{
		CallerID:  "nurse-1",
		Timestamp: noon.Add(time.Minute),
		Kind:      model.EventAccess,
		Outcome:   model.OutcomeFailure,
	}

	violations := d.Evaluate(event, recent)
	assert.Contains(t, ruleIDs(violations), "repeated-failures")

	// Stale failures outside the window do not count
	for _, e := range recent {
		e.Timestamp = noon.Add(-time.Hour)
	}
	assert.Empty(t, d.Evaluate(event, recent))

	// A success never triggers the rule regardless of history
	event.Outcome = model.OutcomeSuccess
	assert.Empty(t, d.Evaluate(event, recent))
}

func TestEmergencyAccessRule(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:   "doctor-7",
		Timestamp:  noon,
		Kind:       model.EventAccess,
		Outcome:    model.OutcomeSuccess,
		Attributes: map[string]interface{}{model.AttrEmergencyAccess: true},
	}
	violations := d.Evaluate(event, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, "emergency-access", violations[0].RuleID)
	assert.Equal(t, model.SeverityHigh, violations[0].Severity)
}

func TestUnauthorizedAttemptRule(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:  "unknown",
		Timestamp: noon,
		Kind:      model.EventUnauthorizedAttempt,
		Outcome:   model.OutcomeFailure,
	}
	violations := d.Evaluate(event, nil)

	ids := ruleIDs(violations)
	require.Contains(t, ids, "unauthorized-attempt")
	for _, v := range violations {
		if v.RuleID == "unauthorized-attempt" {
			assert.Equal(t, model.SeverityCritical, v.Severity)
			assert.True(t, v.NotifyRequired)
		}
	}
}

func TestSensitiveDeleteRule(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:   "admin-1",
		Timestamp:  noon,
		Kind:       model.EventDelete,
		Outcome:    model.OutcomeSuccess,
		Sensitive:  true,
		ResourceID: "medical-history-9",
	}
	violations := d.Evaluate(event, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, "sensitive-delete", violations[0].RuleID)

	event.Sensitive = false
	assert.Empty(t, d.Evaluate(event, nil))
}

func TestMultipleRulesMatchOneEvent(t *testing.T) {
	d := newTestDetector()

	event := &model.AuditEvent{
		CallerID:   "admin-1",
		Timestamp:  midnight,
		Kind:       model.EventDelete,
		Outcome:    model.OutcomeSuccess,
		Sensitive:  true,
		Attributes: map[string]interface{}{model.AttrEmergencyAccess: true},
	}
	ids := ruleIDs(d.Evaluate(event, nil))
	assert.ElementsMatch(t, []string{"after-hours-sensitive", "emergency-access", "sensitive-delete"}, ids)
}

func TestAddRuleAndAutomaticResponse(t *testing.T) {
	d := newTestDetector()

	var responded *model.AuditEvent
	d.AddRule(Rule{
		ID:          "insurance-export",
		Description: "insurance record exported",
		Severity:    model.SeverityCritical,
		Predicate: func(event *model.AuditEvent, _ []*model.AuditEvent) bool {
			return event.ResourceType == "insurance" && event.Kind == model.EventBulkExport
		},
		Respond: func(event *model.AuditEvent) { responded = event },
	})

	event := &model.AuditEvent{
		CallerID:     "billing-2",
		Timestamp:    noon,
		Kind:         model.EventBulkExport,
		Outcome:      model.OutcomeSuccess,
		ResourceType: "insurance",
	}
	violations := d.Evaluate(event, nil)
	require.Len(t, violations, 1)
	assert.Equal(t, "insurance-export", violations[0].RuleID)
	assert.True(t, violations[0].AutoResponded)
	assert.True(t, violations[0].NotifyRequired)
	assert.Same(t, event, responded)
}
