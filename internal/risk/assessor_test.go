package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/model"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		SensitiveWeight:    20,
		FailureWeight:      30,
		EmergencyWeight:    15,
		AfterHoursWeight:   10,
		BulkExportWeight:   25,
		DeleteWeight:       35,
		UnauthorizedWeight: 50,
		WorkdayStart:       7,
		WorkdayEnd:         19,
		ReviewScore:        70,
		AlertScore:         80,
	}
}

// noon keeps events inside working hours unless a test wants otherwise.
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestScoreBaseline(t *testing.T) {
	a := NewAssessor(testRiskConfig())

	event := &model.AuditEvent{
		Timestamp: noon,
		Kind:      model.EventAccess,
		Outcome:   model.OutcomeSuccess,
	}
	assert.Equal(t, 0, a.Score(event))
}

func TestScoreIndividualSignals(t *testing.T) {
	a := NewAssessor(testRiskConfig())

	tests := []struct {
		name  string
		event *model.AuditEvent
		want  int
	}{
		{
			name:  "sensitive access",
			event: &model.AuditEvent{Timestamp: noon, Kind: model.EventAccess, Outcome: model.OutcomeSuccess, Sensitive: true},
			want:  20,
		},
		{
			name:  "failure outcome",
			event: &model.AuditEvent{Timestamp: noon, Kind: model.EventAccess, Outcome: model.OutcomeFailure},
			want:  30,
		},
		{
			name: "emergency access",
			event: &model.AuditEvent{
				Timestamp:  noon,
				Kind:       model.EventAccess,
				Outcome:    model.OutcomeSuccess,
				Attributes: map[string]interface{}{model.AttrEmergencyAccess: true},
			},
			want: 15,
		},
		{
			name:  "after hours",
			event: &model.AuditEvent{Timestamp: noon.Add(11 * time.Hour), Kind: model.EventAccess, Outcome: model.OutcomeSuccess},
			want:  10,
		},
		{
			name:  "bulk export",
			event: &model.AuditEvent{Timestamp: noon, Kind: model.EventBulkExport, Outcome: model.OutcomeSuccess},
			want:  25,
		},
		{
			name:  "delete",
			event: &model.AuditEvent{Timestamp: noon, Kind: model.EventDelete, Outcome: model.OutcomeSuccess},
			want:  35,
		},
		{
			name:  "unauthorized attempt",
			event: &model.AuditEvent{Timestamp: noon, Kind: model.EventUnauthorizedAttempt, Outcome: model.OutcomeSuccess},
			want:  50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Score(tt.event))
		})
	}
}

func TestScoreSignalsAdd(t *testing.T) {
	a := NewAssessor(testRiskConfig())

	event := &model.AuditEvent{
		Timestamp: noon,
		Kind:      model.EventDelete,
		Outcome:   model.OutcomeFailure,
		Sensitive: true,
	}
	// 20 sensitive + 30 failure + 35 delete
	assert.Equal(t, 85, a.Score(event))
}

func TestScoreClampsAtHundred(t *testing.T) {
	a := NewAssessor(testRiskConfig())

	event := &model.AuditEvent{
		Timestamp:  noon.Add(14 * time.Hour), // 02:00, after hours
		Kind:       model.EventUnauthorizedAttempt,
		Outcome:    model.OutcomeFailure,
		Sensitive:  true,
		Attributes: map[string]interface{}{model.AttrEmergencyAccess: true},
	}
	assert.Equal(t, MaxScore, a.Score(event))
}

func TestScoreMonotonicInEachSignal(t *testing.T) {
	a := NewAssessor(testRiskConfig())

	base := &model.AuditEvent{Timestamp: noon, Kind: model.EventAccess, Outcome: model.OutcomeSuccess}
	baseScore := a.Score(base)

	flips := []func(e *model.AuditEvent){
		func(e *model.AuditEvent) { e.Sensitive = true },
		func(e *model.AuditEvent) { e.Outcome = model.OutcomeFailure },
		func(e *model.AuditEvent) { e.Attributes = map[string]interface{}{model.AttrEmergencyAccess: true} },
		func(e *model.AuditEvent) { e.Timestamp = noon.Add(11 * time.Hour) },
		func(e *model.AuditEvent) { e.Kind = model.EventBulkExport },
	}
	for _, flip := range flips {
		e := *base
		flip(&e)
		assert.GreaterOrEqual(t, a.Score(&e), baseScore)
	}
}

func TestWorkdayBoundaries(t *testing.T) {
	a := NewAssessor(testRiskConfig())
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	score := func(hour int) int {
		return a.Score(&model.AuditEvent{
			Timestamp: day.Add(time.Duration(hour) * time.Hour),
			Kind:      model.EventAccess,
			Outcome:   model.OutcomeSuccess,
		})
	}

	assert.Equal(t, 10, score(6))
	assert.Equal(t, 0, score(7))
	assert.Equal(t, 0, score(18))
	assert.Equal(t, 10, score(19))
}
