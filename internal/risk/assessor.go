// Package risk scores audit events by combining independent weighted signals.
package risk

import (
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/model"
)

// MaxScore is the ceiling every computed score is clamped to.
const MaxScore = 100

// Assessor computes a risk score in [0,100] for an audit event. Scoring is a
// pure function of the event and the configured weights; each signal only
// ever raises the score.
type Assessor struct {
	cfg config.RiskConfig
}

// NewAssessor creates an Assessor with the given weights.
func NewAssessor(cfg config.RiskConfig) *Assessor {
	return &Assessor{cfg: cfg}
}

// Score computes the risk score for an event.
func (a *Assessor) Score(event *model.AuditEvent) int {
	score := 0

	if event.Sensitive {
		score += a.cfg.SensitiveWeight
	}
	if event.Outcome == model.OutcomeFailure {
		score += a.cfg.FailureWeight
	}
	if event.EmergencyAccess() {
		score += a.cfg.EmergencyWeight
	}
	if a.afterHours(event) {
		score += a.cfg.AfterHoursWeight
	}

	switch event.Kind {
	case model.EventBulkExport:
		score += a.cfg.BulkExportWeight
	case model.EventDelete:
		score += a.cfg.DeleteWeight
	case model.EventUnauthorizedAttempt:
		score += a.cfg.UnauthorizedWeight
	}

	if score > MaxScore {
		score = MaxScore
	}
	return score
}

func (a *Assessor) afterHours(event *model.AuditEvent) bool {
	hour := event.Timestamp.Hour()
	return hour < a.cfg.WorkdayStart || hour >= a.cfg.WorkdayEnd
}
