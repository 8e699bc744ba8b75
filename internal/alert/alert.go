// Package alert fans out high-risk events and critical violations.
// Notification is best-effort: a failed notification never fails the
// operation that triggered it.
package alert

import (
	"context"
	"encoding/json"

	"github.com/accessguard/accessguard/internal/database"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
)

// Notifier is the injected alerting collaborator.
type Notifier interface {
	NotifyHighRisk(ctx context.Context, event *model.AuditEvent, score int)
	NotifyViolation(ctx context.Context, violation *model.Violation)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("alert")}
}

func (n *LogNotifier) NotifyHighRisk(_ context.Context, event *model.AuditEvent, score int) {
	n.log.Warn().
		Str("event_id", event.ID).
		Str("caller_id", event.CallerID).
		Str("kind", string(event.Kind)).
		Int("risk_score", score).
		Msg("high-risk event")
}

func (n *LogNotifier) NotifyViolation(_ context.Context, v *model.Violation) {
	n.log.Warn().
		Str("violation_id", v.ID).
		Str("rule_id", v.RuleID).
		Str("caller_id", v.CallerID).
		Str("severity", string(v.Severity)).
		Msg("critical violation")
}

// RedisNotifier publishes alerts on a Redis channel so external consumers
// (pagers, dashboards) can subscribe.
type RedisNotifier struct {
	rdb     *database.Redis
	channel string
	log     *logger.Logger
}

// NewRedisNotifier creates a Redis pub/sub notifier.
func NewRedisNotifier(rdb *database.Redis, channel string, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		channel: channel,
		log:     log.WithComponent("alert"),
	}
}

type alertMessage struct {
	Type      string            `json:"type"` // "high_risk" | "violation"
	Event     *model.AuditEvent `json:"event,omitempty"`
	Violation *model.Violation  `json:"violation,omitempty"`
	Score     int               `json:"score,omitempty"`
}

func (n *RedisNotifier) NotifyHighRisk(ctx context.Context, event *model.AuditEvent, score int) {
	n.publish(ctx, alertMessage{Type: "high_risk", Event: event, Score: score})
}

func (n *RedisNotifier) NotifyViolation(ctx context.Context, v *model.Violation) {
	n.publish(ctx, alertMessage{Type: "violation", Violation: v})
}

func (n *RedisNotifier) publish(ctx context.Context, msg alertMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Error().Err(err).Msg("failed to marshal alert")
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, payload); err != nil {
		n.log.Error().Err(err).Msg("failed to publish alert")
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyHighRisk(ctx context.Context, event *model.AuditEvent, score int) {
	for _, n := range m {
		n.NotifyHighRisk(ctx, event, score)
	}
}

func (m Multi) NotifyViolation(ctx context.Context, v *model.Violation) {
	for _, n := range m {
		n.NotifyViolation(ctx, v)
	}
}
