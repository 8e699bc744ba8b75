package model

import "time"

// Severity ranks how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the response a detector prescribes for a matched pattern.
type Action string

const (
	ActionLog      Action = "log"
	ActionThrottle Action = "throttle"
	ActionBlock    Action = "block"
)

// Violation records a policy rule matching observed behavior. Violations are
// never deleted; the Resolved flag flips only through an explicit resolution.
type Violation struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	RuleID         string     `json:"ruleId"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description"`
	ResourceIDs    []string   `json:"resourceIds,omitempty"`
	CallerID       string     `json:"callerId"`
	AutoResponded  bool       `json:"autoResponded"`
	NotifyRequired bool       `json:"notifyRequired"`
	Resolved       bool       `json:"resolved"`
	ResolvedBy     *string    `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}
