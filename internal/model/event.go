package model

import "time"

// EventKind classifies what an audit event records.
type EventKind string

const (
	EventAccess              EventKind = "access"
	EventModify              EventKind = "modify"
	EventDelete              EventKind = "delete"
	EventAuth                EventKind = "auth"
	EventConfigChange        EventKind = "config_change"
	EventUnauthorizedAttempt EventKind = "unauthorized_attempt"
	EventBulkExport          EventKind = "bulk_export"
	EventReview              EventKind = "review"
	EventSystem              EventKind = "system"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Well-known contextual attribute keys.
const (
	AttrRelatedRecordID = "related_record_id"
	AttrJustification   = "justification"
	AttrEmergencyAccess = "emergency_access"
	AttrClassification  = "classification"
	AttrRuleID          = "rule_id"
	AttrPatternName     = "pattern_name"
	AttrDenialReason    = "denial_reason"
)

// AuditEvent is a single entry in the access-audit trail. Once persisted no
// field changes except the review metadata.
type AuditEvent struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	CallerID       string                 `json:"callerId"`
	CallerRole     string                 `json:"callerRole,omitempty"`
	Kind           EventKind              `json:"kind"`
	ResourceType   string                 `json:"resourceType,omitempty"`
	ResourceID     string                 `json:"resourceId,omitempty"`
	Action         string                 `json:"action"`
	Outcome        Outcome                `json:"outcome"`
	Sensitive      bool                   `json:"sensitive"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	RiskScore      *int                   `json:"riskScore,omitempty"`
	RequiresReview bool                   `json:"requiresReview"`
	ReviewedBy     *string                `json:"reviewedBy,omitempty"`
	ReviewedAt     *time.Time             `json:"reviewedAt,omitempty"`
}

// EmergencyAccess reports whether the event carries the emergency-access
// attribute.
func (e *AuditEvent) EmergencyAccess() bool {
	if e.Attributes == nil {
		return false
	}
	v, ok := e.Attributes[AttrEmergencyAccess].(bool)
	return ok && v
}

// Score returns the computed risk score, or -1 if the event has not been
// scored yet.
func (e *AuditEvent) Score() int {
	if e.RiskScore == nil {
		return -1
	}
	return *e.RiskScore
}
