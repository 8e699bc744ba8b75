package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accessguard/accessguard/internal/database"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/lib/pq"
)

// Postgres is the production EventStore backed by append-only tables.
type Postgres struct {
	db *database.Postgres
}

// NewPostgres creates a Postgres event store.
func NewPostgres(db *database.Postgres) *Postgres {
	return &Postgres{db: db}
}

const eventColumns = `id, created_at, caller_id, caller_role, kind, resource_type,
	resource_id, action, outcome, sensitive, attributes, risk_score,
	requires_review, reviewed_by, reviewed_at`

// StoreEvent inserts a new audit event. Events are never updated here;
// review metadata goes through UpdateReview.
func (s *Postgres) StoreEvent(ctx context.Context, event *model.AuditEvent) error {
	attrsJSON, err := json.Marshal(event.Attributes)
	if err != nil {
		attrsJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.CallerID,
		nullable(event.CallerRole),
		string(event.Kind),
		nullable(event.ResourceType),
		nullable(event.ResourceID),
		event.Action,
		string(event.Outcome),
		event.Sensitive,
		attrsJSON,
		event.RiskScore,
		event.RequiresReview,
		event.ReviewedBy,
		event.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// StoreViolation inserts a new violation record.
func (s *Postgres) StoreViolation(ctx context.Context, v *model.Violation) error {
	query := `
		INSERT INTO violations (id, created_at, rule_id, severity, description,
		    resource_ids, caller_id, auto_responded, notify_required, resolved,
		    resolved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		v.ID,
		v.Timestamp,
		v.RuleID,
		string(v.Severity),
		v.Description,
		pq.Array(v.ResourceIDs),
		v.CallerID,
		v.AutoResponded,
		v.NotifyRequired,
		v.Resolved,
		v.ResolvedBy,
		v.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store violation: %w", err)
	}
	return nil
}

// EventsByRange returns events within [start, end] ordered by timestamp.
func (s *Postgres) EventsByRange(ctx context.Context, start, end time.Time) ([]*model.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`
	return s.queryEvents(ctx, query, start, end)
}

// EventsByCaller returns a caller's events within [start, end].
func (s *Postgres) EventsByCaller(ctx context.Context, callerID string, start, end time.Time) ([]*model.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE caller_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC
	`
	return s.queryEvents(ctx, query, callerID, start, end)
}

// EventsByResource returns a resource's events within [start, end].
func (s *Postgres) EventsByResource(ctx context.Context, resourceID string, start, end time.Time) ([]*model.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE resource_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC
	`
	return s.queryEvents(ctx, query, resourceID, start, end)
}

// ViolationsByRange returns violations within [start, end].
func (s *Postgres) ViolationsByRange(ctx context.Context, start, end time.Time) ([]*model.Violation, error) {
	query := `
		SELECT id, created_at, rule_id, severity, description, resource_ids,
		       caller_id, auto_responded, notify_required, resolved,
		       resolved_by, resolved_at
		FROM violations
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var violations []*model.Violation
	for rows.Next() {
		var v model.Violation
		var severity string
		if err := rows.Scan(
			&v.ID, &v.Timestamp, &v.RuleID, &severity, &v.Description,
			pq.Array(&v.ResourceIDs), &v.CallerID, &v.AutoResponded,
			&v.NotifyRequired, &v.Resolved, &v.ResolvedBy, &v.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Severity = model.Severity(severity)
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}

// SearchEvents returns events matching the criteria, newest first.
func (s *Postgres) SearchEvents(ctx context.Context, criteria SearchCriteria) ([]*model.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if criteria.CallerID != "" {
		query += " AND caller_id = " + arg(criteria.CallerID)
	}
	if criteria.ResourceID != "" {
		query += " AND resource_id = " + arg(criteria.ResourceID)
	}
	if criteria.ResourceType != "" {
		query += " AND resource_type = " + arg(criteria.ResourceType)
	}
	if criteria.Kind != "" {
		query += " AND kind = " + arg(string(criteria.Kind))
	}
	if criteria.Outcome != "" {
		query += " AND outcome = " + arg(string(criteria.Outcome))
	}
	if criteria.MinScore > 0 {
		query += " AND risk_score >= " + arg(criteria.MinScore)
	}
	if !criteria.Start.IsZero() {
		query += " AND created_at >= " + arg(criteria.Start)
	}
	if !criteria.End.IsZero() {
		query += " AND created_at <= " + arg(criteria.End)
	}
	query += " ORDER BY created_at DESC"
	if criteria.Limit > 0 {
		query += " LIMIT " + arg(criteria.Limit)
	}

	return s.queryEvents(ctx, query, args...)
}

// UpdateReview sets review metadata on a persisted event.
func (s *Postgres) UpdateReview(ctx context.Context, eventID, reviewerID string, reviewedAt time.Time) error {
	query := `
		UPDATE audit_events
		SET reviewed_by = $2, reviewed_at = $3
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, eventID, reviewerID, reviewedAt)
	if err != nil {
		return fmt.Errorf("failed to update review metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveViolation flips a violation's resolved flag.
func (s *Postgres) ResolveViolation(ctx context.Context, violationID, resolverID string, resolvedAt time.Time) error {
	query := `
		UPDATE violations
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND resolved = FALSE
	`
	res, err := s.db.ExecContext(ctx, query, violationID, resolverID, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve violation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*model.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var callerRole, resourceType, resourceID sql.NullString
	var kind, outcome string
	var attrsJSON []byte

	if err := rows.Scan(
		&e.ID, &e.Timestamp, &e.CallerID, &callerRole, &kind, &resourceType,
		&resourceID, &e.Action, &outcome, &e.Sensitive, &attrsJSON,
		&e.RiskScore, &e.RequiresReview, &e.ReviewedBy, &e.ReviewedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	e.CallerRole = callerRole.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.Kind = model.EventKind(kind)
	e.Outcome = model.Outcome(outcome)

	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			e.Attributes = nil
		}
	}
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
