// Package storage defines the persistence collaborator for the audit trail.
// The subsystem is storage-agnostic: Postgres is the production append-only
// store, Memory is the reference implementation used in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/accessguard/accessguard/internal/model"
)

// Common storage errors
var (
	ErrNotFound = errors.New("record not found")
)

// SearchCriteria filters audit events. Zero values are ignored.
type SearchCriteria struct {
	CallerID     string
	ResourceID   string
	ResourceType string
	Kind         model.EventKind
	Outcome      model.Outcome
	MinScore     int
	Start        time.Time
	End          time.Time
	Limit        int
}

// EventStore is the injected persistence collaborator.
type EventStore interface {
	StoreEvent(ctx context.Context, event *model.AuditEvent) error
	StoreViolation(ctx context.Context, violation *model.Violation) error
	EventsByRange(ctx context.Context, start, end time.Time) ([]*model.AuditEvent, error)
	EventsByCaller(ctx context.Context, callerID string, start, end time.Time) ([]*model.AuditEvent, error)
	EventsByResource(ctx context.Context, resourceID string, start, end time.Time) ([]*model.AuditEvent, error)
	ViolationsByRange(ctx context.Context, start, end time.Time) ([]*model.Violation, error)
	SearchEvents(ctx context.Context, criteria SearchCriteria) ([]*model.AuditEvent, error)
	// UpdateReview sets the review metadata on a stored event. It is the
	// only mutation allowed after an event is persisted.
	UpdateReview(ctx context.Context, eventID, reviewerID string, reviewedAt time.Time) error
	ResolveViolation(ctx context.Context, violationID, resolverID string, resolvedAt time.Time) error
}
