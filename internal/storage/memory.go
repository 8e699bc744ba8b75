package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/model"
)

// Memory is an in-memory EventStore. It is the reference implementation used
// in tests; production deployments use the Postgres store.
type Memory struct {
	mu         sync.RWMutex
	events     []*model.AuditEvent
	violations []*model.Violation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// StoreEvent appends a copy of the event.
func (s *Memory) StoreEvent(_ context.Context, event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *event
	s.events = append(s.events, &clone)
	return nil
}

// StoreViolation appends a copy of the violation.
func (s *Memory) StoreViolation(_ context.Context, v *model.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *v
	s.violations = append(s.violations, &clone)
	return nil
}

// EventsByRange returns events within [start, end] ordered by timestamp.
func (s *Memory) EventsByRange(_ context.Context, start, end time.Time) ([]*model.AuditEvent, error) {
	return s.filterEvents(func(e *model.AuditEvent) bool {
		return inRange(e.Timestamp, start, end)
	}), nil
}

// EventsByCaller returns a caller's events within [start, end].
func (s *Memory) EventsByCaller(_ context.Context, callerID string, start, end time.Time) ([]*model.AuditEvent, error) {
	return s.filterEvents(func(e *model.AuditEvent) bool {
		return e.CallerID == callerID && inRange(e.Timestamp, start, end)
	}), nil
}

// EventsByResource returns a resource's events within [start, end].
func (s *Memory) EventsByResource(_ context.Context, resourceID string, start, end time.Time) ([]*model.AuditEvent, error) {
	return s.filterEvents(func(e *model.AuditEvent) bool {
		return e.ResourceID == resourceID && inRange(e.Timestamp, start, end)
	}), nil
}

// ViolationsByRange returns violations within [start, end].
func (s *Memory) ViolationsByRange(_ context.Context, start, end time.Time) ([]*model.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Violation
	for _, v := range s.violations {
		if inRange(v.Timestamp, start, end) {
			clone := *v
			out = append(out, &clone)
		}
	}
	return out, nil
}

// SearchEvents returns events matching the criteria, newest first.
func (s *Memory) SearchEvents(_ context.Context, c SearchCriteria) ([]*model.AuditEvent, error) {
	matches := s.filterEvents(func(e *model.AuditEvent) bool {
		if c.CallerID != "" && e.CallerID != c.CallerID {
			return false
		}
		if c.ResourceID != "" && e.ResourceID != c.ResourceID {
			return false
		}
		if c.ResourceType != "" && e.ResourceType != c.ResourceType {
			return false
		}
		if c.Kind != "" && e.Kind != c.Kind {
			return false
		}
		if c.Outcome != "" && e.Outcome != c.Outcome {
			return false
		}
		if c.MinScore > 0 && e.Score() < c.MinScore {
			return false
		}
		if !c.Start.IsZero() && e.Timestamp.Before(c.Start) {
			return false
		}
		if !c.End.IsZero() && e.Timestamp.After(c.End) {
			return false
		}
		return true
	})

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	if c.Limit > 0 && len(matches) > c.Limit {
		matches = matches[:c.Limit]
	}
	return matches, nil
}

// UpdateReview sets review metadata on a stored event.
func (s *Memory) UpdateReview(_ context.Context, eventID, reviewerID string, reviewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == eventID {
			reviewer := reviewerID
			at := reviewedAt
			e.ReviewedBy = &reviewer
			e.ReviewedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

// ResolveViolation flips a violation's resolved flag.
func (s *Memory) ResolveViolation(_ context.Context, violationID, resolverID string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.violations {
		if v.ID == violationID && !v.Resolved {
			resolver := resolverID
			at := resolvedAt
			v.Resolved = true
			v.ResolvedBy = &resolver
			v.ResolvedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

// EventCount returns the number of stored events.
func (s *Memory) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Memory) filterEvents(keep func(*model.AuditEvent) bool) []*model.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AuditEvent
	for _, e := range s.events {
		if keep(e) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
