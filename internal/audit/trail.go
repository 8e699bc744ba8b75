// Package audit builds, scores, persists, and reports on audit events. The
// TrailManager is the orchestrator: it owns the risk assessor, the violation
// detector, the persistence queue, and the alerting collaborator.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/admission"
	"github.com/accessguard/accessguard/internal/alert"
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/accessguard/accessguard/internal/risk"
	"github.com/accessguard/accessguard/internal/rules"
	"github.com/accessguard/accessguard/internal/storage"
	"github.com/google/uuid"
)

// ErrAuditDegraded signals that the event could not be persisted normally.
// Callers of sensitive operations can use it to abort rather than proceed
// unaudited.
var ErrAuditDegraded = errors.New("audit trail degraded")

// LogResult tells the caller how the event was recorded.
type LogResult int

const (
	// Logged means the event entered the normal persistence path.
	Logged LogResult = iota
	// LoggedFallback means the normal path failed and only a fallback
	// write (or fallback event) succeeded.
	LoggedFallback
	// NotLogged means the event could not be persisted at all.
	NotLogged
)

// TrailManager is the top-level audit orchestrator. Construct one per
// process; Start/Stop bound the persistence worker's lifetime.
type TrailManager struct {
	cfg      config.AuditConfig
	riskCfg  config.RiskConfig
	store    storage.EventStore
	assessor *risk.Assessor
	detector *rules.Detector
	notifier alert.Notifier
	writer   *writer
	log      *logger.Logger

	sensitiveTypes map[string]struct{}

	// recent is the per-caller in-memory event window the violation
	// detector evaluates against.
	recentMu sync.Mutex
	recent   map[string][]*model.AuditEvent

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTrailManager creates a TrailManager. notifier may be nil.
func NewTrailManager(
	cfg config.AuditConfig,
	riskCfg config.RiskConfig,
	store storage.EventStore,
	assessor *risk.Assessor,
	detector *rules.Detector,
	notifier alert.Notifier,
	log *logger.Logger,
) *TrailManager {
	sensitive := make(map[string]struct{}, len(cfg.SensitiveTypes))
	for _, t := range cfg.SensitiveTypes {
		sensitive[t] = struct{}{}
	}
	return &TrailManager{
		cfg:            cfg,
		riskCfg:        riskCfg,
		store:          store,
		assessor:       assessor,
		detector:       detector,
		notifier:       notifier,
		writer:         newWriter(store, cfg.QueueSize, log),
		log:            log.WithComponent("audit_trail"),
		sensitiveTypes: sensitive,
		recent:         make(map[string][]*model.AuditEvent),
		now:            time.Now,
	}
}

// Start launches the persistence worker and the recent-window janitor.
func (t *TrailManager) Start() {
	t.writer.start()

	if t.cfg.RecentWindow <= 0 {
		return
	}
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.RecentWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweepRecent()
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the janitor, then drains and stops the persistence worker.
func (t *TrailManager) Stop() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.wg.Wait()
		t.stopCh = nil
	}
	t.writer.stop()
}

// LogEvent completes a partial event, scores it, queues it for persistence,
// runs the violation detector, and alerts on high risk. It never panics or
// propagates storage errors raw: on a degraded path the returned LogResult
// and ErrAuditDegraded tell the caller what actually got recorded.
func (t *TrailManager) LogEvent(ctx context.Context, partial *model.AuditEvent) (*model.AuditEvent, LogResult, error) {
	event := t.complete(partial)

	score := t.assessor.Score(event)
	event.RiskScore = &score
	event.RequiresReview = score > t.riskCfg.ReviewScore ||
		event.EmergencyAccess() ||
		event.Kind == model.EventBulkExport ||
		event.Outcome == model.OutcomeFailure

	result, err := t.persistEvent(ctx, event)

	recent := t.remember(event)
	violations := t.detector.Evaluate(event, recent)
	for _, v := range violations {
		t.persistViolation(v)
		if v.NotifyRequired && t.notifier != nil {
			t.notifier.NotifyViolation(ctx, v)
		}
	}

	if score > t.riskCfg.AlertScore && t.notifier != nil {
		t.notifier.NotifyHighRisk(ctx, event, score)
	}

	return event, result, err
}

// persistEvent enqueues the event for ordered asynchronous persistence.
// Queue-full policy: fall back to a synchronous write on the caller's
// goroutine rather than dropping or blocking indefinitely.
func (t *TrailManager) persistEvent(ctx context.Context, event *model.AuditEvent) (LogResult, error) {
	if t.writer.enqueue(persistItem{event: event}) {
		return Logged, nil
	}

	t.log.Warn().Str("event_id", event.ID).Msg("audit queue full, writing synchronously")
	err := t.store.StoreEvent(ctx, event)
	if err == nil {
		return LoggedFallback, nil
	}

	if fbErr := t.store.StoreEvent(ctx, fallbackEvent(event, err)); fbErr == nil {
		t.log.Error().Err(err).Str("event_id", event.ID).Msg("stored fallback audit event")
		return LoggedFallback, ErrAuditDegraded
	}

	t.log.Error().Err(err).Str("event_id", event.ID).Msg("audit event not logged")
	return NotLogged, ErrAuditDegraded
}

func (t *TrailManager) persistViolation(v *model.Violation) {
	if !t.writer.enqueue(persistItem{violation: v}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.StoreViolation(ctx, v); err != nil {
			t.log.Error().Err(err).Str("violation_id", v.ID).Msg("violation not persisted")
		}
	}
}

// complete fills in defaults on a partial event and computes the
// sensitive-data flag.
func (t *TrailManager) complete(partial *model.AuditEvent) *model.AuditEvent {
	event := *partial
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now().UTC()
	}
	if event.CallerID == "" {
		event.CallerID = "anonymous"
	}
	if event.Kind == "" {
		event.Kind = model.EventAccess
	}
	if event.Outcome == "" {
		event.Outcome = model.OutcomeSuccess
	}

	if !event.Sensitive {
		if _, ok := t.sensitiveTypes[event.ResourceType]; ok {
			event.Sensitive = true
		} else if event.Attributes != nil {
			_, classified := event.Attributes[model.AttrClassification]
			event.Sensitive = classified
		}
	}
	return &event
}

// remember appends the event to the caller's bounded recent window and
// returns the prior window (the events before this one).
func (t *TrailManager) remember(event *model.AuditEvent) []*model.AuditEvent {
	cutoff := t.now().Add(-t.cfg.RecentWindow)

	t.recentMu.Lock()
	defer t.recentMu.Unlock()

	window := t.recent[event.CallerID]
	idx := 0
	for idx < len(window) && window[idx].Timestamp.Before(cutoff) {
		idx++
	}
	window = window[idx:]

	prior := make([]*model.AuditEvent, len(window))
	copy(prior, window)

	window = append(window, event)
	if len(window) > t.cfg.RecentMax {
		window = window[len(window)-t.cfg.RecentMax:]
	}
	t.recent[event.CallerID] = window

	return prior
}

// sweepRecent drops expired events from every caller's window and removes
// callers with nothing left, so one-off caller IDs do not accumulate over
// the process lifetime. remember only prunes the caller it touches; this
// sweep covers callers that never come back.
func (t *TrailManager) sweepRecent() {
	cutoff := t.now().Add(-t.cfg.RecentWindow)

	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	for caller, window := range t.recent {
		idx := 0
		for idx < len(window) && window[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx == len(window) {
			delete(t.recent, caller)
		} else if idx > 0 {
			t.recent[caller] = window[idx:]
		}
	}
}

// SearchEvents queries persisted events by criteria.
func (t *TrailManager) SearchEvents(ctx context.Context, criteria storage.SearchCriteria) ([]*model.AuditEvent, error) {
	return t.store.SearchEvents(ctx, criteria)
}

// TrailForCaller returns a caller's events within the range.
func (t *TrailManager) TrailForCaller(ctx context.Context, callerID string, start, end time.Time) ([]*model.AuditEvent, error) {
	return t.store.EventsByCaller(ctx, callerID, start, end)
}

// TrailForResource returns a resource's events within the range.
func (t *TrailManager) TrailForResource(ctx context.Context, resourceID string, start, end time.Time) ([]*model.AuditEvent, error) {
	return t.store.EventsByResource(ctx, resourceID, start, end)
}

// ReviewEvent records a review of a persisted event. Review metadata is the
// only post-persistence mutation the model allows.
func (t *TrailManager) ReviewEvent(ctx context.Context, eventID, reviewerID string) error {
	if err := t.store.UpdateReview(ctx, eventID, reviewerID, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to review event: %w", err)
	}
	t.log.Info().Str("event_id", eventID).Str("reviewer_id", reviewerID).Msg("event reviewed")
	return nil
}

// ResolveViolation flips a violation's resolved flag.
func (t *TrailManager) ResolveViolation(ctx context.Context, violationID, resolverID string) error {
	if err := t.store.ResolveViolation(ctx, violationID, resolverID, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to resolve violation: %w", err)
	}
	t.log.Info().Str("violation_id", violationID).Str("resolver_id", resolverID).Msg("violation resolved")
	return nil
}

// RecordDenial implements admission.SecuritySink: every admission denial
// becomes a failure-outcome audit event.
func (t *TrailManager) RecordDenial(ctx context.Context, d admission.Denial) {
	_, _, err := t.LogEvent(ctx, &model.AuditEvent{
		CallerID: d.CallerID,
		Kind:     model.EventAccess,
		Action:   "admission.denied",
		Outcome:  model.OutcomeFailure,
		Attributes: map[string]interface{}{
			model.AttrDenialReason: d.Reason,
			"key":                  d.Key,
			"endpoint":             d.Endpoint,
			"method":               d.Method,
		},
	})
	if err != nil {
		t.log.Error().Err(err).Msg("failed to audit admission denial")
	}
}

// RecordPattern implements admission.SecuritySink: a detected pattern is
// persisted as a violation plus a failure-outcome event.
func (t *TrailManager) RecordPattern(ctx context.Context, d admission.Denial, v *model.Violation) {
	t.persistViolation(v)
	if v.NotifyRequired && t.notifier != nil {
		t.notifier.NotifyViolation(ctx, v)
	}

	_, _, err := t.LogEvent(ctx, &model.AuditEvent{
		CallerID: d.CallerID,
		Kind:     model.EventUnauthorizedAttempt,
		Action:   "admission.pattern",
		Outcome:  model.OutcomeFailure,
		Attributes: map[string]interface{}{
			model.AttrPatternName: v.RuleID,
			"key":                 d.Key,
			"endpoint":            d.Endpoint,
		},
	})
	if err != nil {
		t.log.Error().Err(err).Msg("failed to audit pattern match")
	}
}

// RecordForgeryAttempt implements antiforgery.Reporter: a failed token
// validation is logged as an unauthorized-access event.
func (t *TrailManager) RecordForgeryAttempt(ctx context.Context, callerID, reason string) {
	_, _, err := t.LogEvent(ctx, &model.AuditEvent{
		CallerID: callerID,
		Kind:     model.EventUnauthorizedAttempt,
		Action:   "antiforgery.rejected",
		Outcome:  model.OutcomeFailure,
		Attributes: map[string]interface{}{
			model.AttrDenialReason: reason,
		},
	})
	if err != nil {
		t.log.Error().Err(err).Msg("failed to audit forgery attempt")
	}
}

// SetNow overrides the clock. Tests only.
func (t *TrailManager) SetNow(now func() time.Time) {
	t.now = now
}
