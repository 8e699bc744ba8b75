package audit

import (
	"context"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/accessguard/accessguard/internal/storage"
	"github.com/google/uuid"
)

// persistItem is one unit of deferred persistence work.
type persistItem struct {
	event     *model.AuditEvent
	violation *model.Violation
}

// writer drains a bounded queue into the event store on a single goroutine.
// One consumer gives global FIFO, which implies the per-caller ordering the
// trail guarantees. When the store rejects an event the writer persists a
// minimal fallback event describing the failure; records are never silently
// dropped.
type writer struct {
	store storage.EventStore
	queue chan persistItem
	log   *logger.Logger
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWriter(store storage.EventStore, size int, log *logger.Logger) *writer {
	return &writer{
		store: store,
		queue: make(chan persistItem, size),
		log:   log.WithComponent("audit_writer"),
	}
}

func (w *writer) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for item := range w.queue {
			w.persist(item)
		}
	}()
}

// stop closes the queue and waits for the drain to finish. Later enqueues
// report false and take the synchronous path.
func (w *writer) stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// enqueue offers an item to the queue without blocking. It reports false
// when the queue is full or closed; the caller then falls back to a
// synchronous write.
func (w *writer) enqueue(item persistItem) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- item:
		return true
	default:
		return false
	}
}

func (w *writer) persist(item persistItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case item.event != nil:
		if err := w.store.StoreEvent(ctx, item.event); err != nil {
			w.log.Error().Err(err).Str("event_id", item.event.ID).Msg("failed to persist audit event")
			w.persistFallback(ctx, item.event, err)
		}
	case item.violation != nil:
		if err := w.store.StoreViolation(ctx, item.violation); err != nil {
			w.log.Error().Err(err).Str("violation_id", item.violation.ID).Msg("failed to persist violation")
		}
	}
}

// persistFallback writes a minimal event recording the persistence failure
// itself. If even that fails there is nothing left to do but log.
func (w *writer) persistFallback(ctx context.Context, original *model.AuditEvent, cause error) {
	fallback := fallbackEvent(original, cause)
	if err := w.store.StoreEvent(ctx, fallback); err != nil {
		w.log.Error().Err(err).Str("event_id", original.ID).Msg("fallback audit write failed, event lost")
	}
}

// fallbackEvent builds the minimal failure-describing event persisted when a
// full event cannot be stored.
func fallbackEvent(original *model.AuditEvent, cause error) *model.AuditEvent {
	return &model.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		CallerID:  original.CallerID,
		Kind:      model.EventSystem,
		Action:    "audit.persistence_failure",
		Outcome:   model.OutcomeFailure,
		Attributes: map[string]interface{}{
			"failed_event_id": original.ID,
			"error":           cause.Error(),
		},
		RequiresReview: true,
	}
}
