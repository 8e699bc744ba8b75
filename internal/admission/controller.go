// Package admission implements per-caller token-bucket admission control
// with suspicious-pattern detection and temporary blocking.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
	"github.com/google/uuid"
)

// Denial reasons reported in decisions.
const (
	ReasonRateLimited = "rate_limited"
	ReasonBlocked     = "blocked"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remainingTokens"`
	ResetAt    time.Time     `json:"resetTime"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Denial describes a denied request for the audit sink.
type Denial struct {
	Key        string
	Endpoint   string
	Method     string
	CallerID   string
	Reason     string
	RetryAfter time.Duration
}

// SecuritySink receives denials and detected patterns. Implemented by the
// audit trail manager; calls must be fast and non-blocking.
type SecuritySink interface {
	RecordDenial(ctx context.Context, d Denial)
	RecordPattern(ctx context.Context, d Denial, v *model.Violation)
}

// Classifier tells the controller which endpoints count as authentication
// endpoints and which touch sensitive resources.
type Classifier struct {
	Auth      func(endpoint string) bool
	Sensitive func(endpoint string) bool
}

// Controller owns all per-key admission state. Construct one per process
// and share it; Start runs background maintenance until Stop.
type Controller struct {
	cfg        config.AdmissionConfig
	patterns   []Pattern
	classifier Classifier
	sink       SecuritySink
	log        *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	keyMu   map[string]*sync.Mutex

	blockMu sync.RWMutex
	blocks  map[string]time.Time

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewController creates an admission controller. sink may be nil when no
// audit wiring exists (tests).
func NewController(cfg config.AdmissionConfig, patterns []Pattern, classifier Classifier, sink SecuritySink, log *logger.Logger) *Controller {
	if classifier.Auth == nil {
		classifier.Auth = func(string) bool { return false }
	}
	if classifier.Sensitive == nil {
		classifier.Sensitive = func(string) bool { return false }
	}
	return &Controller{
		cfg:        cfg,
		patterns:   patterns,
		classifier: classifier,
		sink:       sink,
		log:        log.WithComponent("admission"),
		entries:    make(map[string]*entry),
		keyMu:      make(map[string]*sync.Mutex),
		blocks:     make(map[string]time.Time),
		now:        time.Now,
	}
}

// Start launches the background maintenance loop.
func (c *Controller) Start() {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.MaintenanceTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.maintain()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts background maintenance.
func (c *Controller) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.wg.Wait()
		c.stopCh = nil
	}
}

// Check decides whether to admit one request for key. Every call, allowed or
// not, is appended to the key's bounded history. A hard-blocked key is denied
// without touching bucket state. Tokens consumed here are never refunded,
// even if the protected operation is later cancelled.
func (c *Controller) Check(ctx context.Context, key, endpoint, method, callerID string) Decision {
	now := c.now()

	rec := Record{
		Timestamp: now,
		Endpoint:  endpoint,
		Method:    method,
		CallerID:  callerID,
		Auth:      c.classifier.Auth(endpoint),
		Sensitive: c.classifier.Sensitive(endpoint),
	}

	if until, blocked := c.blockedUntil(key, now); blocked {
		c.record(key, rec)
		d := Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: until.Sub(now),
			Reason:     ReasonBlocked,
		}
		c.deny(ctx, key, rec, d)
		return d
	}

	mu, e := c.entry(key)
	mu.Lock()
	allowed := e.bucket.take(now)
	rec.Success = allowed
	e.append(rec, c.cfg.HistoryWindow)
	d := Decision{
		Allowed:   allowed,
		Remaining: e.bucket.remaining(),
		ResetAt:   e.bucket.resetAt(now),
	}
	if !allowed {
		d.Remaining = 0
		d.RetryAfter = e.bucket.retryAfter()
		d.Reason = ReasonRateLimited
	}
	mu.Unlock()

	if !allowed {
		c.deny(ctx, key, rec, d)
	}
	// Detectors run on every non-blocked call so slow abuse that never
	// trips the bucket (spread-out bulk access, endpoint scans) is still
	// caught. Prescribed actions are applied before Check returns.
	c.evaluatePatterns(ctx, key, Denial{
		Key:        key,
		Endpoint:   endpoint,
		Method:     method,
		CallerID:   callerID,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfter,
	})
	return d
}

// Status reports the current decision state for a key without consuming a
// token or recording history.
func (c *Controller) Status(key string) Decision {
	now := c.now()
	if until, blocked := c.blockedUntil(key, now); blocked {
		return Decision{Allowed: false, ResetAt: until, RetryAfter: until.Sub(now), Reason: ReasonBlocked}
	}

	mu, e := c.entry(key)
	mu.Lock()
	defer mu.Unlock()
	e.bucket.refill(now)
	return Decision{
		Allowed:   e.bucket.remaining() > 0,
		Remaining: e.bucket.remaining(),
		ResetAt:   e.bucket.resetAt(now),
	}
}

// Block hard-blocks a key until the given time. Used both by pattern actions
// and by violation rules' automatic responses.
func (c *Controller) Block(key string, until time.Time) {
	c.blockMu.Lock()
	c.blocks[key] = until
	c.blockMu.Unlock()
	c.log.Warn().Str("key", key).Time("until", until).Msg("key blocked")
}

// BlockFor hard-blocks a key for the configured block duration.
func (c *Controller) BlockFor(key string) {
	c.Block(key, c.now().Add(c.cfg.BlockDuration))
}

func (c *Controller) blockedUntil(key string, now time.Time) (time.Time, bool) {
	c.blockMu.RLock()
	until, ok := c.blocks[key]
	c.blockMu.RUnlock()
	if !ok || now.After(until) {
		return time.Time{}, false
	}
	return until, true
}

// deny logs the denial and forwards it to the audit sink.
func (c *Controller) deny(ctx context.Context, key string, rec Record, d Decision) {
	c.log.AdmissionDenied(key, rec.Endpoint, rec.Method, d.Reason, d.RetryAfter)
	if c.sink != nil {
		c.sink.RecordDenial(ctx, Denial{
			Key:        key,
			Endpoint:   rec.Endpoint,
			Method:     rec.Method,
			CallerID:   rec.CallerID,
			Reason:     d.Reason,
			RetryAfter: d.RetryAfter,
		})
	}
}

func (c *Controller) evaluatePatterns(ctx context.Context, key string, denial Denial) {
	now := c.now()
	mu, e := c.entry(key)

	mu.Lock()
	records := make([]Record, len(e.records))
	copy(records, e.records)

	var matched []Pattern
	for _, p := range c.patterns {
		if last, ok := e.fired[p.Name]; ok && now.Sub(last) < p.Window {
			continue
		}
		if p.Matches(records, now) {
			e.fired[p.Name] = now
			matched = append(matched, p)
			if p.Action == model.ActionThrottle {
				e.bucket.throttle(c.cfg.ThrottleFactor)
			}
		}
	}
	mu.Unlock()

	for _, p := range matched {
		if p.Action == model.ActionBlock {
			c.Block(key, now.Add(c.cfg.BlockDuration))
		}

		v := &model.Violation{
			ID:             uuid.New().String(),
			Timestamp:      now.UTC(),
			RuleID:         p.Name,
			Severity:       p.Severity,
			Description:    p.Description,
			CallerID:       denial.CallerID,
			AutoResponded:  p.Action != model.ActionLog,
			NotifyRequired: p.Severity == model.SeverityCritical,
		}
		c.log.Warn().
			Str("pattern", p.Name).
			Str("key", key).
			Str("action", string(p.Action)).
			Msg("suspicious pattern detected")
		if c.sink != nil {
			c.sink.RecordPattern(ctx, denial, v)
		}
	}
}

// NoteFailure marks the most recent admitted call to endpoint as failed and
// re-evaluates the pattern detectors. The guard calls this when a protected
// operation itself fails, so failure-based detectors (repeated auth
// failures) see real outcomes, not just admission denials.
func (c *Controller) NoteFailure(ctx context.Context, key, endpoint, method, callerID string) {
	mu, e := c.entry(key)
	mu.Lock()
	for i := len(e.records) - 1; i >= 0; i-- {
		r := &e.records[i]
		if r.Endpoint == endpoint && r.Success {
			r.Success = false
			break
		}
	}
	mu.Unlock()

	c.evaluatePatterns(ctx, key, Denial{
		Key:      key,
		Endpoint: endpoint,
		Method:   method,
		CallerID: callerID,
		Reason:   "operation_failed",
	})
}

func (c *Controller) record(key string, rec Record) {
	mu, e := c.entry(key)
	mu.Lock()
	e.append(rec, c.cfg.HistoryWindow)
	mu.Unlock()
}

// entry returns the per-key mutex and state, creating both lazily.
func (c *Controller) entry(key string) (*sync.Mutex, *entry) {
	c.mu.RLock()
	e, ok := c.entries[key]
	mu := c.keyMu[key]
	c.mu.RUnlock()
	if ok {
		return mu, e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; ok {
		return c.keyMu[key], e
	}
	e = &entry{
		bucket:   newBucket(c.cfg.Capacity, c.cfg.RefillRate, c.now()),
		fired:    make(map[string]time.Time),
		lastSeen: c.now(),
	}
	mu = &sync.Mutex{}
	c.entries[key] = e
	c.keyMu[key] = mu
	return mu, e
}

// maintain prunes old history, expires blocks, and drops idle buckets. It
// never holds the global lock while working on a key, so foreground checks
// keep running.
func (c *Controller) maintain() {
	now := c.now()

	c.blockMu.Lock()
	for key, until := range c.blocks {
		if now.After(until) {
			delete(c.blocks, key)
		}
	}
	c.blockMu.Unlock()

	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	var idle []string
	for _, key := range keys {
		mu, e := c.entry(key)
		mu.Lock()
		e.prune(now.Add(-c.cfg.HistoryWindow))
		if now.Sub(e.lastSeen) > c.cfg.IdleBucketTTL {
			idle = append(idle, key)
		}
		mu.Unlock()
	}

	if len(idle) > 0 {
		c.mu.Lock()
		for _, key := range idle {
			delete(c.entries, key)
			delete(c.keyMu, key)
		}
		c.mu.Unlock()
		c.log.Debug().Int("count", len(idle)).Msg("dropped idle admission entries")
	}
}

// SetNow overrides the clock. Tests only.
func (c *Controller) SetNow(now func() time.Time) {
	c.now = now
}
