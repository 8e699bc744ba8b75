package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/model"
)

type sinkCall struct {
	denial  Denial
	pattern *model.Violation
}

// recordingSink captures everything the controller reports.
type recordingSink struct {
	mu       sync.Mutex
	denials  []Denial
	patterns []sinkCall
}

func (s *recordingSink) RecordDenial(_ context.Context, d Denial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denials = append(s.denials, d)
}

func (s *recordingSink) RecordPattern(_ context.Context, d Denial, v *model.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, sinkCall{denial: d, pattern: v})
}

func (s *recordingSink) patternNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.patterns))
	for _, c := range s.patterns {
		names = append(names, c.pattern.RuleID)
	}
	return names
}

func testAdmissionConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Capacity:        100,
		RefillRate:      100.0 / 60.0,
		HistoryWindow:   time.Hour,
		BlockDuration:   15 * time.Minute,
		IdleBucketTTL:   2 * time.Hour,
		MaintenanceTick: time.Minute,
		ThrottleFactor:  0.5,
	}
}

func testPatternsConfig() config.PatternsConfig {
	return config.PatternsConfig{
		BurstLimit:          50,
		BurstWindow:         time.Minute,
		AuthFailureLimit:    5,
		AuthFailureWindow:   5 * time.Minute,
		EndpointScanLimit:   20,
		EndpointScanWindow:  10 * time.Minute,
		BulkSensitiveLimit:  100,
		BulkSensitiveWindow: time.Hour,
	}
}

func newTestController(t *testing.T, sink SecuritySink, base time.Time) *Controller {
	t.Helper()
	classifier := Classifier{
		Auth:      func(endpoint string) bool { return endpoint == "/api/v1/auth/login" },
		Sensitive: func(endpoint string) bool { return endpoint == "/api/v1/patients" },
	}
	c := NewController(testAdmissionConfig(), DefaultPatterns(testPatternsConfig()), classifier, sink, logger.New("disabled", "console"))
	c.SetNow(func() time.Time { return base })
	return c
}

func TestCheckConsumesExactlyCapacity(t *testing.T) {
	base := time.Now()
	c := newTestController(t, nil, base)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d := c.Check(ctx, "caller-1", "/api/v1/appointments", "GET", "caller-1")
		require.True(t, d.Allowed, "request %d should be admitted", i)
		assert.Equal(t, 99-i, d.Remaining)
	}

	d := c.Check(ctx, "caller-1", "/api/v1/appointments", "GET", "caller-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 600*time.Millisecond, d.RetryAfter)
}

func TestCheckConcurrentConsumeIsExact(t *testing.T) {
	base := time.Now()
	c := newTestController(t, nil, base)
	ctx := context.Background()

	const callers = 150
	var wg sync.WaitGroup
	allowed := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allowed[i] = c.Check(ctx, "shared", "/api/v1/appointments", "GET", "caller").Allowed
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, ok := range allowed {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 100, granted)
	assert.Equal(t, 0, c.Status("shared").Remaining)
}

func TestCheckIsolatesKeys(t *testing.T) {
	base := time.Now()
	c := newTestController(t, nil, base)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, c.Check(ctx, "noisy", "/api/v1/appointments", "GET", "noisy").Allowed)
	}
	require.False(t, c.Check(ctx, "noisy", "/api/v1/appointments", "GET", "noisy").Allowed)

	d := c.Check(ctx, "quiet", "/api/v1/appointments", "GET", "quiet")
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestCheckRefillsOverTime(t *testing.T) {
	now := time.Now()
	c := newTestController(t, nil, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, c.Check(ctx, "k", "/api/v1/appointments", "GET", "c").Allowed)
	}
	require.False(t, c.Check(ctx, "k", "/api/v1/appointments", "GET", "c").Allowed)

	// 600ms restores exactly one token at 100 tokens per minute
	now = now.Add(600 * time.Millisecond)
	d := c.Check(ctx, "k", "/api/v1/appointments", "GET", "c")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestBlockedKeyDeniedUntilExpiry(t *testing.T) {
	now := time.Now()
	sink := &recordingSink{}
	c := newTestController(t, sink, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	c.BlockFor("caller-2")

	d := c.Check(ctx, "caller-2", "/api/v1/appointments", "GET", "caller-2")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	// Blocked denials reach the sink but skip pattern evaluation
	require.Len(t, sink.denials, 1)
	assert.Equal(t, ReasonBlocked, sink.denials[0].Reason)

	now = now.Add(15*time.Minute + time.Second)
	d = c.Check(ctx, "caller-2", "/api/v1/appointments", "GET", "caller-2")
	assert.True(t, d.Allowed)
}

func TestRepeatedAuthFailuresTriggerBlock(t *testing.T) {
	now := time.Now()
	sink := &recordingSink{}
	c := newTestController(t, sink, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := c.Check(ctx, "attacker", "/api/v1/auth/login", "POST", "attacker")
		require.True(t, d.Allowed)
		c.NoteFailure(ctx, "attacker", "/api/v1/auth/login", "POST", "attacker")
	}

	names := sink.patternNames()
	require.Contains(t, names, "repeated-auth-failure")

	d := c.Check(ctx, "attacker", "/api/v1/auth/login", "POST", "attacker")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocked, d.Reason)

	// The pattern fires once, not on every subsequent denial
	assert.Len(t, sink.patternNames(), len(names))
}

func TestFourAuthFailuresDoNotBlock(t *testing.T) {
	now := time.Now()
	sink := &recordingSink{}
	c := newTestController(t, sink, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.True(t, c.Check(ctx, "cautious", "/api/v1/auth/login", "POST", "cautious").Allowed)
		c.NoteFailure(ctx, "cautious", "/api/v1/auth/login", "POST", "cautious")
	}

	assert.NotContains(t, sink.patternNames(), "repeated-auth-failure")
	assert.True(t, c.Check(ctx, "cautious", "/api/v1/appointments", "GET", "cautious").Allowed)
}

func TestBulkSensitiveAccessBlocks(t *testing.T) {
	now := time.Now()
	sink := &recordingSink{}
	c := newTestController(t, sink, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	// Spread 101 sensitive reads across the hour so neither the bucket nor
	// the burst detector interferes.
	for i := 0; i < 101; i++ {
		now = now.Add(30 * time.Second)
		d := c.Check(ctx, "exporter", "/api/v1/patients", "GET", "exporter")
		if i < 100 {
			require.True(t, d.Allowed, "request %d unexpectedly denied", i)
		}
	}

	names := sink.patternNames()
	assert.Contains(t, names, "bulk-sensitive-access")

	var bulk *model.Violation
	sink.mu.Lock()
	for _, call := range sink.patterns {
		if call.pattern.RuleID == "bulk-sensitive-access" {
			bulk = call.pattern
		}
	}
	sink.mu.Unlock()
	require.NotNil(t, bulk)
	assert.Equal(t, model.SeverityCritical, bulk.Severity)
	assert.True(t, bulk.AutoResponded)
	assert.True(t, bulk.NotifyRequired)

	d := c.Check(ctx, "exporter", "/api/v1/patients", "GET", "exporter")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBlocked, d.Reason)
}

func TestEndpointScanThrottles(t *testing.T) {
	now := time.Now()
	sink := &recordingSink{}
	c := newTestController(t, sink, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		endpoint := fmt.Sprintf("/api/v1/resources/%d", i)
		require.True(t, c.Check(ctx, "scanner", endpoint, "GET", "scanner").Allowed)
	}

	assert.Contains(t, sink.patternNames(), "endpoint-scan")

	// Throttling halves capacity, so a full refill tops out at 50 tokens
	now = now.Add(time.Hour)
	st := c.Status("scanner")
	assert.LessOrEqual(t, st.Remaining, 50)
}

func TestStatusDoesNotConsume(t *testing.T) {
	base := time.Now()
	c := newTestController(t, nil, base)
	ctx := context.Background()

	require.True(t, c.Check(ctx, "k", "/api/v1/appointments", "GET", "c").Allowed)
	before := c.Status("k").Remaining
	after := c.Status("k").Remaining
	assert.Equal(t, before, after)
	assert.Equal(t, 99, before)
}

func TestMaintainDropsIdleEntriesAndExpiredBlocks(t *testing.T) {
	now := time.Now()
	c := newTestController(t, nil, now)
	c.SetNow(func() time.Time { return now })
	ctx := context.Background()

	c.Check(ctx, "idle", "/api/v1/appointments", "GET", "idle")
	c.Block("gone", now.Add(time.Minute))

	now = now.Add(3 * time.Hour)
	c.maintain()

	c.mu.RLock()
	_, hasEntry := c.entries["idle"]
	c.mu.RUnlock()
	assert.False(t, hasEntry)

	c.blockMu.RLock()
	_, hasBlock := c.blocks["gone"]
	c.blockMu.RUnlock()
	assert.False(t, hasBlock)
}

func TestNoteFailureFlipsMostRecentRecord(t *testing.T) {
	now := time.Now()
	c := newTestController(t, nil, now)
	ctx := context.Background()

	require.True(t, c.Check(ctx, "k", "/api/v1/auth/login", "POST", "c").Allowed)
	c.NoteFailure(ctx, "k", "/api/v1/auth/login", "POST", "c")

	mu, e := c.entry("k")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, e.records, 1)
	assert.False(t, e.records[0].Success)
	assert.True(t, e.records[0].Auth)
}
