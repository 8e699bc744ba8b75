package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessguard/accessguard/internal/model"
	"github.com/accessguard/accessguard/internal/storage"
)

func scorePtr(n int) *int { return &n }

func seedReportStore(t *testing.T) *storage.Memory {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()

	reviewer := "supervisor-1"
	events := []*model.AuditEvent{
		{
			ID: "e1", Timestamp: noon, CallerID: "nurse-1", Kind: model.EventAccess,
			ResourceID: "patient-42", Outcome: model.OutcomeSuccess, Sensitive: true, RiskScore: scorePtr(20),
		},
		{
			ID: "e2", Timestamp: noon.Add(time.Hour), CallerID: "nurse-1", Kind: model.EventAccess,
			ResourceID: "patient-42", Outcome: model.OutcomeSuccess, RiskScore: scorePtr(0),
		},
		{
			ID: "e3", Timestamp: noon.Add(2 * time.Hour), CallerID: "admin-1", Kind: model.EventDelete,
			ResourceID: "patient-7", Outcome: model.OutcomeFailure, Sensitive: true, RiskScore: scorePtr(85),
			RequiresReview: true,
		},
		{
			ID: "e4", Timestamp: noon.Add(2 * time.Hour), CallerID: "nurse-1", Kind: model.EventBulkExport,
			Outcome: model.OutcomeSuccess, RiskScore: scorePtr(25),
			RequiresReview: true, ReviewedBy: &reviewer,
		},
		// outside the report range
		{
			ID: "e5", Timestamp: noon.Add(48 * time.Hour), CallerID: "nurse-2", Kind: model.EventAccess,
			Outcome: model.OutcomeSuccess, RiskScore: scorePtr(0),
		},
	}
	for _, e := range events {
		require.NoError(t, store.StoreEvent(ctx, e))
	}

	violations := []*model.Violation{
		{ID: "v1", Timestamp: noon, RuleID: "sensitive-delete", Severity: model.SeverityHigh, CallerID: "admin-1"},
		{ID: "v2", Timestamp: noon.Add(time.Hour), RuleID: "unauthorized-attempt", Severity: model.SeverityCritical, CallerID: "unknown"},
	}
	for _, v := range violations {
		require.NoError(t, store.StoreViolation(ctx, v))
	}
	require.NoError(t, store.ResolveViolation(ctx, "v1", "supervisor-1", noon.Add(time.Hour)))
	return store
}

func TestComplianceReportSummary(t *testing.T) {
	store := seedReportStore(t)
	tm := newTestTrail(store, nil, 0)

	report, err := tm.ComplianceReport(context.Background(), noon, noon.Add(3*time.Hour), false)
	require.NoError(t, err)

	assert.Equal(t, noon, report.Start)
	assert.Equal(t, noon, report.GeneratedAt)

	s := report.Summary
	assert.Equal(t, 4, s.TotalEvents)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 2, s.SensitiveAccesses)
	assert.Equal(t, 1, s.HighRiskEvents)
	assert.Equal(t, 1, s.EventsNeedingReview)
	assert.Equal(t, 2, s.TotalViolations)
	assert.Equal(t, 1, s.UnresolvedViolations)
}

func TestComplianceReportStatistics(t *testing.T) {
	store := seedReportStore(t)
	tm := newTestTrail(store, nil, 0)

	report, err := tm.ComplianceReport(context.Background(), noon, noon.Add(3*time.Hour), false)
	require.NoError(t, err)

	stats := report.Statistics
	assert.Equal(t, map[string]int{
		"access":      2,
		"delete":      1,
		"bulk_export": 1,
	}, stats.EventsByKind)

	assert.Equal(t, 1, stats.EventsByHour[12])
	assert.Equal(t, 1, stats.EventsByHour[13])
	assert.Equal(t, 2, stats.EventsByHour[14])
	assert.Equal(t, 0, stats.EventsByHour[15])

	require.Len(t, stats.TopCallers, 2)
	assert.Equal(t, CountEntry{ID: "nurse-1", Count: 3}, stats.TopCallers[0])
	assert.Equal(t, CountEntry{ID: "admin-1", Count: 1}, stats.TopCallers[1])

	require.Len(t, stats.TopResources, 2)
	assert.Equal(t, CountEntry{ID: "patient-42", Count: 2}, stats.TopResources[0])
}

func TestComplianceReportRecommendations(t *testing.T) {
	store := seedReportStore(t)
	tm := newTestTrail(store, nil, 0)

	report, err := tm.ComplianceReport(context.Background(), noon, noon.Add(3*time.Hour), false)
	require.NoError(t, err)

	recs := report.Recommendations
	assert.Contains(t, recs, "1 violations are unresolved; triage and resolve them")
	assert.Contains(t, recs, "critical violations present; review the affected callers' access")
	assert.Contains(t, recs, "1 events are awaiting review")
}

func TestComplianceReportNoAnomalies(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.StoreEvent(context.Background(), &model.AuditEvent{
		ID: "e1", Timestamp: noon, CallerID: "nurse-1", Kind: model.EventAccess,
		Outcome: model.OutcomeSuccess, RiskScore: scorePtr(0),
	}))
	tm := newTestTrail(store, nil, 0)

	report, err := tm.ComplianceReport(context.Background(), noon, noon.Add(time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"no anomalies detected in this period"}, report.Recommendations)
}

func TestComplianceReportIncludeDetails(t *testing.T) {
	store := seedReportStore(t)
	tm := newTestTrail(store, nil, 0)
	ctx := context.Background()

	without, err := tm.ComplianceReport(ctx, noon, noon.Add(3*time.Hour), false)
	require.NoError(t, err)
	assert.Empty(t, without.Violations)

	with, err := tm.ComplianceReport(ctx, noon, noon.Add(3*time.Hour), true)
	require.NoError(t, err)
	assert.Len(t, with.Violations, 2)
}

func TestTopN(t *testing.T) {
	counts := map[string]int{"a": 3, "b": 5, "c": 3, "d": 1}

	entries := topN(counts, 3)
	require.Len(t, entries, 3)
	assert.Equal(t, CountEntry{ID: "b", Count: 5}, entries[0])
	// Equal counts tie-break alphabetically
	assert.Equal(t, CountEntry{ID: "a", Count: 3}, entries[1])
	assert.Equal(t, CountEntry{ID: "c", Count: 3}, entries[2])

	assert.Len(t, topN(counts, 0), 4)
}
