package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/accessguard/accessguard/internal/model"
)

// ComplianceReport is the JSON-serializable report for a time range.
type ComplianceReport struct {
	Start           time.Time          `json:"start"`
	End             time.Time          `json:"end"`
	GeneratedAt     time.Time          `json:"generatedAt"`
	Summary         ReportSummary      `json:"summary"`
	Statistics      ReportStatistics   `json:"statistics"`
	Violations      []*model.Violation `json:"violations,omitempty"`
	Recommendations []string           `json:"recommendations"`
}

// ReportSummary holds the headline numbers.
type ReportSummary struct {
	TotalEvents          int `json:"totalEvents"`
	Failures             int `json:"failures"`
	SensitiveAccesses    int `json:"sensitiveAccesses"`
	HighRiskEvents       int `json:"highRiskEvents"`
	EventsNeedingReview  int `json:"eventsNeedingReview"`
	TotalViolations      int `json:"totalViolations"`
	UnresolvedViolations int `json:"unresolvedViolations"`
}

// CountEntry is one row of a top-N ranking.
type CountEntry struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// ReportStatistics holds the distribution breakdowns.
type ReportStatistics struct {
	EventsByKind map[string]int `json:"eventsByKind"`
	EventsByHour [24]int        `json:"eventsByHour"`
	TopCallers   []CountEntry   `json:"topCallers"`
	TopResources []CountEntry   `json:"topResources"`
}

// ComplianceReport builds the report for [start, end]. includeDetails
// controls whether the individual violations are embedded.
func (t *TrailManager) ComplianceReport(ctx context.Context, start, end time.Time, includeDetails bool) (*ComplianceReport, error) {
	events, err := t.store.EventsByRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for report: %w", err)
	}
	violations, err := t.store.ViolationsByRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load violations for report: %w", err)
	}

	report := &ComplianceReport{
		Start:       start,
		End:         end,
		GeneratedAt: t.now().UTC(),
		Statistics: ReportStatistics{
			EventsByKind: make(map[string]int),
		},
	}

	callers := make(map[string]int)
	resources := make(map[string]int)

	for _, e := range events {
		report.Summary.TotalEvents++
		report.Statistics.EventsByKind[string(e.Kind)]++
		report.Statistics.EventsByHour[e.Timestamp.Hour()]++
		callers[e.CallerID]++
		if e.ResourceID != "" {
			resources[e.ResourceID]++
		}

		if e.Outcome == model.OutcomeFailure {
			report.Summary.Failures++
		}
		if e.Sensitive {
			report.Summary.SensitiveAccesses++
		}
		if e.Score() > t.riskCfg.AlertScore {
			report.Summary.HighRiskEvents++
		}
		if e.RequiresReview && e.ReviewedBy == nil {
			report.Summary.EventsNeedingReview++
		}
	}

	report.Summary.TotalViolations = len(violations)
	for _, v := range violations {
		if !v.Resolved {
			report.Summary.UnresolvedViolations++
		}
	}

	report.Statistics.TopCallers = topN(callers, t.cfg.ReportTopN)
	report.Statistics.TopResources = topN(resources, t.cfg.ReportTopN)
	report.Recommendations = t.recommendations(report, violations)

	if includeDetails {
		report.Violations = violations
	}
	return report, nil
}

func (t *TrailManager) recommendations(r *ComplianceReport, violations []*model.Violation) []string {
	var recs []string

	if r.Summary.UnresolvedViolations > 0 {
		recs = append(recs, fmt.Sprintf("%d violations are unresolved; triage and resolve them", r.Summary.UnresolvedViolations))
	}
	for _, v := range violations {
		if v.Severity == model.SeverityCritical && !v.Resolved {
			recs = append(recs, "critical violations present; review the affected callers' access")
			break
		}
	}
	if r.Summary.TotalEvents > 0 {
		failureRate := float64(r.Summary.Failures) / float64(r.Summary.TotalEvents)
		if failureRate > 0.1 {
			recs = append(recs, fmt.Sprintf("failure rate is %.0f%%; investigate repeated failures", failureRate*100))
		}
	}
	if r.Summary.EventsNeedingReview > 0 {
		recs = append(recs, fmt.Sprintf("%d events are awaiting review", r.Summary.EventsNeedingReview))
	}
	if len(recs) == 0 {
		recs = append(recs, "no anomalies detected in this period")
	}
	return recs
}

func topN(counts map[string]int, n int) []CountEntry {
	entries := make([]CountEntry, 0, len(counts))
	for id, count := range counts {
		entries = append(entries, CountEntry{ID: id, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].ID < entries[j].ID
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
