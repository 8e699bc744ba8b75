package admission

import (
	"time"

	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/model"
)

// Pattern is a named suspicious-behavior predicate over a key's recent
// request history. New patterns can be added without changing the
// controller's Check contract.
type Pattern struct {
	Name        string
	Description string
	Severity    model.Severity
	Action      model.Action
	// Window bounds both the records the predicate looks at and how often
	// the pattern re-fires for the same key.
	Window  time.Duration
	Matches func(records []Record, now time.Time) bool
}

// DefaultPatterns builds the built-in detector list from configuration.
func DefaultPatterns(cfg config.PatternsConfig) []Pattern {
	return []Pattern{
		{
			Name:        "burst",
			Description: "request burst exceeding the per-minute ceiling",
			Severity:    model.SeverityHigh,
			Action:      model.ActionThrottle,
			Window:      cfg.BurstWindow,
			Matches: func(records []Record, now time.Time) bool {
				return countWithin(records, now, cfg.BurstWindow, func(Record) bool { return true }) >= cfg.BurstLimit
			},
		},
		{
			Name:        "repeated-auth-failure",
			Description: "repeated failed calls to authentication endpoints",
			Severity:    model.SeverityCritical,
			Action:      model.ActionBlock,
			Window:      cfg.AuthFailureWindow,
			Matches: func(records []Record, now time.Time) bool {
				return countWithin(records, now, cfg.AuthFailureWindow, func(r Record) bool {
					return r.Auth && !r.Success
				}) >= cfg.AuthFailureLimit
			},
		},
		{
			Name:        "endpoint-scan",
			Description: "unusually many distinct endpoints touched",
			Severity:    model.SeverityMedium,
			Action:      model.ActionThrottle,
			Window:      cfg.EndpointScanWindow,
			Matches: func(records []Record, now time.Time) bool {
				cutoff := now.Add(-cfg.EndpointScanWindow)
				distinct := make(map[string]struct{})
				for _, r := range records {
					if r.Timestamp.After(cutoff) {
						distinct[r.Endpoint] = struct{}{}
					}
				}
				return len(distinct) >= cfg.EndpointScanLimit
			},
		},
		{
			Name:        "bulk-sensitive-access",
			Description: "bulk access to sensitive-resource endpoints",
			Severity:    model.SeverityCritical,
			Action:      model.ActionBlock,
			Window:      cfg.BulkSensitiveWindow,
			Matches: func(records []Record, now time.Time) bool {
				return countWithin(records, now, cfg.BulkSensitiveWindow, func(r Record) bool {
					return r.Sensitive
				}) >= cfg.BulkSensitiveLimit
			},
		},
	}
}

func countWithin(records []Record, now time.Time, window time.Duration, match func(Record) bool) int {
	cutoff := now.Add(-window)
	n := 0
	for _, r := range records {
		if r.Timestamp.After(cutoff) && match(r) {
			n++
		}
	}
	return n
}
