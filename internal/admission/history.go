package admission

import "time"

// Record is one observed request for a key. Records are ephemeral: they live
// only inside the bounded history window and are never persisted.
type Record struct {
	Timestamp time.Time
	Endpoint  string
	Method    string
	CallerID  string
	// Success is true for admitted calls whose operation succeeded. It is
	// false for denials, and flipped false later when the guard reports
	// that the admitted operation failed.
	Success   bool
	Auth      bool
	Sensitive bool
}

// entry is the per-key admission state: token bucket, bounded request
// history, and pattern cooldowns. All fields are guarded by mu.
type entry struct {
	bucket   *bucket
	records  []Record
	fired    map[string]time.Time
	lastSeen time.Time
}

// append adds a record and prunes anything older than window. Pruning on
// every mutation keeps the slice bounded without a separate sweep.
func (e *entry) append(rec Record, window time.Duration) {
	e.records = append(e.records, rec)
	e.lastSeen = rec.Timestamp
	e.prune(rec.Timestamp.Add(-window))
}

func (e *entry) prune(cutoff time.Time) {
	idx := 0
	for idx < len(e.records) && !e.records[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.records = append(e.records[:0], e.records[idx:]...)
	}
}
