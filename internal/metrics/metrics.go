// Package metrics tracks crawl-wide counters and exposes a periodic
// progress summary, grounded on the teacher's Tracker.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the crawl's counters.
type Snapshot struct {
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time,omitempty"`
	TerminationReason string    `json:"termination_reason,omitempty"`

	URLsDiscovered int64 `json:"urls_discovered"`
	URLsAdmitted   int64 `json:"urls_admitted"`
	PagesFetched   int64 `json:"pages_fetched"`
	PagesFailed    int64 `json:"pages_failed"`
	PagesSkipped   int64 `json:"pages_skipped"`

	TotalFetchTimeMs int64 `json:"total_fetch_time_ms"`
	AvgFetchTimeMs   int64 `json:"avg_fetch_time_ms"`
}

// Tracker holds and updates the crawl's running counters.
type Tracker struct {
	mu               sync.Mutex
	data             Snapshot
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a Tracker with StartTime set to now.
func NewTracker() *Tracker {
	return &Tracker{
		data: Snapshot{StartTime: time.Now()},
	}
}

// IncrementDiscovered increments the discovered-URL counter (a link was
// extracted and passed to the filter chain).
func (t *Tracker) IncrementDiscovered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.URLsDiscovered++
}

// IncrementAdmitted increments the admitted-URL counter (the frontier
// accepted the URL into its ready queue).
func (t *Tracker) IncrementAdmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.URLsAdmitted++
}

// IncrementFetched increments the successful-fetch counter.
func (t *Tracker) IncrementFetched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
}

// IncrementFailed increments the failed-fetch counter.
func (t *Tracker) IncrementFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
}

// IncrementSkipped increments the filter-chain-rejection counter.
func (t *Tracker) IncrementSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesSkipped++
}

// RecordFetchTime folds a single fetch's wall time into the running average.
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}

// WriteToFile finalizes and exports the snapshot as JSON.
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs
	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	snapshot := t.data
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

// LogProgress renders a one-line progress summary suitable for periodic
// logging.
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("discovered=%d admitted=%d fetched=%d failed=%d skipped=%d",
		t.data.URLsDiscovered,
		t.data.URLsAdmitted,
		t.data.PagesFetched,
		t.data.PagesFailed,
		t.data.PagesSkipped,
	)
}
