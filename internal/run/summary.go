package run

import "time"

// Run outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeLockFailed = "lock_failed"
	OutcomeFailed     = "failed"
)

// SourceSummary is the fetch result for one source.
type SourceSummary struct {
	Name    string `json:"name"`
	Fetched int    `json:"fetched"`
	New     int    `json:"new"`
	Error   string `json:"error,omitempty"`
}

// EntrySummary describes one entry handed to (or held back from) delivery.
type EntrySummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Severity   string `json:"severity"`
	ThreatType string `json:"threat_type"`
	Result     string `json:"result"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Summary reports what a run did. It is produced even when the run fails.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Error      string    `json:"error,omitempty"`

	Sources []SourceSummary `json:"sources"`

	Fetched    int `json:"fetched"`
	Duplicates int `json:"duplicates"`
	Backfilled int `json:"backfilled"`
	Filtered   int `json:"filtered"`
	// Accepted counts entries that passed the filter this run, including
	// re-offered pending entries.
	Accepted int `json:"accepted"`
	// Deferred counts accepted entries held back by the per-run cap.
	Deferred  int `json:"deferred"`
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	// Dropped counts pending entries given up on after repeated failures.
	Dropped      int `json:"dropped"`
	PendingAfter int `json:"pending_after"`

	FilterReasons map[string]int `json:"filter_reasons,omitempty"`
	Entries       []EntrySummary `json:"entries,omitempty"`
}

// Processed is the number of items the run looked at.
func (s *Summary) Processed() int { return s.Fetched }
