// Package report derives a read-only summary from persisted state and the
// latest run. It is never used as a source of truth.
package report

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

// Source is the per-source section of a report.
type Source struct {
	Name              string     `json:"name"`
	SeenCount         int        `json:"seen_count"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	LastFetch         *time.Time `json:"last_fetch,omitempty"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastItems         int        `json:"last_items"`
	TotalItems        int        `json:"total_items"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
}

// Report is the derived summary.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	LastRun     *time.Time     `json:"last_run,omitempty"`
	SeenTotal   int            `json:"seen_total"`
	Pending     int            `json:"pending"`
	Sources     []Source       `json:"sources"`
	FilterStats map[string]int `json:"filter_stats"`
	LatestRun   *run.Summary   `json:"latest_run,omitempty"`
}

// Build derives a report. latest may be nil.
func Build(st *state.RunState, latest *run.Summary, now time.Time) Report {
	r := Report{
		GeneratedAt: now.UTC(),
		LastRun:     timePtr(st.LastRun),
		SeenTotal:   len(st.Seen),
		Pending:     len(st.Pending),
		FilterStats: maps.Clone(st.FilterStats),
		LatestRun:   latest,
	}
	if r.FilterStats == nil {
		r.FilterStats = map[string]int{}
	}

	seen := st.SeenBySource()
	names := make(map[string]struct{}, len(seen)+len(st.FeedStats))
	for n := range seen {
		names[n] = struct{}{}
	}
	for n := range st.FeedStats {
		names[n] = struct{}{}
	}

	r.Sources = make([]Source, 0, len(names))
	for _, n := range slices.Sorted(maps.Keys(names)) {
		ss := seen[n]
		fs := st.FeedStats[n]
		r.Sources = append(r.Sources, Source{
			Name:              n,
			SeenCount:         ss.Count,
			LastSeen:          timePtr(ss.LastSeen),
			LastFetch:         timePtr(fs.LastFetch),
			LastSuccess:       timePtr(fs.LastSuccess),
			LastItems:         fs.LastItems,
			TotalItems:        fs.TotalItems,
			ConsecutiveErrors: fs.ConsecutiveErrors,
			LastError:         fs.LastError,
		})
	}
	return r
}

// WriteFile writes r as indented JSON, replacing path atomically.
func WriteFile(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
