package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

func TestBuild(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	st := state.New()
	st.LastRun = now.Add(-time.Hour)
	st.MarkSeen("a1", "alpha", "one", now.Add(-3*time.Hour))
	st.MarkSeen("a2", "alpha", "two", now.Add(-2*time.Hour))
	st.MarkSeen("b1", "beta", "three", now.Add(-5*time.Hour))
	st.FeedStats["alpha"] = state.FeedStats{LastFetch: now.Add(-time.Hour), LastSuccess: now.Add(-time.Hour), LastItems: 4, TotalItems: 40}
	st.FeedStats["gamma"] = state.FeedStats{LastFetch: now.Add(-time.Hour), ConsecutiveErrors: 2, LastError: "timeout"}
	st.FilterStats["too_old"] = 3
	st.Pending["p1"] = state.PendingEntry{}

	latest := &run.Summary{RunID: "01TEST", Outcome: run.OutcomeSuccess}
	r := Build(st, latest, now)

	ts := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	want := Report{
		GeneratedAt: now,
		LastRun:     ts(-time.Hour),
		SeenTotal:   3,
		Pending:     1,
		Sources: []Source{
			{Name: "alpha", SeenCount: 2, LastSeen: ts(-2 * time.Hour), LastFetch: ts(-time.Hour), LastSuccess: ts(-time.Hour), LastItems: 4, TotalItems: 40},
			{Name: "beta", SeenCount: 1, LastSeen: ts(-5 * time.Hour)},
			{Name: "gamma", LastFetch: ts(-time.Hour), ConsecutiveErrors: 2, LastError: "timeout"},
		},
		FilterStats: map[string]int{"too_old": 3},
		LatestRun:   latest,
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}

	// the report must not alias state
	r.FilterStats["too_old"] = 99
	if st.FilterStats["too_old"] != 3 {
		t.Errorf("report aliases state filter stats")
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "report.json")
	r := Build(state.New(), nil, time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	if err := WriteFile(path, r); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("report is not json: %v", err)
	}
	if _, ok := got["last_run"]; ok {
		t.Errorf("zero last_run should be omitted")
	}
	if got["seen_total"].(float64) != 0 {
		t.Errorf("seen_total = %v", got["seen_total"])
	}
}
