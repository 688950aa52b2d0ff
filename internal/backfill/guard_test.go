package backfill

import (
	"testing"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/feed"
)

func TestGuard_Check(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	lastRun := now.Add(-30 * time.Minute)
	clock := func() time.Time { return now }

	tests := []struct {
		name      string
		enabled   bool
		maxAge    time.Duration
		lastRun   time.Time
		published time.Time
		want      Reason
		ok        bool
	}{
		{"published after last run", false, DefaultMaxAge, lastRun, now.Add(-10 * time.Minute), Allowed, true},
		{"published before last run", false, DefaultMaxAge, lastRun, lastRun.Add(-time.Second), BeforeLastRun, false},
		{"published exactly at last run", false, DefaultMaxAge, lastRun, lastRun, Allowed, true},
		{"cold start inside window", false, DefaultMaxAge, time.Time{}, now.Add(-48 * time.Hour), Allowed, true},
		{"cold start outside window", false, DefaultMaxAge, time.Time{}, now.Add(-8 * 24 * time.Hour), OutsideWindow, false},
		{"no window on cold start", false, 0, time.Time{}, now.Add(-365 * 24 * time.Hour), Allowed, true},
		{"missing publish time", false, DefaultMaxAge, lastRun, time.Time{}, Allowed, true},
		{"backfill enabled", true, DefaultMaxAge, lastRun, now.Add(-365 * 24 * time.Hour), Allowed, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := New(tc.enabled, tc.maxAge, tc.lastRun, clock)
			got, ok := g.Check(feed.RawItem{Title: "x", PublishedAt: tc.published})
			if got != tc.want || ok != tc.ok {
				t.Errorf("Check = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestGuard_EnabledBypasses(t *testing.T) {
	t.Parallel()
	if !New(true, 0, time.Time{}, nil).Bypassed() {
		t.Errorf("enabled guard should report bypass")
	}
	if New(false, 0, time.Time{}, nil).Bypassed() {
		t.Errorf("disabled guard should not report bypass")
	}
}
