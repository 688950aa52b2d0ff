// Package backfill bounds acceptance of never-seen items that were published
// long before the current run, so a cold start or an outage does not flood
// the sink with history.
package backfill

import (
	"time"

	"github.com/linnemanlabs/intelfeed/internal/feed"
)

// Reason explains a guard rejection.
type Reason string

const (
	Allowed       Reason = ""
	BeforeLastRun Reason = "before_last_run"
	OutsideWindow Reason = "outside_window"
)

// DefaultMaxAge is the window applied when none is configured.
const DefaultMaxAge = 7 * 24 * time.Hour

// Guard rejects historical items. The zero value is not usable; use New.
type Guard struct {
	enabled bool
	maxAge  time.Duration
	lastRun time.Time
	now     func() time.Time
}

// New returns a guard for a run whose previous successful run finished at
// lastRun (zero on a cold start). With enabled set the guard is bypassed.
func New(enabled bool, maxAge time.Duration, lastRun time.Time, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Guard{enabled: enabled, maxAge: maxAge, lastRun: lastRun, now: now}
}

// Check reports whether item may proceed to classification. Items without a
// publish time cannot be judged and are allowed.
func (g *Guard) Check(item feed.RawItem) (Reason, bool) {
	if g.enabled || !item.HasPublished() {
		return Allowed, true
	}
	if !g.lastRun.IsZero() && item.PublishedAt.Before(g.lastRun) {
		return BeforeLastRun, false
	}
	if g.maxAge > 0 && item.Age(g.now()) > g.maxAge {
		return OutsideWindow, false
	}
	return Allowed, true
}

// Bypassed reports whether backfill is enabled.
func (g *Guard) Bypassed() bool { return g.enabled }
