package state

import (
	"cmp"
	"slices"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/feed"
)

const (
	// Version is the current RunState schema version.
	Version = 2
	// LegacyVersion is the flat "source -> last link" format.
	LegacyVersion = 1

	// DefaultSeenLimit bounds the seen map to the most recent records.
	DefaultSeenLimit = 1000
)

// SeenRecord marks an entry as already delivered (or permanently dropped).
type SeenRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
}

// PendingEntry is an accepted item that was not delivered yet, either cut by
// the per-run cap or because delivery failed.
type PendingEntry struct {
	Item      feed.RawItem `json:"item"`
	QueuedAt  time.Time    `json:"queued_at"`
	Runs      int          `json:"runs"`
	LastError string       `json:"last_error,omitempty"`
}

// FeedStats tracks fetch health for one source.
type FeedStats struct {
	LastFetch         time.Time `json:"last_fetch"`
	LastSuccess       time.Time `json:"last_success,omitempty"`
	LastItems         int       `json:"last_items"`
	TotalItems        int       `json:"total_items"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// RunState is everything persisted between runs. Only the holder of the
// state lock may read-modify-write it.
type RunState struct {
	Version     int                           `json:"version"`
	LastRun     time.Time                     `json:"last_run"`
	Seen        map[feed.EntryID]SeenRecord   `json:"seen"`
	Pending     map[feed.EntryID]PendingEntry `json:"pending"`
	FeedStats   map[string]FeedStats          `json:"feed_stats"`
	FilterStats map[string]int                `json:"filter_stats"`
}

// New returns an empty, valid RunState.
func New() *RunState {
	return &RunState{
		Version:     Version,
		Seen:        make(map[feed.EntryID]SeenRecord),
		Pending:     make(map[feed.EntryID]PendingEntry),
		FeedStats:   make(map[string]FeedStats),
		FilterStats: make(map[string]int),
	}
}

// IsSeen reports whether id was recorded as seen.
func (s *RunState) IsSeen(id feed.EntryID) bool {
	_, ok := s.Seen[id]
	return ok
}

// MarkSeen records id as seen. Existing records are left untouched.
func (s *RunState) MarkSeen(id feed.EntryID, source, title string, at time.Time) {
	if _, ok := s.Seen[id]; ok {
		return
	}
	s.Seen[id] = SeenRecord{Timestamp: at, Source: source, Title: title}
}

// Normalize replaces missing or invalid fields with safe defaults. Records
// with an empty key are dropped; zero timestamps become now.
func (s *RunState) Normalize(now time.Time) {
	if s.Version != Version {
		s.Version = Version
	}
	if s.Seen == nil {
		s.Seen = make(map[feed.EntryID]SeenRecord)
	}
	if s.Pending == nil {
		s.Pending = make(map[feed.EntryID]PendingEntry)
	}
	if s.FeedStats == nil {
		s.FeedStats = make(map[string]FeedStats)
	}
	if s.FilterStats == nil {
		s.FilterStats = make(map[string]int)
	}

	for id, rec := range s.Seen {
		if id == "" {
			delete(s.Seen, id)
			continue
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
			s.Seen[id] = rec
		}
	}
	for id, p := range s.Pending {
		if id == "" {
			delete(s.Pending, id)
			continue
		}
		if p.QueuedAt.IsZero() {
			p.QueuedAt = now
			s.Pending[id] = p
		}
	}
	for k, v := range s.FilterStats {
		if v < 0 {
			s.FilterStats[k] = 0
		}
	}
	if s.LastRun.After(now) {
		s.LastRun = now
	}
}

// Prune keeps only the limit most recent seen records. Ties are broken by id
// so pruning is deterministic.
func (s *RunState) Prune(limit int) int {
	if limit <= 0 || len(s.Seen) <= limit {
		return 0
	}

	type kv struct {
		id feed.EntryID
		ts time.Time
	}
	all := make([]kv, 0, len(s.Seen))
	for id, rec := range s.Seen {
		all = append(all, kv{id, rec.Timestamp})
	}
	slices.SortFunc(all, func(a, b kv) int {
		if c := b.ts.Compare(a.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	removed := 0
	for _, e := range all[limit:] {
		delete(s.Seen, e.id)
		removed++
	}
	return removed
}

// SeenBySource counts seen records and the newest record time per source.
func (s *RunState) SeenBySource() map[string]SourceSeen {
	out := make(map[string]SourceSeen)
	for _, rec := range s.Seen {
		ss := out[rec.Source]
		ss.Count++
		if rec.Timestamp.After(ss.LastSeen) {
			ss.LastSeen = rec.Timestamp
		}
		out[rec.Source] = ss
	}
	return out
}

// SourceSeen is a per-source seen summary.
type SourceSeen struct {
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}
