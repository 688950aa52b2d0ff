package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/feed"
)

// ErrStateCorruption is returned when a state document cannot be parsed.
var ErrStateCorruption = errors.New("state corruption")

// decoded is a parsed state document and how it was read.
type decoded struct {
	state  *RunState
	legacy bool
	// fields that failed to decode and were reset
	invalid []string
}

// decode parses a state document tolerantly. Only a document that is not a
// JSON object is corrupt; individual bad fields fall back to defaults.
func decode(data []byte, now time.Time) (decoded, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrStateCorruption, err)
	}
	if top == nil {
		return decoded{}, fmt.Errorf("%w: document is null", ErrStateCorruption)
	}

	if isLegacy(top) {
		return decoded{state: migrateLegacy(top, now), legacy: true}, nil
	}

	st := New()
	var d decoded
	field := func(name string, dst any) {
		raw, ok := top[name]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			d.invalid = append(d.invalid, name)
		}
	}

	field("version", &st.Version)
	field("last_run", &st.LastRun)
	field("feed_stats", &st.FeedStats)
	field("filter_stats", &st.FilterStats)

	// records are decoded one by one so a single bad record does not
	// discard the rest of the map
	if raw, ok := top["seen"]; ok {
		var recs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &recs); err != nil {
			d.invalid = append(d.invalid, "seen")
		}
		for id, r := range recs {
			var rec SeenRecord
			if err := json.Unmarshal(r, &rec); err != nil {
				d.invalid = append(d.invalid, "seen."+id)
				continue
			}
			st.Seen[feed.EntryID(id)] = rec
		}
	}
	if raw, ok := top["pending"]; ok {
		var recs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &recs); err != nil {
			d.invalid = append(d.invalid, "pending")
		}
		for id, r := range recs {
			var p PendingEntry
			if err := json.Unmarshal(r, &p); err != nil {
				d.invalid = append(d.invalid, "pending."+id)
				continue
			}
			st.Pending[feed.EntryID(id)] = p
		}
	}

	st.Normalize(now)
	d.state = st
	return d, nil
}

// runStateKeys are the top-level fields of a current state document. A
// document carrying any of them is never treated as legacy.
var runStateKeys = []string{"version", "last_run", "seen", "pending", "feed_stats", "filter_stats"}

// isLegacy detects the flat "source name -> last seen link" document.
func isLegacy(top map[string]json.RawMessage) bool {
	if len(top) == 0 {
		return false
	}
	for _, key := range runStateKeys {
		if _, ok := top[key]; ok {
			return false
		}
	}
	for _, raw := range top {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
	}
	return true
}

// migrateLegacy turns each recorded link into a seen record stamped now.
func migrateLegacy(top map[string]json.RawMessage, now time.Time) *RunState {
	st := New()
	for source, raw := range top {
		var link string
		_ = json.Unmarshal(raw, &link)
		if link == "" {
			continue
		}
		id := feed.EntryID(link)
		if n, ok := feed.NormalizeLink(link); ok {
			id = feed.EntryID(n)
		}
		st.Seen[id] = SeenRecord{Timestamp: now, Source: source}
	}
	st.Normalize(now)
	return st
}
