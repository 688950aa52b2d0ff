package feed

import "time"

// RawItem is a single item as yielded by a source adapter. It is immutable and
// only lives for the duration of one run.
type RawItem struct {
	// GUID is the feed-provided unique id, empty when the feed has none.
	GUID        string    `json:"guid,omitempty"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	Description string    `json:"description,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	SourceName  string    `json:"source"`
}

// HasPublished reports whether the adapter could determine a publish time.
func (r RawItem) HasPublished() bool {
	return !r.PublishedAt.IsZero()
}

// Age returns how long ago the item was published relative to now. Items
// without a publish time report zero.
func (r RawItem) Age(now time.Time) time.Duration {
	if r.PublishedAt.IsZero() {
		return 0
	}
	return now.Sub(r.PublishedAt)
}
