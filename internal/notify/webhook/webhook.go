// Package webhook delivers entries as plain JSON documents to a generic
// HTTP endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/filter"
	"github.com/linnemanlabs/intelfeed/internal/notify"
)

// Message is the JSON document posted for each entry.
type Message struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Link         string              `json:"link,omitempty"`
	Source       string              `json:"source"`
	PublishedAt  *time.Time          `json:"published_at,omitempty"`
	Severity     classify.Severity   `json:"severity"`
	Priority     int                 `json:"priority"`
	ThreatType   classify.ThreatType `json:"threat_type"`
	Confidence   int                 `json:"confidence"`
	Escalated    bool                `json:"escalated,omitempty"`
	Unclassified bool                `json:"unclassified,omitempty"`
	Indicators   classify.Indicators `json:"indicators"`
	Description  string              `json:"description,omitempty"`
	FilteredAt   time.Time           `json:"filtered_at"`
}

// NewMessage converts an entry into its wire document.
func NewMessage(e filter.Entry) Message {
	c := e.Classification
	m := Message{
		ID:           e.ID.String(),
		Title:        e.Item.Title,
		Link:         e.Item.Link,
		Source:       e.Item.SourceName,
		Severity:     c.Severity,
		Priority:     c.Severity.Priority(),
		ThreatType:   c.ThreatType,
		Confidence:   c.Confidence,
		Escalated:    c.Escalated,
		Unclassified: e.Unclassified,
		Indicators:   c.Indicators,
		Description:  e.Item.Description,
		FilteredAt:   e.FilteredAt.UTC(),
	}
	if e.Item.HasPublished() {
		ts := e.Item.PublishedAt.UTC()
		m.PublishedAt = &ts
	}
	return m
}

// Notifier posts entries to a JSON webhook.
type Notifier struct {
	poster *notify.Poster
}

// New returns a webhook notifier for url.
func New(url string, timeout time.Duration) *Notifier {
	return &Notifier{poster: notify.NewPoster(url, timeout)}
}

func (n *Notifier) Name() string { return "webhook" }

func (n *Notifier) Render(e filter.Entry) (notify.Payload, error) {
	body, err := json.Marshal(NewMessage(e))
	if err != nil {
		return notify.Payload{}, fmt.Errorf("webhook: marshal message: %w", err)
	}
	return notify.Payload{ContentType: "application/json", Body: body, Summary: notify.Summary(e)}, nil
}

func (n *Notifier) Deliver(ctx context.Context, p notify.Payload) notify.Outcome {
	out := n.poster.Post(ctx, p)
	if out.Err != nil {
		out.Err = fmt.Errorf("webhook: %w", out.Err)
	}
	return out
}
