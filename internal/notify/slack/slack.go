// Package slack delivers classified entries to Slack via incoming webhooks.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/filter"
	"github.com/linnemanlabs/intelfeed/internal/notify"
)

const (
	maxDescriptionLen = 2500
	maxIndicators     = 5
)

// Notifier renders entries as Block Kit messages and posts them to a Slack
// webhook.
type Notifier struct {
	poster *notify.Poster
}

// New creates a Slack notifier for webhookURL.
func New(webhookURL string, timeout time.Duration) *Notifier {
	return &Notifier{poster: notify.NewPoster(webhookURL, timeout)}
}

func (n *Notifier) Name() string { return "slack" }

// Render builds the Block Kit message for e.
func (n *Notifier) Render(e filter.Entry) (notify.Payload, error) {
	body, err := json.Marshal(buildMessage(e))
	if err != nil {
		return notify.Payload{}, fmt.Errorf("slack: marshal message: %w", err)
	}
	return notify.Payload{ContentType: "application/json", Body: body, Summary: notify.Summary(e)}, nil
}

// Deliver posts a rendered message. A 429 is reported as rate limited.
func (n *Notifier) Deliver(ctx context.Context, p notify.Payload) notify.Outcome {
	out := n.poster.Post(ctx, p)
	if out.Err != nil {
		out.Err = fmt.Errorf("slack: %w", out.Err)
	}
	return out
}

func buildMessage(e filter.Entry) map[string]any {
	blocks := []map[string]any{
		headerBlock(e),
		fieldsBlock(e),
		descriptionBlock(e),
	}
	if ib, ok := indicatorsBlock(e.Classification.Indicators); ok {
		blocks = append(blocks, map[string]any{"type": "divider"}, ib)
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(e))

	return map[string]any{
		// fallback for notifications and clients without blocks
		"text":   notify.Summary(e),
		"blocks": blocks,
	}
}

func headerBlock(e filter.Entry) map[string]any {
	text := fmt.Sprintf("%s %s", severityEmoji(e.Classification.Severity), e.Item.Title)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(e filter.Entry) map[string]any {
	c := e.Classification
	severity := strings.ToUpper(c.Severity.String())
	if c.Escalated {
		severity += " (escalated)"
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:* %s", c.ThreatType)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %d%%", c.Confidence)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Source:* %s", e.Item.SourceName)},
	}
	if e.Unclassified {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": "*Note:* classification unavailable"})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func descriptionBlock(e filter.Entry) map[string]any {
	text := truncate(e.Item.Description, maxDescriptionLen)
	if text == "" {
		text = "_No description._"
	}
	if e.Item.Link != "" {
		text = fmt.Sprintf("<%s|Read more>\n\n%s", e.Item.Link, text)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func indicatorsBlock(ind classify.Indicators) (map[string]any, bool) {
	if ind.Count() == 0 {
		return nil, false
	}
	var lines []string
	add := func(label string, vals []string) {
		if len(vals) == 0 {
			return
		}
		shown := vals
		extra := ""
		if len(shown) > maxIndicators {
			shown = shown[:maxIndicators]
			extra = fmt.Sprintf(" (+%d more)", len(vals)-maxIndicators)
		}
		lines = append(lines, fmt.Sprintf("*%s:* `%s`%s", label, strings.Join(shown, "`, `"), extra))
	}
	add("CVEs", ind.CVEs)
	add("IPs", ind.IPs)
	add("Domains", ind.Domains)
	add("Hashes", ind.Hashes)
	add("URLs", ind.URLs)

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Indicators*\n" + strings.Join(lines, "\n"),
		},
	}, true
}

func contextBlock(e filter.Entry) map[string]any {
	ts := "unknown date"
	if e.Item.HasPublished() {
		ts = e.Item.PublishedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("intelfeed • %s • published %s", e.Item.SourceName, ts),
			},
		},
	}
}

func severityEmoji(s classify.Severity) string {
	switch s {
	case classify.SeverityCritical:
		return "\U0001f534" // red circle
	case classify.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case classify.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	// do not split a multi-byte rune
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
