// Package rss implements the feed adapter for RSS, Atom and JSON Feed sources.
package rss

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/intelfeed/internal/feed"
)

const (
	// Kind is the registry key for this adapter.
	Kind = "rss"

	maxBodyBytes   = 10 << 20
	defaultTimeout = 30 * time.Second
)

// Aliases are the additional kinds gofeed can parse with the same adapter.
var Aliases = []string{"atom", "jsonfeed"}

// Adapter fetches a feed over HTTP and parses it with gofeed.
type Adapter struct {
	client    *http.Client
	userAgent string
}

// New creates an rss adapter. A zero timeout uses 30s.
func New(timeout time.Duration, userAgent string) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: userAgent,
	}
}

// Kind implements feed.Adapter.
func (a *Adapter) Kind() string { return Kind }

// Fetch downloads and parses src. The returned sequence walks the parsed items
// in feed order.
func (a *Adapter) Fetch(ctx context.Context, src feed.Source) (iter.Seq[feed.RawItem], error) {
	data, err := a.download(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	return Parse(data, src.Name)
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rss: create request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := a.client.Do(req) //nolint:gosec // G107: feed URLs come from the operator's sources file
	if err != nil {
		return nil, fmt.Errorf("rss: get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("rss: get %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("rss: read body: %w", err)
	}
	return data, nil
}

// Parse parses raw feed bytes into a lazy item sequence tagged with sourceName.
func Parse(data []byte, sourceName string) (iter.Seq[feed.RawItem], error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rss: parse feed: %w", err)
	}

	return func(yield func(feed.RawItem) bool) {
		for _, it := range parsed.Items {
			if it == nil {
				continue
			}
			if !yield(normalizeItem(it, sourceName)) {
				return
			}
		}
	}, nil
}

func normalizeItem(it *gofeed.Item, sourceName string) feed.RawItem {
	link := it.Link
	if link == "" && len(it.Links) > 0 {
		link = it.Links[0]
	}

	raw := feed.RawItem{
		GUID:        strings.TrimSpace(it.GUID),
		Title:       strings.TrimSpace(PlainText(it.Title)),
		Link:        strings.TrimSpace(link),
		Description: PlainText(cmp.Or(it.Description, it.Content)),
		SourceName:  sourceName,
	}

	switch {
	case it.PublishedParsed != nil:
		raw.PublishedAt = it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		raw.PublishedAt = it.UpdatedParsed.UTC()
	}

	return raw
}
