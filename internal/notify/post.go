package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const httpTimeout = 10 * time.Second

// maxRetryAfterSeconds is the largest Retry-After that fits a time.Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// Poster POSTs payloads to a webhook URL and maps the response to an Outcome.
type Poster struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewPoster returns a Poster for url. A zero timeout uses the default.
func NewPoster(url string, timeout time.Duration) *Poster {
	if timeout <= 0 {
		timeout = httpTimeout
	}
	return &Poster{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Post sends p. 2xx is success, 429 is rate limited, anything else fails.
func (p *Poster) Post(ctx context.Context, pl Payload) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(pl.Body))
	if err != nil {
		return Failed(0, fmt.Errorf("create request: %w", err))
	}
	ct := pl.ContentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)

	resp, err := p.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return Failed(0, fmt.Errorf("post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Delivered()
	case resp.StatusCode == http.StatusTooManyRequests:
		d, _ := ParseRetryAfter(resp.Header.Get("Retry-After"), p.now())
		return Limited(d)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Failed(resp.StatusCode, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

// ParseRetryAfter parses a Retry-After header given either as delay seconds
// or as an HTTP date. Dates in the past yield zero.
func ParseRetryAfter(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(h, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(min(secs, maxRetryAfterSeconds)) * time.Second, true
	}
	t, err := http.ParseTime(h)
	if err != nil {
		return 0, false
	}
	if d := t.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
