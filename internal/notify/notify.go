// Package notify defines the delivery sink contract shared by all notifiers:
// an entry is rendered into a Payload once, then handed to a Sink that
// reports success, a rate limit or a failure.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/filter"
)

var (
	// ErrDeliveryFailure marks a delivery that did not succeed.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrRateLimited marks a delivery refused by the sink's rate limit.
	ErrRateLimited = errors.New("rate limited")
)

// Kind classifies a delivery outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind Kind
	// RetryAfter is the server-requested wait; zero when none was given.
	RetryAfter time.Duration
	// Code is the transport status code, zero when no response was received.
	Code int
	Err  error
}

// Delivered returns a success outcome.
func Delivered() Outcome { return Outcome{Kind: KindSuccess} }

// Limited returns a rate-limited outcome.
func Limited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter, Code: 429}
}

// Failed returns a failure outcome.
func Failed(code int, err error) Outcome {
	return Outcome{Kind: KindFailure, Code: code, Err: err}
}

// Error returns nil for a success, otherwise an error matching
// ErrRateLimited or ErrDeliveryFailure.
func (o Outcome) Error() error {
	switch o.Kind {
	case KindSuccess:
		return nil
	case KindRateLimited:
		if o.RetryAfter > 0 {
			return fmt.Errorf("%w: retry after %s", ErrRateLimited, o.RetryAfter)
		}
		return ErrRateLimited
	default:
		if o.Err != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryFailure, o.Err)
		}
		return fmt.Errorf("%w: status %d", ErrDeliveryFailure, o.Code)
	}
}

// Payload is a rendered, transport-ready message.
type Payload struct {
	ContentType string
	Body        []byte
	// Summary is a short human description used in logs.
	Summary string
}

// Renderer turns an accepted entry into a payload.
type Renderer interface {
	Render(e filter.Entry) (Payload, error)
}

// Sink delivers a payload.
type Sink interface {
	Deliver(ctx context.Context, p Payload) Outcome
}

// Notifier is a named renderer and sink pair.
type Notifier interface {
	Renderer
	Sink
	Name() string
}
