// Package delivery dispatches accepted entries to a notifier one at a time,
// retrying rate-limited attempts with backoff and pacing successive
// deliveries. A failed entry never stops the entries after it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/filter"
	"github.com/linnemanlabs/intelfeed/internal/notify"
)

var tracer = otel.Tracer("github.com/linnemanlabs/intelfeed/internal/delivery")

// State is a step of the per-entry retry state machine.
type State int

const (
	StateAttempting State = iota
	StateBackoff
	StateSucceeded
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

// Config tunes retries and pacing.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// MaxRetryAfter caps how long a server-provided Retry-After is honored.
	MaxRetryAfter time.Duration
	// Delay is the pause after a successful delivery, PriorityDelay the
	// pause after a high or critical one.
	Delay         time.Duration
	PriorityDelay time.Duration
	// PerMinute caps deliveries per minute; zero means unlimited.
	PerMinute int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		AttemptTimeout: 10 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		MaxRetryAfter:  5 * time.Minute,
		Delay:          2 * time.Second,
		PriorityDelay:  500 * time.Millisecond,
		PerMinute:      30,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = c.BackoffMax
	}
}

// Result is the final state of one entry.
type Result struct {
	Entry    filter.Entry
	State    State
	Attempts int
	Err      error
}

// Delivered reports whether the entry reached the sink.
func (r Result) Delivered() bool { return r.State == StateSucceeded }

// Summary aggregates a pipeline run.
type Summary struct {
	Attempted int
	Delivered int
	Failed    int
	Results   []Result
}

// Hooks receive delivery events, typically for metrics.
type Hooks struct {
	OnAttempt func(kind notify.Kind)
	OnResult  func(state State)
}

// Pipeline delivers entries sequentially through a notifier.
type Pipeline struct {
	cfg      Config
	notifier notify.Notifier
	logger   log.Logger
	limiter  *rate.Limiter
	sleep    func(context.Context, time.Duration) error
	hooks    Hooks
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSleep replaces the delay function used for backoff and pacing.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// WithLimiter replaces the throughput limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithHooks installs event hooks.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = h }
}

// New returns a pipeline delivering through n.
func New(cfg Config, n notify.Notifier, logger log.Logger, opts ...Option) *Pipeline {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	limit := rate.Inf
	if cfg.PerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.PerMinute))
	}
	p := &Pipeline{
		cfg:      cfg,
		notifier: n,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run delivers entries in order. It stops early only when ctx is done; the
// remaining entries are left out of the summary.
func (p *Pipeline) Run(ctx context.Context, entries []filter.Entry) Summary {
	var sum Summary
	for i, e := range entries {
		if ctx.Err() != nil {
			p.logger.Warn(ctx, "delivery interrupted", "remaining", len(entries)-i, "err", ctx.Err())
			break
		}

		res := p.Deliver(ctx, e)
		sum.Attempted++
		sum.Results = append(sum.Results, res)
		if res.Delivered() {
			sum.Delivered++
		} else {
			sum.Failed++
		}

		if res.Delivered() && i < len(entries)-1 {
			// a cancelled pause is picked up by the ctx check above
			_ = p.sleep(ctx, p.pause(e))
		}
	}
	return sum
}

func (p *Pipeline) pause(e filter.Entry) time.Duration {
	if e.Classification.Severity.AtLeast(classify.SeverityHigh) && p.cfg.PriorityDelay > 0 {
		return p.cfg.PriorityDelay
	}
	return p.cfg.Delay
}

// Deliver runs the retry state machine for one entry.
func (p *Pipeline) Deliver(ctx context.Context, e filter.Entry) Result {
	ctx, span := tracer.Start(ctx, "delivery.Deliver", trace.WithAttributes(
		attribute.String("intelfeed.entry_id", e.ID.String()),
		attribute.String("intelfeed.source", e.Item.SourceName),
		attribute.String("intelfeed.severity", e.Classification.Severity.String()),
		attribute.String("intelfeed.notifier", p.notifier.Name()),
	))
	defer span.End()

	L := p.logger.With("entry_id", e.ID.String(), "source", e.Item.SourceName)
	res := p.run(ctx, e, L)

	span.SetAttributes(
		attribute.Int("intelfeed.attempts", res.Attempts),
		attribute.String("intelfeed.result", res.State.String()),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		L.Warn(ctx, "delivery failed", "state", res.State.String(), "attempts", res.Attempts, "err", res.Err)
	} else {
		L.Info(ctx, "entry delivered", "attempts", res.Attempts, "title", e.Item.Title)
	}
	if p.hooks.OnResult != nil {
		p.hooks.OnResult(res.State)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, e filter.Entry, L log.Logger) Result {
	res := Result{Entry: e}

	payload, err := p.notifier.Render(e)
	if err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("%w: render: %w", notify.ErrDeliveryFailure, err)
		return res
	}

	state := StateAttempting
	var wait time.Duration
	var last notify.Outcome
	for {
		switch state {
		case StateAttempting:
			if err := p.limiter.Wait(ctx); err != nil {
				res.Err = fmt.Errorf("%w: %w", notify.ErrDeliveryFailure, err)
				state = StateFailed
				continue
			}
			res.Attempts++
			last = p.attempt(ctx, payload)
			if p.hooks.OnAttempt != nil {
				p.hooks.OnAttempt(last.Kind)
			}

			switch last.Kind {
			case notify.KindSuccess:
				state = StateSucceeded
			case notify.KindRateLimited:
				if res.Attempts >= p.cfg.MaxAttempts {
					state = StateExhausted
					continue
				}
				wait = p.backoff(res.Attempts, last.RetryAfter)
				L.Info(ctx, "delivery rate limited", "attempt", res.Attempts, "wait", wait.String())
				state = StateBackoff
			default:
				res.Err = last.Error()
				state = StateFailed
			}

		case StateBackoff:
			if err := p.sleep(ctx, wait); err != nil {
				res.Err = fmt.Errorf("%w: %w", notify.ErrDeliveryFailure, err)
				state = StateFailed
				continue
			}
			state = StateAttempting

		case StateExhausted:
			res.State = state
			res.Err = fmt.Errorf("%w: gave up after %d attempts: %w", notify.ErrDeliveryFailure, res.Attempts, last.Error())
			return res

		default:
			res.State = state
			return res
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, payload notify.Payload) notify.Outcome {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	out := p.notifier.Deliver(actx, payload)
	if out.Kind == notify.KindFailure && out.Err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.Err = fmt.Errorf("attempt timed out after %s: %w", p.cfg.AttemptTimeout, out.Err)
	}
	return out
}

// backoff returns the wait before the next attempt. A server-provided
// interval wins, capped at MaxRetryAfter; otherwise base*2^(n-1) capped at
// BackoffMax.
func (p *Pipeline) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.cfg.MaxRetryAfter)
	}
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
