// Package filter decides which classified items are delivered, applying the
// global and per-source policy as a short-circuiting pipeline.
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/feed"
)

// Reason explains why an item was rejected, or how it was accepted.
type Reason string

const (
	ReasonAccepted    Reason = "accepted"
	ReasonFailOpen    Reason = "fail_open"
	ReasonTooOld      Reason = "too_old"
	ReasonIrrelevant  Reason = "irrelevant"
	ReasonBlocked     Reason = "blocked_keyword"
	ReasonMutedType   Reason = "muted_type"
	ReasonLowSeverity Reason = "below_min_severity"
)

// Classifier is the classification dependency of the engine.
type Classifier interface {
	Classify(in classify.Input) (classify.Classification, error)
}

// Entry is an accepted item enriched with its classification.
type Entry struct {
	ID             feed.EntryID            `json:"id"`
	Item           feed.RawItem            `json:"item"`
	Classification classify.Classification `json:"classification"`
	// Unclassified is set when classification failed and the item passed
	// through unfiltered.
	Unclassified bool      `json:"unclassified,omitempty"`
	FilteredAt   time.Time `json:"filtered_at"`
}

// Decision is the outcome of evaluating one item.
type Decision struct {
	Accepted bool
	Reason   Reason
	// Detail names the keyword, type or threshold behind the reason.
	Detail string
	Entry  *Entry
}

// Engine evaluates items against a resolved Policy.
type Engine struct {
	classifier Classifier
	logger     log.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a filter engine. A nil classifier uses the built-in rule
// classifier.
func NewEngine(c Classifier, logger log.Logger, opts ...Option) *Engine {
	if c == nil {
		c = classify.New()
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{classifier: c, logger: logger, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate classifies item and runs it through the policy pipeline:
// age, relevance (relevance-first), muted type, minimum severity.
//
// A relevant item is never rejected only because it also matches a blocked
// keyword; blocked keywords reject items that are otherwise irrelevant. This
// is a deliberate anti-false-negative policy.
//
// If classification fails the item is accepted unfiltered (fail-open).
func (e *Engine) Evaluate(ctx context.Context, item feed.RawItem, p Policy) Decision {
	now := e.now()
	id := feed.ID(item)

	cl, err := e.classifier.Classify(classify.Input{
		Title:            item.Title,
		Description:      item.Description,
		PriorityKeywords: p.PriorityKeywords,
		Authoritative:    p.Authoritative,
	})
	if err != nil {
		e.logger.Warn(ctx, "classification failed, passing item through",
			"source", item.SourceName, "entry_id", id, "error", err)
		return Decision{
			Accepted: true,
			Reason:   ReasonFailOpen,
			Detail:   err.Error(),
			Entry:    &Entry{ID: id, Item: item, Unclassified: true, FilteredAt: now},
		}
	}

	if p.MaxAge > 0 && item.HasPublished() && item.Age(now) > p.MaxAge {
		return reject(ReasonTooOld, fmt.Sprintf("age %s exceeds %s", item.Age(now).Round(time.Minute), p.MaxAge))
	}

	text := classify.Normalize(item.Title, item.Description)
	relevance, required := p.relevanceSet()
	relevantKW, relevant := text.FirstMatch(relevance)
	if !relevant {
		if blockedKW, blocked := text.FirstMatch(p.BlockedKeywords); blocked {
			return reject(ReasonBlocked, blockedKW)
		}
		if required {
			return reject(ReasonIrrelevant, "no required keyword")
		}
	}

	if p.muted(cl.ThreatType) {
		return reject(ReasonMutedType, string(cl.ThreatType))
	}

	if !cl.Severity.AtLeast(p.MinSeverity) {
		return reject(ReasonLowSeverity, fmt.Sprintf("%s < %s", cl.Severity, p.MinSeverity))
	}

	return Decision{
		Accepted: true,
		Reason:   ReasonAccepted,
		Detail:   relevantKW,
		Entry:    &Entry{ID: id, Item: item, Classification: cl, FilteredAt: now},
	}
}

func reject(r Reason, detail string) Decision {
	return Decision{Reason: r, Detail: detail}
}
