// Package run orchestrates one invocation: lock and load state, fetch every
// enabled source, drop duplicates and backfill, classify and filter, deliver
// a capped and ordered batch, then persist state and report.
package run

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/intelfeed/internal/backfill"
	"github.com/linnemanlabs/intelfeed/internal/delivery"
	"github.com/linnemanlabs/intelfeed/internal/feed"
	"github.com/linnemanlabs/intelfeed/internal/filter"
	"github.com/linnemanlabs/intelfeed/internal/sources"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

var tracer = otel.Tracer("github.com/linnemanlabs/intelfeed/internal/run")

// Fetcher yields the items of a source.
type Fetcher interface {
	Fetch(ctx context.Context, src feed.Source) (iter.Seq[feed.RawItem], error)
}

// Deliverer dispatches an ordered batch of entries.
type Deliverer interface {
	Run(ctx context.Context, entries []filter.Entry) delivery.Summary
}

// Config tunes a run.
type Config struct {
	// MaxPerRun caps deliveries per run; the rest wait in the pending queue.
	MaxPerRun int
	// Backfill disables the backfill guard.
	Backfill       bool
	BackfillMaxAge time.Duration
	// MaxPendingRuns is how many failed runs a pending entry survives.
	MaxPendingRuns int
	// DryRun skips delivery and state persistence.
	DryRun bool
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store    *state.Store
	Fetcher  Fetcher
	Sources  *sources.File
	Filter   *filter.Engine
	Delivery Deliverer
	// Metrics is optional.
	Metrics *Metrics
}

// Runner executes runs. Runs are serialized within a process; the state
// lock serializes them across processes.
type Runner struct {
	cfg    Config
	deps   Deps
	logger log.Logger
	now    func() time.Time

	mu     sync.Mutex
	latest atomic.Pointer[Summary]
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a Runner. Store, Fetcher, Sources, Filter and Delivery
// are required.
func NewRunner(cfg Config, deps Deps, logger log.Logger, opts ...Option) *Runner {
	if deps.Store == nil || deps.Fetcher == nil || deps.Sources == nil || deps.Filter == nil || deps.Delivery == nil {
		panic(xerrors.New("run: store, fetcher, sources, filter and delivery are required"))
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = 10
	}
	if cfg.MaxPendingRuns <= 0 {
		cfg.MaxPendingRuns = 3
	}
	if cfg.BackfillMaxAge <= 0 {
		cfg.BackfillMaxAge = backfill.DefaultMaxAge
	}
	if logger == nil {
		logger = log.Nop()
	}
	r := &Runner{cfg: cfg, deps: deps, logger: logger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Latest returns the summary of the most recent run.
func (r *Runner) Latest() (*Summary, bool) {
	s := r.latest.Load()
	return s, s != nil
}

// runContext is the state threaded through one run.
type runContext struct {
	id      string
	started time.Time
	L       log.Logger
	session *state.Session
	st      *state.RunState
	sum     *Summary

	candidates []candidate
	// ids already handled this run, across sources
	handled map[feed.EntryID]struct{}
}

type candidate struct {
	entry   filter.Entry
	pending bool
}

// Run executes one run. The returned summary is always non-nil; the error is
// set only for failures that abort the run (lock acquisition, state load or
// save).
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc := &runContext{
		id:      ulid.Make().String(),
		started: r.now(),
		handled: make(map[feed.EntryID]struct{}),
	}
	rc.L = r.logger.With("run_id", rc.id)
	rc.sum = &Summary{
		RunID:         rc.id,
		StartedAt:     rc.started,
		DryRun:        r.cfg.DryRun,
		FilterReasons: make(map[string]int),
	}

	ctx, span := tracer.Start(ctx, "run.Run", trace.WithAttributes(
		attribute.String("intelfeed.run_id", rc.id),
		attribute.Bool("intelfeed.dry_run", r.cfg.DryRun),
	))
	defer span.End()

	err := r.execute(ctx, rc)

	rc.sum.FinishedAt = r.now()
	switch {
	case err == nil:
		rc.sum.Outcome = OutcomeSuccess
	case errors.Is(err, state.ErrLockAcquisitionFailed):
		rc.sum.Outcome = OutcomeLockFailed
	default:
		rc.sum.Outcome = OutcomeFailed
	}
	if err != nil {
		rc.sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rc.L.Error(ctx, err, "run failed", "outcome", rc.sum.Outcome)
	} else {
		rc.L.Info(ctx, "run complete",
			"fetched", rc.sum.Fetched,
			"duplicates", rc.sum.Duplicates,
			"backfilled", rc.sum.Backfilled,
			"filtered", rc.sum.Filtered,
			"accepted", rc.sum.Accepted,
			"delivered", rc.sum.Delivered,
			"failed", rc.sum.Failed,
			"deferred", rc.sum.Deferred,
			"duration", rc.sum.FinishedAt.Sub(rc.started).String(),
		)
	}
	span.SetAttributes(
		attribute.String("intelfeed.outcome", rc.sum.Outcome),
		attribute.Int("intelfeed.delivered", rc.sum.Delivered),
	)

	if r.deps.Metrics != nil {
		r.deps.Metrics.observe(rc.sum)
	}
	r.latest.Store(rc.sum)
	return rc.sum, err
}

func (r *Runner) execute(ctx context.Context, rc *runContext) error {
	session, err := r.deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	rc.session = session
	defer func() {
		if err := session.Close(); err != nil {
			rc.L.Warn(ctx, "release state lock failed", "err", err)
		}
	}()

	st, err := session.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	rc.st = st

	r.offerPending(ctx, rc)
	for _, src := range r.deps.Sources.Enabled() {
		if ctx.Err() != nil {
			break
		}
		r.fetchSource(ctx, rc, src)
		if err := session.Refresh(); err != nil {
			rc.L.Warn(ctx, "refresh state lock failed", "err", err)
		}
	}

	batch := r.selectBatch(ctx, rc)

	if r.cfg.DryRun {
		for _, e := range batch {
			rc.sum.Entries = append(rc.sum.Entries, entrySummary(e, "would_deliver", 0, nil))
		}
		rc.sum.PendingAfter = len(rc.st.Pending)
		rc.L.Info(ctx, "dry run: skipping delivery and state save", "would_deliver", len(batch))
		return nil
	}

	if len(batch) > 0 {
		r.deliver(ctx, rc, batch)
	}

	for reason, n := range rc.sum.FilterReasons {
		rc.st.FilterStats[reason] += n
	}
	rc.st.LastRun = rc.started
	rc.sum.PendingAfter = len(rc.st.Pending)

	// state must be saved even when the caller's context is done
	if err := session.Save(context.WithoutCancel(ctx), rc.st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// offerPending re-evaluates entries left over from earlier runs. They skip
// the backfill guard but still go through the current filter policy.
func (r *Runner) offerPending(ctx context.Context, rc *runContext) {
	ids := slices.Sorted(maps.Keys(rc.st.Pending))
	for _, id := range ids {
		p := rc.st.Pending[id]
		rc.handled[id] = struct{}{}

		if rc.st.IsSeen(id) {
			delete(rc.st.Pending, id)
			continue
		}
		src, ok := r.deps.Sources.Lookup(p.Item.SourceName)
		if !ok || !src.IsEnabled() {
			rc.L.Info(ctx, "dropping pending entry of removed source", "entry_id", id.String(), "source", p.Item.SourceName)
			delete(rc.st.Pending, id)
			continue
		}

		d := r.deps.Filter.Evaluate(ctx, p.Item, r.deps.Sources.PolicyFor(src))
		if !d.Accepted {
			rc.sum.Filtered++
			rc.sum.FilterReasons[string(d.Reason)]++
			delete(rc.st.Pending, id)
			continue
		}
		d.Entry.ID = id
		rc.sum.Accepted++
		rc.candidates = append(rc.candidates, candidate{entry: *d.Entry, pending: true})
	}
}

func (r *Runner) fetchSource(ctx context.Context, rc *runContext, src sources.Source) {
	ctx, span := tracer.Start(ctx, "run.fetchSource", trace.WithAttributes(
		attribute.String("intelfeed.source", src.Name),
		attribute.String("intelfeed.source_kind", src.Kind),
	))
	defer span.End()

	L := rc.L.With("source", src.Name)
	now := r.now()
	stats := rc.st.FeedStats[src.Name]
	guard := backfill.New(r.cfg.Backfill, r.cfg.BackfillMaxAge, backfillBaseline(rc.st, stats), r.now)
	stats.LastFetch = now
	ss := SourceSummary{Name: src.Name}

	items, err := r.deps.Fetcher.Fetch(ctx, src.FeedSource())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Warn(ctx, "source fetch failed", "err", err)
		stats.ConsecutiveErrors++
		stats.LastError = err.Error()
		rc.st.FeedStats[src.Name] = stats
		ss.Error = err.Error()
		rc.sum.Sources = append(rc.sum.Sources, ss)
		return
	}

	policy := r.deps.Sources.PolicyFor(src)
	for item := range items {
		if item.SourceName == "" {
			item.SourceName = src.Name
		}
		ss.Fetched++
		if r.consider(ctx, rc, guard, item, policy) {
			ss.New++
		}
	}

	stats.LastSuccess = now
	stats.LastItems = ss.Fetched
	stats.TotalItems += ss.Fetched
	stats.ConsecutiveErrors = 0
	stats.LastError = ""
	rc.st.FeedStats[src.Name] = stats

	rc.sum.Fetched += ss.Fetched
	rc.sum.Sources = append(rc.sum.Sources, ss)
	span.SetAttributes(attribute.Int("intelfeed.fetched", ss.Fetched), attribute.Int("intelfeed.accepted", ss.New))
	L.Info(ctx, "source fetched", "fetched", ss.Fetched, "accepted", ss.New)
}

// backfillBaseline is the point before which a never-seen item of a source
// counts as history: the source's last successful fetch, so a failed fetch
// never moves it. Sources with no fetch history fall back to the last run.
func backfillBaseline(st *state.RunState, stats state.FeedStats) time.Time {
	switch {
	case !stats.LastSuccess.IsZero():
		return stats.LastSuccess
	case stats.LastFetch.IsZero():
		return st.LastRun
	default:
		return time.Time{}
	}
}

// consider runs one fresh item through dedup, the backfill guard and the
// filter. It reports whether the item became a delivery candidate.
func (r *Runner) consider(ctx context.Context, rc *runContext, guard *backfill.Guard, item feed.RawItem, policy filter.Policy) bool {
	id := feed.ID(item)
	if _, dup := rc.handled[id]; dup || rc.st.IsSeen(id) {
		rc.sum.Duplicates++
		return false
	}
	rc.handled[id] = struct{}{}

	if reason, ok := guard.Check(item); !ok {
		rc.sum.Backfilled++
		rc.L.Info(ctx, "backfill guard rejected item", "entry_id", id.String(), "reason", string(reason))
		return false
	}

	d := r.deps.Filter.Evaluate(ctx, item, policy)
	if !d.Accepted {
		rc.sum.Filtered++
		rc.sum.FilterReasons[string(d.Reason)]++
		return false
	}
	rc.sum.Accepted++
	rc.candidates = append(rc.candidates, candidate{entry: *d.Entry})
	return true
}

// selectBatch orders candidates by severity (highest first), then pending
// before fresh, then oldest publication first, and caps the batch. Entries
// past the cap are queued as pending.
func (r *Runner) selectBatch(ctx context.Context, rc *runContext) []filter.Entry {
	slices.SortStableFunc(rc.candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.entry.Classification.Severity, a.entry.Classification.Severity); c != 0 {
			return c
		}
		if a.pending != b.pending {
			if a.pending {
				return -1
			}
			return 1
		}
		return a.entry.Item.PublishedAt.Compare(b.entry.Item.PublishedAt)
	})

	n := min(len(rc.candidates), r.cfg.MaxPerRun)
	batch := make([]filter.Entry, 0, n)
	for _, c := range rc.candidates[:n] {
		batch = append(batch, c.entry)
	}
	for _, c := range rc.candidates[n:] {
		rc.sum.Deferred++
		r.queue(ctx, rc, c.entry, nil, false)
		if r.cfg.DryRun {
			rc.sum.Entries = append(rc.sum.Entries, entrySummary(c.entry, "deferred", 0, nil))
		}
	}
	return batch
}

func (r *Runner) deliver(ctx context.Context, rc *runContext, batch []filter.Entry) {
	if err := rc.session.Refresh(); err != nil {
		rc.L.Warn(ctx, "refresh state lock failed", "err", err)
	}
	ds := r.deps.Delivery.Run(ctx, batch)
	rc.sum.Attempted = ds.Attempted
	rc.sum.Delivered = ds.Delivered
	rc.sum.Failed = ds.Failed

	done := make(map[feed.EntryID]bool, len(ds.Results))
	for _, res := range ds.Results {
		e := res.Entry
		done[e.ID] = true
		if res.Delivered() {
			rc.st.MarkSeen(e.ID, e.Item.SourceName, e.Item.Title, r.now())
			delete(rc.st.Pending, e.ID)
			rc.sum.Entries = append(rc.sum.Entries, entrySummary(e, "delivered", res.Attempts, nil))
			continue
		}
		dropped := r.queue(ctx, rc, e, res.Err, true)
		result := "failed"
		if dropped {
			result = "dropped"
		}
		rc.sum.Entries = append(rc.sum.Entries, entrySummary(e, result, res.Attempts, res.Err))
	}

	// entries not reached because the context ended
	for _, e := range batch {
		if !done[e.ID] {
			r.queue(ctx, rc, e, nil, false)
			rc.sum.Entries = append(rc.sum.Entries, entrySummary(e, "not_attempted", 0, nil))
		}
	}
}

// queue keeps e in the pending queue. A failed attempt counts against
// MaxPendingRuns; once exhausted the entry is marked seen and dropped so it
// cannot re-flood. It reports whether the entry was dropped.
func (r *Runner) queue(ctx context.Context, rc *runContext, e filter.Entry, cause error, failed bool) bool {
	p, ok := rc.st.Pending[e.ID]
	if !ok {
		p = state.PendingEntry{Item: e.Item, QueuedAt: r.now()}
	}
	if failed {
		p.Runs++
		if cause != nil {
			p.LastError = cause.Error()
		}
	}
	if p.Runs >= r.cfg.MaxPendingRuns {
		delete(rc.st.Pending, e.ID)
		rc.st.MarkSeen(e.ID, e.Item.SourceName, e.Item.Title, r.now())
		rc.sum.Dropped++
		rc.L.Warn(ctx, "dropping entry after repeated delivery failures",
			"entry_id", e.ID.String(), "runs", p.Runs, "last_error", p.LastError)
		return true
	}
	rc.st.Pending[e.ID] = p
	return false
}

func entrySummary(e filter.Entry, result string, attempts int, err error) EntrySummary {
	es := EntrySummary{
		ID:         e.ID.String(),
		Title:      e.Item.Title,
		Source:     e.Item.SourceName,
		Severity:   e.Classification.Severity.String(),
		ThreatType: string(e.Classification.ThreatType),
		Result:     result,
		Attempts:   attempts,
	}
	if err != nil {
		es.Error = err.Error()
	}
	return es
}
