package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
)

// ErrSourceFetch marks a per-source fetch failure. It never aborts a run.
var ErrSourceFetch = errors.New("source fetch failed")

// FetchError records which source failed and why.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSourceFetch, e.Source, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrSourceFetch, e.Err}
}

// Source is the adapter-facing view of one configured source.
type Source struct {
	Name string
	Kind string
	URL  string
}

// Adapter fetches one source and yields its items lazily. Network and parse
// failures are returned as an error rather than panicking so the orchestrator
// can record them and move on to the next source.
type Adapter interface {
	Kind() string
	Fetch(ctx context.Context, src Source) (iter.Seq[RawItem], error)
}

// Registry maps a source kind to its adapter. It is populated at startup and
// read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter keyed by its Kind. Aliases map extra kinds to the
// same adapter (for example "atom" and "jsonfeed" to the rss adapter).
func (r *Registry) Register(a Adapter, aliases ...string) {
	r.adapters[a.Kind()] = a
	for _, alias := range aliases {
		r.adapters[alias] = a
	}
}

// Get retrieves an adapter by kind, returns the adapter and a boolean indicating if it was found.
func (r *Registry) Get(kind string) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fetch resolves the adapter for src and fetches it, wrapping any failure in a
// FetchError.
func (r *Registry) Fetch(ctx context.Context, src Source) (iter.Seq[RawItem], error) {
	a, ok := r.Get(src.Kind)
	if !ok {
		return nil, &FetchError{Source: src.Name, Err: fmt.Errorf("no adapter for kind %q", src.Kind)}
	}
	seq, err := a.Fetch(ctx, src)
	if err != nil {
		return nil, &FetchError{Source: src.Name, Err: err}
	}
	return seq, nil
}
