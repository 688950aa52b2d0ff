// Package reportapi serves the derived run report over HTTP.
package reportapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/intelfeed/internal/authmw"
	"github.com/linnemanlabs/intelfeed/internal/report"
	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

// StateReader reads persisted state without taking the run lock.
type StateReader interface {
	Peek() (*state.RunState, error)
}

// RunHistory exposes the most recent run summary.
type RunHistory interface {
	Latest() (*run.Summary, bool)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	state  StateReader
	runs   RunHistory
	token  string
	now    func() time.Time
}

// New creates a new API handler. An empty token leaves the routes open.
func New(logger log.Logger, st StateReader, runs RunHistory, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if st == nil || runs == nil {
		panic(xerrors.New("state reader and run history are required"))
	}
	return &API{
		logger: logger,
		state:  st,
		runs:   runs,
		token:  token,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerToken(a.token))
		r.Get("/report", a.handleReport)
		r.Get("/runs/latest", a.handleLatestRun)
	})
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	st, err := a.state.Peek()
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read state for report")
		http.Error(w, `{"error":"state unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	latest, _ := a.runs.Latest()
	rep := report.Build(st, latest, a.now())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("intelfeed.report.seen_total", rep.SeenTotal),
		attribute.Int("intelfeed.report.sources", len(rep.Sources)),
	)

	writeJSON(w, rep)
}

func (a *API) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	latest, ok := a.runs.Latest()
	if !ok {
		http.Error(w, `{"error":"no run yet"}`, http.StatusNotFound)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("intelfeed.run_id", latest.RunID),
		attribute.String("intelfeed.outcome", latest.Outcome),
	)

	writeJSON(w, latest)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
