// Intelfeed polls threat-intelligence feeds, classifies and filters new
// entries, and delivers them to a notification sink.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	ic "github.com/linnemanlabs/intelfeed/internal/cfg"
	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/delivery"
	"github.com/linnemanlabs/intelfeed/internal/feed"
	"github.com/linnemanlabs/intelfeed/internal/feed/rss"
	"github.com/linnemanlabs/intelfeed/internal/filter"
	"github.com/linnemanlabs/intelfeed/internal/notify"
	"github.com/linnemanlabs/intelfeed/internal/notify/slack"
	"github.com/linnemanlabs/intelfeed/internal/notify/webhook"
	"github.com/linnemanlabs/intelfeed/internal/report"
	"github.com/linnemanlabs/intelfeed/internal/reportapi"
	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/sources"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

const appName = "intelfeed"
const component = "poller"

func main() {
	if err := start(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ic.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win over env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "INTELFEED_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// the report API and the ops listener only run in interval mode
	if appCfg.Interval() > 0 && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"state_file", appCfg.StateFile,
		"sources_file", appCfg.SourcesFile,
		"sink", appCfg.Sink,
		"interval_seconds", appCfg.IntervalSeconds,
		"dry_run", appCfg.DryRun,
		"backfill", appCfg.Backfill,
		"max_per_run", appCfg.MaxPerRun,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	if appCfg.Interval() == 0 {
		return runOnce(ctx, L, &appCfg)
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	a, err := build(&appCfg, L, run.NewMetrics(m.Registry()))
	if err != nil {
		return err
	}

	// readiness fails once shutdown starts so the load balancer drains us
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 16))
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))
	reportapi.New(L, a.store, a.runner, appCfg.APIToken).RegisterRoutes(r)

	// outermost wrapper sees the raw request first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start report api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop report api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its timeout if this matters
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.loop(ctx, appCfg.Interval())
	}()

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// an in-flight run finishes its current delivery and saves state
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "waiting for in-flight run", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-loopDone:
		L.Info(context.Background(), "run loop stopped")
	case <-time.After(drainDuration):
		L.Warn(context.Background(), "drain period elapsed with run in flight")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"report api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// runOnce performs a single run, writes the optional outputs and fails when
// the run did not complete.
func runOnce(ctx context.Context, L log.Logger, c *ic.Config) error {
	reg := prometheus.NewRegistry()
	a, err := build(c, L, run.NewMetrics(reg))
	if err != nil {
		return err
	}
	sum, runErr := a.runner.Run(ctx)
	a.writeOutputs(ctx, sum)
	if c.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(c.MetricsTextfile, reg); err != nil {
			L.Error(ctx, err, "write metrics textfile failed", "path", c.MetricsTextfile)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", sum.RunID, runErr)
	}
	return nil
}

// app is the wired pipeline.
type app struct {
	cfg    *ic.Config
	logger log.Logger
	store  *state.Store
	runner *run.Runner
}

// build wires sources, state, classification, filtering, delivery and the
// orchestrator from configuration.
func build(c *ic.Config, L log.Logger, m *run.Metrics) (*app, error) {
	registry := feed.NewRegistry()
	registry.Register(rss.New(c.FetchTimeout(), c.UserAgent), rss.Aliases...)

	srcs, err := sources.Load(c.SourcesFile, registry.Kinds())
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if len(srcs.Enabled()) == 0 {
		L.Warn(context.Background(), "no enabled sources", "sources_file", c.SourcesFile)
	}

	notifier, err := newNotifier(c, L)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(c.StateOptions(), L.With("subsystem", "state"), state.WithHooks(m.StoreHooks()))
	engine := filter.NewEngine(classify.New(), L.With("subsystem", "filter"))
	pipeline := delivery.New(c.DeliveryConfig(), notifier, L.With("subsystem", "delivery"), delivery.WithHooks(m.DeliveryHooks()))

	runner := run.NewRunner(c.RunConfig(), run.Deps{
		Store:    store,
		Fetcher:  registry,
		Sources:  srcs,
		Filter:   engine,
		Delivery: pipeline,
		Metrics:  m,
	}, L)

	return &app{cfg: c, logger: L, store: store, runner: runner}, nil
}

// newNotifier returns the sink selected by configuration.
func newNotifier(c *ic.Config, L log.Logger) (notify.Notifier, error) {
	timeout := time.Duration(c.AttemptTimeoutSeconds) * time.Second
	switch c.Sink {
	case ic.SinkSlack:
		return slack.New(c.WebhookURL, timeout), nil
	case ic.SinkWebhook:
		return webhook.New(c.WebhookURL, timeout), nil
	case ic.SinkLog:
		return notify.NewLogNotifier(L.With("subsystem", "sink")), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", c.Sink)
	}
}

// loop runs immediately and then on every tick until ctx is done.
func (a *app) loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sum, _ := a.runner.Run(ctx)
		a.writeOutputs(ctx, sum)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// writeOutputs refreshes the report file. Failures are logged only.
func (a *app) writeOutputs(ctx context.Context, sum *run.Summary) {
	if a.cfg.ReportFile == "" {
		return
	}
	st, err := a.store.Peek()
	if err != nil {
		a.logger.Error(ctx, err, "read state for report failed")
		return
	}
	rep := report.Build(st, sum, time.Now())
	if err := report.WriteFile(a.cfg.ReportFile, rep); err != nil {
		a.logger.Error(ctx, err, "write report failed", "path", a.cfg.ReportFile)
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit has Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
