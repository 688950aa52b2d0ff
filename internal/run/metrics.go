package run

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/intelfeed/internal/delivery"
	"github.com/linnemanlabs/intelfeed/internal/notify"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

// Metrics holds Prometheus metrics for the run orchestrator.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastSuccess      prometheus.Gauge
	ItemsFetched     *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec
	Items            *prometheus.CounterVec
	FilterRejections *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	PendingEntries   prometheus.Gauge
	StateRecoveries  *prometheus.CounterVec
	LockFailures     prometheus.Counter
}

// NewMetrics registers and returns run metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_runs_total",
			Help: "Total runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intelfeed_run_duration_seconds",
			Help:    "Duration of runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intelfeed_last_success_timestamp_seconds",
			Help: "Unix time of the last run that persisted state.",
		}),
		ItemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_items_fetched_total",
			Help: "Items returned by source adapters.",
		}, []string{"source"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_source_errors_total",
			Help: "Failed source fetches.",
		}, []string{"source"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_items_total",
			Help: "Items by pipeline stage outcome.",
		}, []string{"stage"}),
		FilterRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_filter_rejections_total",
			Help: "Items rejected by the filter engine by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_deliveries_total",
			Help: "Entry deliveries by final state.",
		}, []string{"result"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_delivery_attempts_total",
			Help: "Individual sink calls by outcome.",
		}, []string{"outcome"}),
		PendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intelfeed_pending_entries",
			Help: "Accepted entries waiting for delivery.",
		}),
		StateRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intelfeed_state_recoveries_total",
			Help: "State store recoveries by kind.",
		}, []string{"kind"}),
		LockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intelfeed_lock_failures_total",
			Help: "Runs that could not acquire the state lock.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.LastSuccess,
		m.ItemsFetched,
		m.SourceErrors,
		m.Items,
		m.FilterRejections,
		m.Deliveries,
		m.DeliveryAttempts,
		m.PendingEntries,
		m.StateRecoveries,
		m.LockFailures,
	)

	return m
}

// StoreHooks returns state hooks that increment the corresponding metrics.
func (m *Metrics) StoreHooks() state.Hooks {
	return state.Hooks{
		OnRecovery:    func(kind string) { m.StateRecoveries.WithLabelValues(kind).Inc() },
		OnLockFailure: func() { m.LockFailures.Inc() },
	}
}

// DeliveryHooks returns pipeline hooks that increment the corresponding
// metrics.
func (m *Metrics) DeliveryHooks() delivery.Hooks {
	return delivery.Hooks{
		OnAttempt: func(k notify.Kind) { m.DeliveryAttempts.WithLabelValues(k.String()).Inc() },
		OnResult:  func(s delivery.State) { m.Deliveries.WithLabelValues(s.String()).Inc() },
	}
}

func (m *Metrics) observe(s *Summary) {
	m.RunsTotal.WithLabelValues(s.Outcome).Inc()
	m.RunDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	for _, src := range s.Sources {
		if src.Error != "" {
			m.SourceErrors.WithLabelValues(src.Name).Inc()
			continue
		}
		m.ItemsFetched.WithLabelValues(src.Name).Add(float64(src.Fetched))
	}
	m.Items.WithLabelValues("duplicate").Add(float64(s.Duplicates))
	m.Items.WithLabelValues("backfill").Add(float64(s.Backfilled))
	m.Items.WithLabelValues("filtered").Add(float64(s.Filtered))
	m.Items.WithLabelValues("accepted").Add(float64(s.Accepted))
	m.Items.WithLabelValues("deferred").Add(float64(s.Deferred))
	m.Items.WithLabelValues("dropped").Add(float64(s.Dropped))
	for reason, n := range s.FilterReasons {
		m.FilterRejections.WithLabelValues(reason).Add(float64(n))
	}
	if s.Outcome == OutcomeSuccess && !s.DryRun {
		m.LastSuccess.Set(float64(s.FinishedAt.Unix()))
		m.PendingEntries.Set(float64(s.PendingAfter))
	}
}
