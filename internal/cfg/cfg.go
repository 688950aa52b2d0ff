package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/intelfeed/internal/delivery"
	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

// Sink types.
const (
	SinkSlack   = "slack"
	SinkWebhook = "webhook"
	SinkLog     = "log"
)

// Config holds the application settings that are not owned by a go-core
// component. Every field is bound to a flag and back-filled from the
// environment.
type Config struct {
	// state store
	StateFile            string
	BackupDir            string
	BackupRetention      int
	SeenLimit            int
	LockStaleSeconds     int
	LockRetries          int
	LockRetryDelayMillis int
	LockTimeoutSeconds   int

	// sources
	SourcesFile         string
	FetchTimeoutSeconds int
	UserAgent           string

	// sink and delivery
	Sink                  string
	WebhookURL            string
	MaxPerRun             int
	MaxAttempts           int
	AttemptTimeoutSeconds int
	BackoffBaseMillis     int
	BackoffMaxSeconds     int
	MaxRetryAfterSeconds  int
	DelayMillis           int
	PriorityDelayMillis   int
	DeliveriesPerMinute   int
	MaxPendingRuns        int

	// backfill guard
	Backfill            bool
	BackfillMaxAgeHours int

	// run mode and outputs
	IntervalSeconds int
	DryRun          bool
	MetricsTextfile string
	ReportFile      string

	// report API (interval mode only)
	APIPort               int
	APIToken              string
	DrainSeconds          int
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StateFile, "state-file", "data/state.json", "path of the persisted run state")
	fs.StringVar(&c.BackupDir, "backup-dir", "", "state backup directory (empty = <state dir>/backups)")
	fs.IntVar(&c.BackupRetention, "backup-retention", 10, "number of state backups to keep (1..1000)")
	fs.IntVar(&c.SeenLimit, "seen-limit", state.DefaultSeenLimit, "most recent seen entries kept in state (100..1000000)")
	fs.IntVar(&c.LockStaleSeconds, "lock-stale-seconds", 600, "age after which a state lock is considered abandoned (10..86400)")
	fs.IntVar(&c.LockRetries, "lock-retries", 5, "retries when the state lock is held (0..100)")
	fs.IntVar(&c.LockRetryDelayMillis, "lock-retry-delay-ms", 500, "initial delay between lock retries in milliseconds (1..60000)")
	fs.IntVar(&c.LockTimeoutSeconds, "lock-timeout-seconds", 30, "overall lock acquisition timeout (1..3600)")

	fs.StringVar(&c.SourcesFile, "sources-file", "sources.yaml", "YAML file with sources and filter policy")
	fs.IntVar(&c.FetchTimeoutSeconds, "fetch-timeout-seconds", 30, "per-source fetch timeout (1..600)")
	fs.StringVar(&c.UserAgent, "user-agent", "intelfeed/1.0 (+https://github.com/linnemanlabs/intelfeed)", "User-Agent sent to feed servers")

	fs.StringVar(&c.Sink, "sink", SinkSlack, "notification sink: slack, webhook or log")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "webhook URL for the slack and webhook sinks")
	fs.IntVar(&c.MaxPerRun, "max-per-run", 10, "maximum deliveries per run; the rest wait for the next run (1..1000)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 5, "delivery attempts per entry on rate limiting (1..20)")
	fs.IntVar(&c.AttemptTimeoutSeconds, "attempt-timeout-seconds", 10, "timeout of one delivery attempt (1..300)")
	fs.IntVar(&c.BackoffBaseMillis, "backoff-base-ms", 1000, "initial retry backoff in milliseconds (1..600000)")
	fs.IntVar(&c.BackoffMaxSeconds, "backoff-max-seconds", 60, "retry backoff ceiling (1..3600)")
	fs.IntVar(&c.MaxRetryAfterSeconds, "max-retry-after-seconds", 300, "longest server Retry-After honored (1..3600)")
	fs.IntVar(&c.DelayMillis, "delay-ms", 2000, "pause after each successful delivery in milliseconds (0..600000)")
	fs.IntVar(&c.PriorityDelayMillis, "priority-delay-ms", 500, "pause after a high or critical delivery in milliseconds (0..600000)")
	fs.IntVar(&c.DeliveriesPerMinute, "deliveries-per-minute", 30, "delivery throughput cap (0 = unlimited)")
	fs.IntVar(&c.MaxPendingRuns, "max-pending-runs", 3, "failed runs after which an undeliverable entry is dropped (1..100)")

	fs.BoolVar(&c.Backfill, "backfill", false, "accept never-seen items published before the last run")
	fs.IntVar(&c.BackfillMaxAgeHours, "backfill-max-age-hours", 168, "oldest publication accepted when backfill is off (1..8760)")

	fs.IntVar(&c.IntervalSeconds, "interval-seconds", 0, "run repeatedly with this interval (0 = run once and exit)")
	fs.BoolVar(&c.DryRun, "dry-run", false, "fetch, classify and filter without delivering or saving state")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this node-exporter textfile after each run")
	fs.StringVar(&c.ReportFile, "report-file", "", "write the JSON report to this file after each run")

	fs.IntVar(&c.APIPort, "http-port", 8080, "report API listen TCP port in interval mode (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the report API (empty = no auth)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight work to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
}

func between(errs []error, name string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("invalid %s %d (must be %d..%d)", name, v, lo, hi))
	}
	return errs
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.StateFile == "" {
		errs = append(errs, errors.New("STATE_FILE is required"))
	}
	if c.SourcesFile == "" {
		errs = append(errs, errors.New("SOURCES_FILE is required"))
	}
	errs = between(errs, "BACKUP_RETENTION", c.BackupRetention, 1, 1000)
	errs = between(errs, "SEEN_LIMIT", c.SeenLimit, 100, 1_000_000)
	errs = between(errs, "LOCK_STALE_SECONDS", c.LockStaleSeconds, 10, 86400)
	errs = between(errs, "LOCK_RETRIES", c.LockRetries, 0, 100)
	errs = between(errs, "LOCK_RETRY_DELAY_MS", c.LockRetryDelayMillis, 1, 60000)
	errs = between(errs, "LOCK_TIMEOUT_SECONDS", c.LockTimeoutSeconds, 1, 3600)
	errs = between(errs, "FETCH_TIMEOUT_SECONDS", c.FetchTimeoutSeconds, 1, 600)

	switch c.Sink {
	case SinkSlack, SinkWebhook:
		if u, err := url.Parse(c.WebhookURL); c.WebhookURL == "" || err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL must be an absolute http(s) URL for sink %q", c.Sink))
		}
	case SinkLog:
	default:
		errs = append(errs, fmt.Errorf("invalid SINK %q (must be slack, webhook or log)", c.Sink))
	}

	errs = between(errs, "MAX_PER_RUN", c.MaxPerRun, 1, 1000)
	errs = between(errs, "MAX_ATTEMPTS", c.MaxAttempts, 1, 20)
	errs = between(errs, "ATTEMPT_TIMEOUT_SECONDS", c.AttemptTimeoutSeconds, 1, 300)
	errs = between(errs, "BACKOFF_BASE_MS", c.BackoffBaseMillis, 1, 600000)
	errs = between(errs, "BACKOFF_MAX_SECONDS", c.BackoffMaxSeconds, 1, 3600)
	errs = between(errs, "MAX_RETRY_AFTER_SECONDS", c.MaxRetryAfterSeconds, 1, 3600)
	errs = between(errs, "DELAY_MS", c.DelayMillis, 0, 600000)
	errs = between(errs, "PRIORITY_DELAY_MS", c.PriorityDelayMillis, 0, 600000)
	errs = between(errs, "DELIVERIES_PER_MINUTE", c.DeliveriesPerMinute, 0, 6000)
	errs = between(errs, "MAX_PENDING_RUNS", c.MaxPendingRuns, 1, 100)
	if c.BackoffBaseMillis > c.BackoffMaxSeconds*1000 {
		errs = append(errs, fmt.Errorf("BACKOFF_BASE_MS %d must not exceed BACKOFF_MAX_SECONDS %d", c.BackoffBaseMillis, c.BackoffMaxSeconds))
	}

	errs = between(errs, "BACKFILL_MAX_AGE_HOURS", c.BackfillMaxAgeHours, 1, 8760)
	if c.IntervalSeconds != 0 {
		errs = between(errs, "INTERVAL_SECONDS", c.IntervalSeconds, 60, 86400)
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StateOptions returns the state store options.
func (c *Config) StateOptions() state.Options {
	return state.Options{
		Path:            c.StateFile,
		BackupDir:       c.BackupDir,
		BackupRetention: c.BackupRetention,
		SeenLimit:       c.SeenLimit,
		LockStaleAfter:  time.Duration(c.LockStaleSeconds) * time.Second,
		LockRetries:     c.LockRetries,
		LockRetryDelay:  time.Duration(c.LockRetryDelayMillis) * time.Millisecond,
		LockTimeout:     time.Duration(c.LockTimeoutSeconds) * time.Second,
	}
}

// DeliveryConfig returns the delivery pipeline settings.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		MaxAttempts:    c.MaxAttempts,
		AttemptTimeout: time.Duration(c.AttemptTimeoutSeconds) * time.Second,
		BackoffBase:    time.Duration(c.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:     time.Duration(c.BackoffMaxSeconds) * time.Second,
		MaxRetryAfter:  time.Duration(c.MaxRetryAfterSeconds) * time.Second,
		Delay:          time.Duration(c.DelayMillis) * time.Millisecond,
		PriorityDelay:  time.Duration(c.PriorityDelayMillis) * time.Millisecond,
		PerMinute:      c.DeliveriesPerMinute,
	}
}

// RunConfig returns the orchestrator settings.
func (c *Config) RunConfig() run.Config {
	return run.Config{
		MaxPerRun:      c.MaxPerRun,
		Backfill:       c.Backfill,
		BackfillMaxAge: time.Duration(c.BackfillMaxAgeHours) * time.Hour,
		MaxPendingRuns: c.MaxPendingRuns,
		DryRun:         c.DryRun,
	}
}

// FetchTimeout returns the per-source fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Interval returns the run interval, zero for a single run.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
