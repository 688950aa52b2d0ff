package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// defaults returns a Config populated from the registered flag defaults.
func defaults(t testing.TB) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	return c
}

// validBase returns a Config with all required fields set to valid values.
func validBase(t testing.TB) Config {
	c := defaults(t)
	c.WebhookURL = "https://hooks.slack.com/services/T000/B000/XXXX"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := defaults(t)

	if c.StateFile != "data/state.json" {
		t.Errorf("StateFile = %q, want %q", c.StateFile, "data/state.json")
	}
	if c.Sink != SinkSlack {
		t.Errorf("Sink = %q, want %q", c.Sink, SinkSlack)
	}
	if c.MaxPerRun != 10 {
		t.Errorf("MaxPerRun = %d, want 10", c.MaxPerRun)
	}
	if c.MaxPendingRuns != 3 {
		t.Errorf("MaxPendingRuns = %d, want 3", c.MaxPendingRuns)
	}
	if c.Backfill {
		t.Error("Backfill = true, want false")
	}
	if c.BackfillMaxAgeHours != 168 {
		t.Errorf("BackfillMaxAgeHours = %d, want 168", c.BackfillMaxAgeHours)
	}
	if c.IntervalSeconds != 0 {
		t.Errorf("IntervalSeconds = %d, want 0", c.IntervalSeconds)
	}
	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-state-file", "/var/lib/intelfeed/state.json",
		"-sink", "webhook",
		"-webhook-url", "https://example.com/hook",
		"-max-per-run", "25",
		"-backfill",
		"-dry-run",
		"-interval-seconds", "900",
		"-http-port", "9090",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.StateFile != "/var/lib/intelfeed/state.json" {
		t.Errorf("StateFile = %q", c.StateFile)
	}
	if c.Sink != SinkWebhook {
		t.Errorf("Sink = %q, want %q", c.Sink, SinkWebhook)
	}
	if c.WebhookURL != "https://example.com/hook" {
		t.Errorf("WebhookURL = %q", c.WebhookURL)
	}
	if c.MaxPerRun != 25 {
		t.Errorf("MaxPerRun = %d, want 25", c.MaxPerRun)
	}
	if !c.Backfill || !c.DryRun {
		t.Errorf("Backfill = %v, DryRun = %v, want both true", c.Backfill, c.DryRun)
	}
	if c.Interval() != 15*time.Minute {
		t.Errorf("Interval() = %v, want 15m", c.Interval())
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mut       func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{name: "defaults are valid", mut: func(*Config) {}},
		{name: "log sink needs no url", mut: func(c *Config) { c.Sink = SinkLog; c.WebhookURL = "" }},
		{
			name:      "slack sink without url",
			mut:       func(c *Config) { c.WebhookURL = "" },
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_URL"},
		},
		{
			name:      "webhook sink with relative url",
			mut:       func(c *Config) { c.Sink = SinkWebhook; c.WebhookURL = "/hook" },
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_URL"},
		},
		{
			name:      "webhook sink with ftp url",
			mut:       func(c *Config) { c.Sink = SinkWebhook; c.WebhookURL = "ftp://example.com/x" },
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_URL"},
		},
		{
			name:      "unknown sink",
			mut:       func(c *Config) { c.Sink = "email" },
			wantErr:   true,
			errSubstr: []string{"SINK"},
		},
		{
			name:      "empty state file",
			mut:       func(c *Config) { c.StateFile = "" },
			wantErr:   true,
			errSubstr: []string{"STATE_FILE"},
		},
		{
			name:      "empty sources file",
			mut:       func(c *Config) { c.SourcesFile = "" },
			wantErr:   true,
			errSubstr: []string{"SOURCES_FILE"},
		},
		{
			name:      "max per run zero",
			mut:       func(c *Config) { c.MaxPerRun = 0 },
			wantErr:   true,
			errSubstr: []string{"MAX_PER_RUN"},
		},
		{name: "max per run at upper bound", mut: func(c *Config) { c.MaxPerRun = 1000 }},
		{
			name:      "max attempts above max",
			mut:       func(c *Config) { c.MaxAttempts = 21 },
			wantErr:   true,
			errSubstr: []string{"MAX_ATTEMPTS"},
		},
		{
			name:      "backoff base above ceiling",
			mut:       func(c *Config) { c.BackoffBaseMillis = 5000; c.BackoffMaxSeconds = 2 },
			wantErr:   true,
			errSubstr: []string{"must not exceed BACKOFF_MAX_SECONDS"},
		},
		{name: "zero delays allowed", mut: func(c *Config) { c.DelayMillis = 0; c.PriorityDelayMillis = 0 }},
		{name: "unlimited throughput", mut: func(c *Config) { c.DeliveriesPerMinute = 0 }},
		{
			name:      "negative throughput",
			mut:       func(c *Config) { c.DeliveriesPerMinute = -1 },
			wantErr:   true,
			errSubstr: []string{"DELIVERIES_PER_MINUTE"},
		},
		{
			name:      "pending runs zero",
			mut:       func(c *Config) { c.MaxPendingRuns = 0 },
			wantErr:   true,
			errSubstr: []string{"MAX_PENDING_RUNS"},
		},
		{
			name:      "seen limit too small",
			mut:       func(c *Config) { c.SeenLimit = 10 },
			wantErr:   true,
			errSubstr: []string{"SEEN_LIMIT"},
		},
		{name: "no lock retries", mut: func(c *Config) { c.LockRetries = 0 }},
		{
			name:      "lock timeout zero",
			mut:       func(c *Config) { c.LockTimeoutSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"LOCK_TIMEOUT_SECONDS"},
		},
		{
			name:      "backfill age zero",
			mut:       func(c *Config) { c.BackfillMaxAgeHours = 0 },
			wantErr:   true,
			errSubstr: []string{"BACKFILL_MAX_AGE_HOURS"},
		},
		{name: "interval at lower bound", mut: func(c *Config) { c.IntervalSeconds = 60 }},
		{
			name:      "interval too short",
			mut:       func(c *Config) { c.IntervalSeconds = 5 },
			wantErr:   true,
			errSubstr: []string{"INTERVAL_SECONDS"},
		},
		// DrainSeconds and ShutdownBudgetSeconds boundaries
		{
			name:      "drain zero",
			mut:       func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mut:       func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			mut:     func(c *Config) { c.DrainSeconds = 300; c.ShutdownBudgetSeconds = 300 },
			wantErr: true, // budget must be greater than drain
		},
		{
			name:      "budget above max",
			mut:       func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mut:       func(c *Config) { c.ShutdownBudgetSeconds = 60 },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{name: "budget is drain plus one", mut: func(c *Config) { c.ShutdownBudgetSeconds = 61 }},
		// APIPort boundaries
		{
			name:      "port zero",
			mut:       func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mut:       func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Error accumulation
		{
			name: "many fields invalid",
			mut: func(c *Config) {
				c.DrainSeconds = math.MinInt32
				c.ShutdownBudgetSeconds = math.MinInt32
				c.APIPort = math.MinInt32
				c.MaxPerRun = -1
				c.Sink = ""
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "MAX_PER_RUN", "SINK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase(t)
			tt.mut(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	t.Parallel()

	c := validBase(t)
	c.LockRetryDelayMillis = 250
	c.DeliveriesPerMinute = 12

	so := c.StateOptions()
	if so.Path != c.StateFile {
		t.Errorf("Path = %q, want %q", so.Path, c.StateFile)
	}
	if so.LockStaleAfter != 10*time.Minute {
		t.Errorf("LockStaleAfter = %v, want 10m", so.LockStaleAfter)
	}
	if so.LockRetryDelay != 250*time.Millisecond {
		t.Errorf("LockRetryDelay = %v, want 250ms", so.LockRetryDelay)
	}

	dc := c.DeliveryConfig()
	if dc.BackoffBase != time.Second || dc.BackoffMax != time.Minute {
		t.Errorf("backoff = %v..%v, want 1s..1m", dc.BackoffBase, dc.BackoffMax)
	}
	if dc.PerMinute != 12 {
		t.Errorf("PerMinute = %d, want 12", dc.PerMinute)
	}
	if dc.PriorityDelay != 500*time.Millisecond {
		t.Errorf("PriorityDelay = %v, want 500ms", dc.PriorityDelay)
	}

	rc := c.RunConfig()
	if rc.BackfillMaxAge != 7*24*time.Hour {
		t.Errorf("BackfillMaxAge = %v, want 168h", rc.BackfillMaxAge)
	}
	if rc.MaxPerRun != 10 || rc.MaxPendingRuns != 3 {
		t.Errorf("RunConfig = %+v", rc)
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
	}{
		{60, 90, 8080},
		{1, 2, 1},
		{299, 300, 65535},
		{0, 0, 0},
		{-1, -1, -1},
		{300, 300, 65535},
		{301, 302, 65536},
		{150, 100, 8080},
		{math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int) {
		c := validBase(t)
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain

		allValid := drainOK && budgetOK && portOK && crossOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
