package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	ic "github.com/linnemanlabs/intelfeed/internal/cfg"
	"github.com/linnemanlabs/intelfeed/internal/report"
	"github.com/linnemanlabs/intelfeed/internal/run"
	"github.com/linnemanlabs/intelfeed/internal/state"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewNotifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sink     string
		wantName string
		wantErr  bool
	}{
		{sink: ic.SinkSlack, wantName: "slack"},
		{sink: ic.SinkWebhook, wantName: "webhook"},
		{sink: ic.SinkLog, wantName: "log"},
		{sink: "pager", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.sink, func(t *testing.T) {
			t.Parallel()
			c := &ic.Config{Sink: tt.sink, WebhookURL: "https://example.com/hook", AttemptTimeoutSeconds: 5}
			n, err := newNotifier(c, log.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newNotifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && n.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", n.Name(), tt.wantName)
			}
		})
	}
}

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Test Advisories</title>
<link>https://advisories.test/</link>
<description>test</description>
<item>
  <title>Ransomware group exploits CVE-2024-12345 in VPN appliances</title>
  <link>https://advisories.test/a/1</link>
  <description>Critical vulnerability actively exploited by ransomware operators.</description>
  <pubDate>%s</pubDate>
</item>
<item>
  <title>Phishing campaign targets finance teams</title>
  <link>https://advisories.test/a/2</link>
  <description>Credential phishing using lookalike domains.</description>
  <pubDate>%s</pubDate>
</item>
</channel>
</rss>`

func testConfig(t *testing.T, feedURL string) *ic.Config {
	t.Helper()
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "sources.yaml")
	srcYAML := fmt.Sprintf("defaults:\n  max_age_hours: 0\nsources:\n  - name: advisories\n    url: %s\n", feedURL)
	if err := os.WriteFile(srcPath, []byte(srcYAML), 0o600); err != nil {
		t.Fatalf("write sources: %v", err)
	}

	var c ic.Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	c.StateFile = filepath.Join(dir, "state.json")
	c.SourcesFile = srcPath
	c.Sink = ic.SinkLog
	c.DelayMillis = 0
	c.PriorityDelayMillis = 0
	c.DeliveriesPerMinute = 0
	c.ReportFile = filepath.Join(dir, "report.json")
	c.MetricsTextfile = filepath.Join(dir, "intelfeed.prom")
	if err := c.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	return &c
}

func readReport(t *testing.T, path string) report.Report {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return r
}

func TestRunOnce_EndToEnd(t *testing.T) {
	t.Parallel()

	pub := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123Z)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprintf(w, testFeed, pub, pub)
	}))
	defer srv.Close()

	c := testConfig(t, srv.URL+"/feed.xml")
	ctx := context.Background()

	if err := runOnce(ctx, log.Nop(), c); err != nil {
		t.Fatalf("first run: %v", err)
	}

	r := readReport(t, c.ReportFile)
	if r.LatestRun == nil {
		t.Fatal("report has no latest run")
	}
	if r.LatestRun.Outcome != run.OutcomeSuccess {
		t.Errorf("Outcome = %q, want %q", r.LatestRun.Outcome, run.OutcomeSuccess)
	}
	if r.LatestRun.Fetched != 2 || r.LatestRun.Delivered != 2 {
		t.Errorf("fetched/delivered = %d/%d, want 2/2", r.LatestRun.Fetched, r.LatestRun.Delivered)
	}
	if r.SeenTotal != 2 {
		t.Errorf("SeenTotal = %d, want 2", r.SeenTotal)
	}

	prom, err := os.ReadFile(c.MetricsTextfile)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(prom), "intelfeed_runs_total") {
		t.Errorf("textfile missing intelfeed_runs_total:\n%s", prom)
	}

	if err := runOnce(ctx, log.Nop(), c); err != nil {
		t.Fatalf("second run: %v", err)
	}
	r = readReport(t, c.ReportFile)
	if r.LatestRun.Delivered != 0 || r.LatestRun.Duplicates != 2 {
		t.Errorf("second run delivered/duplicates = %d/%d, want 0/2", r.LatestRun.Delivered, r.LatestRun.Duplicates)
	}
}

func TestRunOnce_LockHeld(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := testConfig(t, srv.URL+"/feed.xml")
	c.LockRetries = 0
	c.LockTimeoutSeconds = 1

	held := state.NewStore(c.StateOptions(), log.Nop())
	session, err := held.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer func() { _ = session.Close() }()

	err = runOnce(context.Background(), log.Nop(), c)
	if err == nil {
		t.Fatal("expected error while the state lock is held")
	}
	if !strings.Contains(err.Error(), "lock") {
		t.Errorf("error = %q, want lock failure", err)
	}
}

func TestBuild_BadSourcesFile(t *testing.T) {
	t.Parallel()

	c := &ic.Config{SourcesFile: filepath.Join(t.TempDir(), "missing.yaml"), Sink: ic.SinkLog}
	if _, err := build(c, log.Nop(), run.NewMetrics(prometheus.NewRegistry())); err == nil {
		t.Fatal("expected error for missing sources file")
	}
}
