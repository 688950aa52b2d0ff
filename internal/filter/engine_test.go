package filter

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/feed"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestEngine(c Classifier) *Engine {
	return NewEngine(c, log.Nop(), WithClock(func() time.Time { return fixedNow }))
}

type failingClassifier struct{}

func (failingClassifier) Classify(classify.Input) (classify.Classification, error) {
	return classify.Classification{}, classify.ErrClassification
}

func TestEvaluate_RelevanceFirst(t *testing.T) {
	t.Parallel()

	e := newTestEngine(nil)
	item := feed.RawItem{Title: "Ransomware advisory webinar", SourceName: "vendor", PublishedAt: fixedNow.Add(-time.Hour)}
	p := Policy{BlockedKeywords: []string{"webinar"}}

	d := e.Evaluate(context.Background(), item, p)
	if !d.Accepted {
		t.Fatalf("relevant item rejected: reason=%s detail=%s", d.Reason, d.Detail)
	}
	if d.Entry == nil || d.Entry.Classification.ThreatType != classify.ThreatRansomware {
		t.Errorf("entry = %+v, want ransomware classification", d.Entry)
	}
	if !d.Entry.FilteredAt.Equal(fixedNow) {
		t.Errorf("FilteredAt = %v, want %v", d.Entry.FilteredAt, fixedNow)
	}
}

func TestEvaluate_Pipeline(t *testing.T) {
	t.Parallel()

	e := newTestEngine(nil)
	recent := fixedNow.Add(-2 * time.Hour)

	tests := []struct {
		name   string
		item   feed.RawItem
		policy Policy
		want   Reason
	}{
		{
			name:   "too old",
			item:   feed.RawItem{Title: "Critical RCE patched", PublishedAt: fixedNow.Add(-72 * time.Hour)},
			policy: Policy{MaxAge: 48 * time.Hour},
			want:   ReasonTooOld,
		},
		{
			name:   "no publish time skips age check",
			item:   feed.RawItem{Title: "Critical RCE patched"},
			policy: Policy{MaxAge: 48 * time.Hour},
			want:   ReasonAccepted,
		},
		{
			name:   "blocked and irrelevant",
			item:   feed.RawItem{Title: "Join our sponsored webinar", PublishedAt: recent},
			policy: Policy{BlockedKeywords: []string{"Webinar"}},
			want:   ReasonBlocked,
		},
		{
			name:   "baseline keyword inside compound word is relevant",
			item:   feed.RawItem{Title: "Cyberattack briefing webinar", PublishedAt: recent},
			policy: Policy{BlockedKeywords: []string{"webinar"}},
			want:   ReasonAccepted,
		},
		{
			name:   "irrelevant without required keywords passes",
			item:   feed.RawItem{Title: "Conference schedule announced", PublishedAt: recent},
			policy: Policy{},
			want:   ReasonAccepted,
		},
		{
			name:   "required keywords reject irrelevant",
			item:   feed.RawItem{Title: "Ransomware hits school district", PublishedAt: recent},
			policy: Policy{RequiredKeywords: []string{"ics", "scada"}},
			want:   ReasonIrrelevant,
		},
		{
			name:   "required keywords replace baseline",
			item:   feed.RawItem{Title: "SCADA webinar series", PublishedAt: recent},
			policy: Policy{RequiredKeywords: []string{"scada"}, BlockedKeywords: []string{"webinar"}},
			want:   ReasonAccepted,
		},
		{
			name:   "custom relevance set",
			item:   feed.RawItem{Title: "Ransomware webinar", PublishedAt: recent},
			policy: Policy{RelevanceKeywords: []string{"kubernetes"}, BlockedKeywords: []string{"webinar"}},
			want:   ReasonBlocked,
		},
		{
			name:   "muted type",
			item:   feed.RawItem{Title: "Phishing campaign targets payroll", PublishedAt: recent},
			policy: Policy{MutedTypes: []classify.ThreatType{classify.ThreatPhishing}},
			want:   ReasonMutedType,
		},
		{
			name:   "below min severity",
			item:   feed.RawItem{Title: "Security awareness guidance", PublishedAt: recent},
			policy: Policy{MinSeverity: classify.SeverityMedium},
			want:   ReasonLowSeverity,
		},
		{
			name:   "priority keyword lifts over min severity",
			item:   feed.RawItem{Title: "Security awareness guidance for OT", PublishedAt: recent},
			policy: Policy{MinSeverity: classify.SeverityMedium, PriorityKeywords: []string{"ot"}},
			want:   ReasonAccepted,
		},
		{
			name:   "at min severity",
			item:   feed.RawItem{Title: "Critical zero-day", PublishedAt: recent},
			policy: Policy{MinSeverity: classify.SeverityCritical},
			want:   ReasonAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := e.Evaluate(context.Background(), tt.item, tt.policy)
			if d.Reason != tt.want {
				t.Errorf("Reason = %s (detail %q), want %s", d.Reason, d.Detail, tt.want)
			}
			if d.Accepted != (tt.want == ReasonAccepted) {
				t.Errorf("Accepted = %v for reason %s", d.Accepted, d.Reason)
			}
			if !d.Accepted && d.Entry != nil {
				t.Error("rejected decision should carry no entry")
			}
		})
	}
}

func TestEvaluate_FailOpen(t *testing.T) {
	t.Parallel()

	e := newTestEngine(failingClassifier{})
	item := feed.RawItem{Title: "Sponsored webinar", Link: "https://vendor.test/w", PublishedAt: fixedNow.Add(-500 * time.Hour)}

	d := e.Evaluate(context.Background(), item, Policy{MaxAge: time.Hour, BlockedKeywords: []string{"webinar"}})
	if !d.Accepted || d.Reason != ReasonFailOpen {
		t.Fatalf("decision = %+v, want fail-open acceptance", d)
	}
	if !d.Entry.Unclassified {
		t.Error("expected Unclassified entry")
	}
	if d.Entry.Item != item {
		t.Error("fail-open entry should carry the original item unchanged")
	}
	if d.Entry.ID != feed.ID(item) {
		t.Errorf("ID = %q, want %q", d.Entry.ID, feed.ID(item))
	}
	if d.Detail != classify.ErrClassification.Error() {
		t.Errorf("Detail = %q, want classifier error", d.Detail)
	}
}
