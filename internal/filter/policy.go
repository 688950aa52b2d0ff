package filter

import (
	"time"

	"github.com/linnemanlabs/intelfeed/internal/classify"
)

// DefaultRelevanceKeywords is the baseline relevance set used when a source
// has no required keywords and the global policy does not override it.
var DefaultRelevanceKeywords = []string{
	"vulnerability", "vulnerabilities", "exploit", "exploited", "zero-day", "cve",
	"malware", "ransomware", "phishing", "breach", "backdoor", "botnet", "trojan",
	"apt", "threat actor", "attack", "campaign", "patch", "security update",
	"advisory", "compromise", "compromised", "ddos", "spyware", "infostealer",
}

// Policy is the resolved (global merged with per-source) policy for one
// source. Zero values disable the corresponding check.
type Policy struct {
	MaxAge            time.Duration
	RelevanceKeywords []string
	RequiredKeywords  []string
	BlockedKeywords   []string
	MutedTypes        []classify.ThreatType
	MinSeverity       classify.Severity

	// Classifier context carried with the policy.
	PriorityKeywords []string
	Authoritative    bool
}

func (p Policy) muted(t classify.ThreatType) bool {
	for _, m := range p.MutedTypes {
		if m == t {
			return true
		}
	}
	return false
}

// relevanceSet returns the keywords that make an item relevant: the source's
// required keywords when set, else the baseline relevance set.
func (p Policy) relevanceSet() (keywords []string, required bool) {
	if len(p.RequiredKeywords) > 0 {
		return p.RequiredKeywords, true
	}
	if len(p.RelevanceKeywords) > 0 {
		return p.RelevanceKeywords, false
	}
	return DefaultRelevanceKeywords, false
}
