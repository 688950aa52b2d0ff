package classify

import (
	"fmt"
	"strings"
)

// Severity is an ordered severity level, Info lowest and Critical highest.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Priority maps severity to a 1 (critical) .. 5 (info) priority number.
func (s Severity) Priority() int {
	return int(SeverityCritical-s) + 1
}

// Escalate raises severity by exactly one level, saturating at Critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// AtLeast reports whether s is ordinally >= min.
func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range severityNames {
		if s == n {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q (want one of %s)", name, strings.Join(severityNames[:], ", "))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ThreatType is the category of threat an item describes.
type ThreatType string

const (
	ThreatRansomware    ThreatType = "ransomware"
	ThreatAPT           ThreatType = "apt"
	ThreatDataBreach    ThreatType = "data_breach"
	ThreatPhishing      ThreatType = "phishing"
	ThreatMalware       ThreatType = "malware"
	ThreatDDoS          ThreatType = "ddos"
	ThreatVulnerability ThreatType = "vulnerability"
	ThreatGeneral       ThreatType = "general"
)

// KnownThreatType reports whether t is one of the defined threat types.
func KnownThreatType(t ThreatType) bool {
	switch t {
	case ThreatRansomware, ThreatAPT, ThreatDataBreach, ThreatPhishing,
		ThreatMalware, ThreatDDoS, ThreatVulnerability, ThreatGeneral:
		return true
	}
	return false
}

// Indicators are the observables extracted from an item's text. Each list is
// de-duplicated and keeps first-seen order.
type Indicators struct {
	IPs     []string `json:"ips,omitempty"`
	Domains []string `json:"domains,omitempty"`
	CVEs    []string `json:"cves,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

// Count returns the total number of indicators.
func (i Indicators) Count() int {
	return len(i.IPs) + len(i.Domains) + len(i.CVEs) + len(i.Hashes) + len(i.URLs)
}

// Classification is the deterministic rule-based assessment of an item.
type Classification struct {
	Severity   Severity   `json:"severity"`
	ThreatType ThreatType `json:"threat_type"`
	Indicators Indicators `json:"indicators"`
	Confidence int        `json:"confidence"`
	// Escalated is set when a priority keyword raised the severity.
	Escalated bool `json:"escalated,omitempty"`
}

// Input is the text and source context the classifier looks at.
type Input struct {
	Title       string
	Description string
	// PriorityKeywords escalate severity one level when present.
	PriorityKeywords []string
	// Authoritative marks the source itself as authoritative.
	Authoritative bool
}
