// Package classify assigns severity, threat type, indicators and a confidence
// score to feed items using deterministic keyword tables.
package classify

import (
	"errors"
	"fmt"
)

// ErrClassification marks an internal classifier failure. Callers fail open.
var ErrClassification = errors.New("classification failed")

// Classifier holds the compiled keyword tables. It is safe for concurrent use.
type Classifier struct {
	severity      []severityTable
	types         []compiledType
	authoritative *keywordSet
	technical     *keywordSet
}

type severityTable struct {
	level Severity
	set   *keywordSet
}

type compiledType struct {
	typ ThreatType
	set *keywordSet
}

// New compiles the built-in keyword tables.
func New() *Classifier {
	c := &Classifier{
		severity: []severityTable{
			{SeverityCritical, newKeywordSet(criticalKeywords...)},
			{SeverityHigh, newKeywordSet(highKeywords...)},
			{SeverityMedium, newKeywordSet(mediumKeywords...)},
			{SeverityLow, newKeywordSet(lowKeywords...)},
		},
		authoritative: newKeywordSet(authoritativeKeywords...),
		technical:     newKeywordSet(technicalKeywords...),
	}
	for _, r := range typeRules {
		c.types = append(c.types, compiledType{typ: r.Type, set: newKeywordSet(r.Keywords...)})
	}
	return c
}

var defaultClassifier = New()

// DetectSeverity classifies severity with the built-in tables and no priority
// keywords.
func DetectSeverity(title, description string) Severity {
	return defaultClassifier.severityOf(Normalize(title, description))
}

// Classify computes the full classification of in. It never panics; an
// internal failure is reported as ErrClassification along with whatever
// partial result was computed.
func (c *Classifier) Classify(in Input) (cl Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrClassification, r)
		}
	}()

	text := Normalize(in.Title, in.Description)

	cl.Severity = c.severityOf(text)
	if _, ok := text.FirstMatch(in.PriorityKeywords); ok {
		cl.Severity = cl.Severity.Escalate()
		cl.Escalated = true
	}
	cl.ThreatType = c.threatTypeOf(text)
	cl.Indicators = ExtractIndicators(in.Title + "\n" + in.Description)
	cl.Confidence = c.confidence(text, cl, in.Authoritative)
	return cl, nil
}

func (c *Classifier) severityOf(t Text) Severity {
	for _, tbl := range c.severity {
		if tbl.set.any(t) {
			return tbl.level
		}
	}
	return SeverityInfo
}

func (c *Classifier) threatTypeOf(t Text) ThreatType {
	for _, ct := range c.types {
		if ct.set.any(t) {
			return ct.typ
		}
	}
	return ThreatGeneral
}

func (c *Classifier) confidence(t Text, cl Classification, authoritativeSource bool) int {
	score := confidenceBase
	if cl.ThreatType != ThreatGeneral {
		score += confidenceTyped
	}
	if cl.Severity >= SeverityHigh {
		score += confidenceSevere
	}
	if authoritativeSource || c.authoritative.any(t) {
		score += confidenceAuthoritative
	}
	if c.technical.any(t) {
		score += confidenceTechnical
	}
	return min(score, confidenceMax)
}
