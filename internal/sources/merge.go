package sources

import (
	"time"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/filter"
)

// PolicyFor resolves the effective filter policy for s: every field set on
// the source's policy wins, everything else falls back to the defaults.
func (f *File) PolicyFor(s Source) filter.Policy {
	merged := merge(f.Defaults, s.Policy)

	p := filter.Policy{
		RelevanceKeywords: merged.RelevanceKeywords,
		RequiredKeywords:  merged.RequiredKeywords,
		BlockedKeywords:   merged.BlockedKeywords,
		PriorityKeywords:  s.PriorityKeywords,
		Authoritative:     s.Authoritative,
	}
	if merged.MaxAgeHours != nil {
		p.MaxAge = time.Duration(*merged.MaxAgeHours) * time.Hour
	}
	if merged.MinSeverity != nil {
		// validated at load time
		p.MinSeverity, _ = classify.ParseSeverity(*merged.MinSeverity)
	}
	for _, t := range merged.MutedTypes {
		p.MutedTypes = append(p.MutedTypes, classify.ThreatType(t))
	}
	return p
}

func merge(global, override Policy) Policy {
	out := global
	if override.MaxAgeHours != nil {
		out.MaxAgeHours = override.MaxAgeHours
	}
	if override.RelevanceKeywords != nil {
		out.RelevanceKeywords = override.RelevanceKeywords
	}
	if override.RequiredKeywords != nil {
		out.RequiredKeywords = override.RequiredKeywords
	}
	if override.BlockedKeywords != nil {
		out.BlockedKeywords = override.BlockedKeywords
	}
	if override.MutedTypes != nil {
		out.MutedTypes = override.MutedTypes
	}
	if override.MinSeverity != nil {
		out.MinSeverity = override.MinSeverity
	}
	return out
}
