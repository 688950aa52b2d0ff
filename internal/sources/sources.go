// Package sources loads the YAML file that lists the feeds to poll and the
// global and per-source filtering policy applied to their items.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/intelfeed/internal/classify"
	"github.com/linnemanlabs/intelfeed/internal/feed"
)

// Policy is a set of filter knobs. Nil fields are unset so a per-source
// policy can be merged over the global defaults field by field.
type Policy struct {
	MaxAgeHours       *int     `yaml:"max_age_hours,omitempty"`
	RelevanceKeywords []string `yaml:"relevance_keywords,omitempty"`
	RequiredKeywords  []string `yaml:"required_keywords,omitempty"`
	BlockedKeywords   []string `yaml:"blocked_keywords,omitempty"`
	MutedTypes        []string `yaml:"muted_types,omitempty"`
	MinSeverity       *string  `yaml:"min_severity,omitempty"`
}

// Source is one configured feed.
type Source struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"`
	URL              string   `yaml:"url"`
	Enabled          *bool    `yaml:"enabled,omitempty"`
	PriorityKeywords []string `yaml:"priority_keywords,omitempty"`
	Authoritative    bool     `yaml:"authoritative,omitempty"`
	Policy           Policy   `yaml:"policy,omitempty"`
}

// IsEnabled reports whether the source should be fetched. Sources are enabled
// unless explicitly disabled.
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FeedSource converts to the adapter-facing view.
func (s Source) FeedSource() feed.Source {
	return feed.Source{Name: s.Name, Kind: s.Kind, URL: s.URL}
}

// File is the root of the sources YAML document.
type File struct {
	Defaults Policy   `yaml:"defaults"`
	Sources  []Source `yaml:"sources"`
}

// Load reads, defaults and validates a sources file. knownKinds lists the
// adapter kinds that are registered; an empty list skips the kind check.
func Load(path string, knownKinds []string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sources: read %s: %w", path, err)
	}
	return Parse(data, knownKinds)
}

// Parse decodes a sources document from memory.
func Parse(data []byte, knownKinds []string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sources: parse yaml: %w", err)
	}
	f.setDefaults()
	if err := f.Validate(knownKinds); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) setDefaults() {
	for i := range f.Sources {
		s := &f.Sources[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Kind == "" {
			s.Kind = "rss"
		}
	}
}

// Validate checks the file for structural errors and reports all of them.
func (f *File) Validate(knownKinds []string) error {
	var errs []error

	if err := f.Defaults.validate("defaults"); err != nil {
		errs = append(errs, err)
	}

	kinds := make(map[string]bool, len(knownKinds))
	for _, k := range knownKinds {
		kinds[k] = true
	}

	names := make(map[string]bool, len(f.Sources))
	for i, s := range f.Sources {
		where := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else {
			where = fmt.Sprintf("source %q", s.Name)
			if names[s.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", where))
			}
			names[s.Name] = true
		}

		u, err := url.Parse(s.URL)
		if s.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: url must be an absolute http(s) URL, got %q", where, s.URL))
		}

		if len(kinds) > 0 && !kinds[s.Kind] {
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", where, s.Kind))
		}

		if err := s.Policy.validate(where + " policy"); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p Policy) validate(where string) error {
	var errs []error
	if p.MaxAgeHours != nil && *p.MaxAgeHours < 0 {
		errs = append(errs, fmt.Errorf("%s: max_age_hours must be non-negative", where))
	}
	if p.MinSeverity != nil {
		if _, err := classify.ParseSeverity(*p.MinSeverity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	for _, t := range p.MutedTypes {
		if !classify.KnownThreatType(classify.ThreatType(t)) {
			errs = append(errs, fmt.Errorf("%s: unknown muted type %q", where, t))
		}
	}
	return errors.Join(errs...)
}

// Enabled returns the enabled sources in file order.
func (f *File) Enabled() []Source {
	out := make([]Source, 0, len(f.Sources))
	for _, s := range f.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Lookup finds a source by name.
func (f *File) Lookup(name string) (Source, bool) {
	for _, s := range f.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}
