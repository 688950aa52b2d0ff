package classify

import (
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"
)

// keywordSet matches a fixed keyword table against normalized text in a
// single Aho-Corasick pass. The underlying matcher keeps per-call state, so
// Match is serialized.
type keywordSet struct {
	mu       sync.Mutex
	keywords []string // matching forms, see normalizeKeyword
	matcher  *ahocorasick.Matcher
}

func newKeywordSet(keywords ...string) *keywordSet {
	ks := &keywordSet{keywords: make([]string, 0, len(keywords))}
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		n := normalizeKeyword(kw)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		ks.keywords = append(ks.keywords, n)
	}
	if len(ks.keywords) > 0 {
		ks.matcher = ahocorasick.NewStringMatcher(ks.keywords)
	}
	return ks
}

// any reports whether at least one keyword occurs in t.
func (k *keywordSet) any(t Text) bool {
	return len(k.match(t)) > 0
}

// match returns the normalized keywords found in t, in table order.
func (k *keywordSet) match(t Text) []string {
	if k.matcher == nil {
		return nil
	}
	k.mu.Lock()
	hits := k.matcher.Match([]byte(t))
	k.mu.Unlock()
	if len(hits) == 0 {
		return nil
	}

	found := make(map[int]bool, len(hits))
	for _, h := range hits {
		found[h] = true
	}
	out := make([]string, 0, len(found))
	for i, kw := range k.keywords {
		if found[i] {
			out = append(out, kw)
		}
	}
	return out
}
