package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// EntryID is the stable identity of a feed item across runs.
type EntryID string

// ID computes the EntryID of r. Priority: explicit GUID, normalized link,
// then a sha256 of "title|publishedAt". It never fails.
//
// GUIDs that are absolute http(s) URLs are normalized the same way links are,
// since many feeds publish the permalink (tracking params included) as GUID.
func ID(r RawItem) EntryID {
	if guid := strings.TrimSpace(r.GUID); guid != "" {
		if n, ok := normalizeURL(guid); ok {
			return EntryID(n)
		}
		return EntryID(guid)
	}
	if n, ok := normalizeURL(r.Link); ok {
		return EntryID(n)
	}
	return EntryID(contentHash(r.Title, r.PublishedAt))
}

// NormalizeLink returns scheme://host/path lowercased with query, fragment and
// trailing slash removed. ok is false when s is not an absolute http(s) URL.
func NormalizeLink(s string) (string, bool) {
	return normalizeURL(s)
}

func normalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", false
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return strings.ToLower(scheme + "://" + u.Host + path), true
}

func contentHash(title string, published time.Time) string {
	ts := ""
	if !published.IsZero() {
		ts = published.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(title) + "|" + ts))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (id EntryID) String() string { return string(id) }
