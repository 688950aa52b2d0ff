package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Text is case-folded, NFKC-normalized text with every run of non
// letter/digit characters collapsed to one space and a space on each end.
// Keywords match as substrings ("exploit" in "exploiting", "attack" in
// "cyberattack"), except short single-token keywords, which match whole
// words only so "rce" does not hit "source" or "apt" hit "chapter".
type Text string

// shortKeywordLen is the longest single-token keyword matched on word
// boundaries.
const shortKeywordLen = 4

// Normalize builds a Text from any number of fragments.
func Normalize(parts ...string) Text {
	joined := strings.Join(parts, " ")
	folded := cases.Fold().String(norm.NFKC.String(joined))

	var b strings.Builder
	b.Grow(len(folded) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return Text(b.String())
}

// normalizeKeyword turns a keyword into its matching form: bare for
// substring matching, space-padded for short tokens. Blank keywords
// normalize to "".
func normalizeKeyword(kw string) string {
	padded := string(Normalize(kw))
	bare := strings.TrimSpace(padded)
	switch {
	case bare == "":
		return ""
	case !strings.Contains(bare, " ") && utf8.RuneCountInString(bare) <= shortKeywordLen:
		return padded
	default:
		return bare
	}
}

// Contains reports whether the keyword occurs in t.
func (t Text) Contains(keyword string) bool {
	kw := normalizeKeyword(keyword)
	return kw != "" && strings.Contains(string(t), kw)
}

// FirstMatch returns the first keyword (in list order) found in t.
func (t Text) FirstMatch(keywords []string) (string, bool) {
	for _, kw := range keywords {
		if t.Contains(kw) {
			return kw, true
		}
	}
	return "", false
}
