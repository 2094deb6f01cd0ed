// Package normalize canonicalizes raw row values and derives record content and fingerprints.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// invisible runes are removed outright.
var invisible = map[rune]bool{
	'\u00ad': true, // soft hyphen
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u200e': true,
	'\u200f': true,
	'\u2060': true,
	'\ufeff': true,
}

// folded runes are replaced by an ASCII equivalent.
var folded = map[rune]rune{
	'\u00a0': ' ', // no-break space
	'\u2007': ' ',
	'\u202f': ' ',
	'\u201c': '"',
	'\u201d': '"',
	'\u201e': '"',
	'\u201f': '"',
	'\u00ab': '"',
	'\u00bb': '"',
	'\u2018': '\'',
	'\u2019': '\'',
	'\u201a': '\'',
	'\u201b': '\'',
	'\u2010': '-',
	'\u2011': '-',
	'\u2012': '-',
	'\u2013': '-',
	'\u2014': '-',
	'\u2015': '-',
	'\u2212': '-',
}

// Text canonicalizes a single text value: invisible characters are stripped,
// typographic quotes, dashes and no-break spaces fold to ASCII, the result is
// NFC-composed, then trimmed with inner whitespace runs collapsed to one space.
func Text(s string) string {
	// Transformers carry state, so the chain is built per call.
	t := transform.Chain(
		runes.Remove(runes.Predicate(func(r rune) bool { return invisible[r] })),
		runes.Map(func(r rune) rune {
			if f, ok := folded[r]; ok {
				return f
			}
			return r
		}),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return collapseSpace(out)
}

// collapseSpace trims text and collapses whitespace runs to a single space.
func collapseSpace(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	b.Grow(len(text))
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}
