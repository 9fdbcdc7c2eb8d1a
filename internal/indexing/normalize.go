package indexing

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalizeString implements case-folded, combining-stripped string
// normalization: decompose to NFD, drop combining marks (accents), then
// lowercase. "Müller" and "muller" normalize identically.
func normalizeString(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
