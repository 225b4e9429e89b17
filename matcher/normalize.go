package matcher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName case-folds s, strips diacritics and collapses whitespace.
// "  José   ÁLVAREZ " becomes "jose alvarez".
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

// SplitDisplayName splits TA's "Last, First" display name. A name without a
// comma is treated as a last name only.
func SplitDisplayName(display string) (last, first string) {
	if i := strings.Index(display, ","); i >= 0 {
		return strings.TrimSpace(display[:i]), strings.TrimSpace(display[i+1:])
	}
	return strings.TrimSpace(display), ""
}
