// Package textnorm folds free text for matching and for ASCII-only output.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var replacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`,
	"–", "-", "—", "-", "−", "-",
	"…", "...", "€", "EUR", " ", " ",
	"ß", "ss", "æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE", "ø", "o", "Ø", "O",
)

// StripMarks maps typographic punctuation to ASCII look-alikes and removes
// diacritics ("café" -> "cafe"). Other non-ASCII runes are kept.
func StripMarks(s string) string {
	s = replacer.Replace(s)
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// ASCII folds s and drops whatever is still outside printable ASCII,
// keeping newlines and tabs.
func ASCII(s string) string {
	s = StripMarks(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\r':
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Words lowercases, folds, drops apostrophes and turns every other
// non-alphanumeric rune into a single space. The result is padded with one
// space on each side so callers can match whole phrases with
// strings.Contains(Words(text), Words(phrase)).
func Words(s string) string {
	s = strings.ToLower(StripMarks(s))
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range s {
		switch {
		case r == '\'':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
