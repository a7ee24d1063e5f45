// Package naming turns display names into filesystem-friendly slugs.
package naming

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	disallowed = regexp.MustCompile(`[^\w\s-]`)
	separators = regexp.MustCompile(`[-\s]+`)
)

// toASCII decomposes accented letters and drops whatever is left outside
// ASCII, so "Café" becomes "Cafe".
func toASCII(s string) string {
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func slug(s string) string {
	s = disallowed.ReplaceAllString(strings.ToLower(s), "")
	return strings.Trim(separators.ReplaceAllString(s, "-"), "-_")
}

// Slugify lowercases s, keeps ASCII letters, digits, underscores and hyphens,
// and collapses runs of spaces and hyphens into one hyphen.
func Slugify(s string) string {
	return slug(toASCII(s))
}

// SlugifyFilename slugs the stem and the extension of name separately so the
// extension survives. An empty result falls back to the original name.
func SlugifyFilename(name string) string {
	ascii := toASCII(strings.TrimSpace(name))
	ext := filepath.Ext(ascii)
	stem := slug(strings.TrimSuffix(ascii, ext))
	if e := slug(ext); e != "" {
		stem += "." + e
	}
	if stem == "" || strings.HasPrefix(stem, ".") {
		return name
	}
	return stem
}
