package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeTitle cleans up a display string coming out of the portal:
// ideographic spaces (U+3000) become ASCII spaces, inner whitespace runs
// collapse to a single space and the ends are trimmed.
func NormalizeTitle(s string) string {
	s = strings.ReplaceAll(s, "　", " ")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.Trim(s, " ")
}

// NormalizeKey produces a lookup key for matching titles across pages
// that render the same lesson with differing whitespace.
func NormalizeKey(s string) string {
	s = strings.ReplaceAll(s, "　", "")
	s = whitespaceRegex.ReplaceAllString(s, "")
	return s
}
