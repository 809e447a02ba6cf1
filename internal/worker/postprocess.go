package worker

import (
	"regexp"
	"strings"
)

var (
	headerSpacing  = regexp.MustCompile(`(?m)^(#{1,6})([^#\s])`)
	excessBlanks   = regexp.MustCompile(`\n{3,}`)
	trailingSpaces = regexp.MustCompile(`(?m)[ \t]+$`)
)

// NormalizeMarkdown massages generated output into the structural contract
// the rest of the product expects: headers with a space after the hashes, at
// most one blank line between blocks, no trailing whitespace.
func NormalizeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = headerSpacing.ReplaceAllString(s, "$1 $2")
	s = trailingSpaces.ReplaceAllString(s, "")
	s = excessBlanks.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
