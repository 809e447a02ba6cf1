// Package chunk splits long free-form text into pieces small enough for
// provider request limits without breaking paragraphs apart.
package chunk

import (
	"strings"
)

// Split partitions text into chunks of at most maxLen characters by greedily
// packing paragraphs (blank-line separated blocks). A paragraph is never split:
// one longer than maxLen is returned as an oversize chunk of its own. The
// function is deterministic and preserves paragraph order.
func Split(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	paragraphs := Paragraphs(text)
	chunks := make([]string, 0, len(text)/maxLen+1)
	var buf strings.Builder

	for _, p := range paragraphs {
		need := len(p)
		if buf.Len() > 0 {
			need += buf.Len() + 2 // joining "\n\n"
		}
		if need > maxLen && buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

// Paragraphs returns the non-empty blank-line separated blocks of text,
// each trimmed of surrounding whitespace.
func Paragraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// First returns the first chunk of text at the given limit, or the empty
// string when text is blank. Used for the job-description side, where only
// the leading chunk is sent with every CV chunk.
func First(text string, maxLen int) string {
	chunks := Split(text, maxLen)
	if len(chunks) == 0 {
		return ""
	}
	return chunks[0]
}
