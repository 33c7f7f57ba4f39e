// Package textx provides small text utilities shared across the project.
package textx

import (
	"strings"
)

// SanitizeText makes order-provided text safe for ESC/POS rendering:
// CRLF is normalised to LF, control characters other than tab/newline are
// stripped (so payload content cannot carry printer commands), and the
// result is trimmed.
func SanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Clamp bounds s to max runes, marking the cut with a trailing ellipsis
// character when anything was dropped. max < 1 clamps to empty.
func Clamp(s string, max int) string {
	if max < 1 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// Line returns sanitized text clamped to one printable line of the given
// width: newlines collapse to spaces first.
func Line(s string, width int) string {
	s = SanitizeText(s)
	s = strings.ReplaceAll(s, "\n", " ")
	return Clamp(s, width)
}
