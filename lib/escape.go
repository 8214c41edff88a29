package lib

import "strings"

// Snippet trims the text and limits it to n runes so that server responses
// can be embedded into error messages without flooding logs.
func Snippet(t string, n int) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "(empty)"
	}
	var b strings.Builder
	count := 0
	for _, r := range t {
		if count >= n {
			b.WriteString("... (truncated)")
			return b.String()
		}
		if r == '\n' || r == '\r' {
			r = ' '
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
