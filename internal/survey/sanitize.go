package survey

import (
	"strings"
	"unicode"
)

// Sanitize turns a question title into the metafield key used for its answers:
// every whitespace rune is removed and the rest is lowercased.
func Sanitize(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if unicode.IsSpace(r) || r == '\uFEFF' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
