package survey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"thankyou-survey/internal/survey"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"My Title":          "mytitle",
		"mytitle":           "mytitle",
		" MY   TITLE ":      "mytitle",
		"Favorite\tColor\n": "favoritecolor",
		"":                  "",
		"Größe Wahl":        "größewahl",
		"a\u00a0b\u2003c":   "abc",
		"\uFEFFcolor":       "color",
	}
	for in, want := range cases {
		assert.Equal(t, want, survey.Sanitize(in), "Sanitize(%q)", in)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	for _, in := range []string{"My Title", " How did you HEAR about us? ", "x y\tz"} {
		once := survey.Sanitize(in)
		assert.Equal(t, once, survey.Sanitize(once))
	}
}
