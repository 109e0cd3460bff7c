package grading

import (
	"strings"

	"golang.org/x/text/cases"
)

// normalize trims surrounding whitespace and applies full Unicode case folding.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
