package gemini

import (
	"regexp"
	"strings"
)

var spaceRunRegex = regexp.MustCompile(`\s+`)

// NormalizeText prepares text for embedding: trim, lowercase, collapse
// whitespace. The ingest and query paths MUST normalize identically or the
// embedding space drifts between them; both call this function.
func NormalizeText(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return spaceRunRegex.ReplaceAllString(s, " ")
}
