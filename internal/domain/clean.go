package domain

import (
	"encoding/json"
	"strings"
)

// CleanCaption normalizes captions stored by earlier releases. Some rows
// carry HTML-entity-encoded text, some carry the raw model output wrapped in
// ```json fences, and some carry a serialized {"caption":"..."} object.
// The read path treats the stored value as opaque and cleans it on the way
// out; writers emit plain text.
func CleanCaption(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&#39;", "'")

	s = stripCodeFences(s)

	// Unwrap {"caption":"..."} shapes left by the JSON-era writer.
	if strings.HasPrefix(s, "{") && strings.Contains(s, `"caption"`) {
		var wrapped struct {
			Caption string `json:"caption"`
		}
		if err := json.Unmarshal([]byte(s), &wrapped); err == nil && wrapped.Caption != "" {
			s = wrapped.Caption
		}
	}

	return strings.TrimSpace(s)
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
