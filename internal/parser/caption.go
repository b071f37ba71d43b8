// Package parser turns the captioning model's free-form markdown output
// into a flat caption plus search tags. The output shape drifts between
// model versions, so sections are located with a forgiving grammar and a
// fallback path always produces something usable.
package parser

import (
	"regexp"
	"strings"
)

var (
	// markerRegex strips markdown emphasis, heading and list markers when
	// flattening the caption body.
	markerRegex = regexp.MustCompile(`(?m)^\s*(?:#{1,6}\s*|[-*+]\s+|\d+\.\s+)|\*\*|__|\x60`)

	// whitespaceRegex collapses runs of whitespace
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// wordTokenRegex extracts plain word tokens for the fallback tag path
	wordTokenRegex = regexp.MustCompile(`[A-Za-z][A-Za-z0-9'-]*`)
)

const (
	maxCaptionLen         = 1500
	maxFallbackCaptionLen = 500
	maxTags               = 20
	maxTagLen             = 30
	maxFallbackTags       = 10
)

// ParsedCaption is the structured result of parsing a model response
type ParsedCaption struct {
	Caption  string
	Tags     []string
	Fallback bool
}

// canonical section names, matched case-insensitively with loose spelling
// of the OCR suffix
var knownSections = []string{
	"subjects",
	"actions",
	"setting",
	"visual attributes",
	"visible text",
	"notable details",
	"search keywords",
}

// Parse extracts a caption and tags from the model's markdown response. If
// no labeled sections can be located the fallback path returns the
// whitespace-normalized raw text and word-extracted tags.
func Parse(raw string) *ParsedCaption {
	sections := locateSections(raw)

	keywords, hasKeywords := sections["search keywords"]
	subjects, hasSubjects := sections["subjects"]

	if !hasKeywords && !hasSubjects {
		return fallbackParse(raw)
	}

	tags := make([]string, 0, maxTags)
	seen := make(map[string]bool)

	if hasKeywords {
		for _, kw := range strings.Split(keywords, ",") {
			tag := normalizeTag(kw)
			if tag == "" || len(tag) > maxTagLen || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	// Union in the first five subject tokens so short keyword lists still
	// cover the main subjects.
	if hasSubjects {
		count := 0
		for _, tok := range strings.Fields(strings.ReplaceAll(subjects, ",", " ")) {
			if count >= 5 {
				break
			}
			count++
			tag := normalizeTag(tok)
			if tag == "" || len(tag) > maxTagLen || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}

	caption := flatten(raw)
	if len(caption) > maxCaptionLen {
		caption = caption[:maxCaptionLen]
	}

	return &ParsedCaption{Caption: caption, Tags: tags}
}

// locateSections splits the response into sections keyed by canonical name.
func locateSections(raw string) map[string]string {
	sections := make(map[string]string)
	lines := strings.Split(raw, "\n")

	current := ""
	var body []string

	flush := func() {
		if current != "" {
			content := strings.TrimSpace(strings.Join(body, " "))
			if content != "" {
				sections[current] = content
			}
		}
		body = body[:0]
	}

	for _, line := range lines {
		name, rest, ok := matchSectionHeader(line)
		if ok {
			flush()
			current = name
			if rest != "" {
				body = append(body, rest)
			}
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()

	return sections
}

// matchSectionHeader reports whether a line opens a known section, returning
// the canonical name and any content following an inline "Name: value" form.
func matchSectionHeader(line string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", "", false
	}

	stripped := strings.TrimLeft(trimmed, "#*- ")
	lower := strings.ToLower(stripped)

	for _, section := range knownSections {
		if !strings.HasPrefix(lower, section) {
			continue
		}
		tail := stripped[len(section):]
		// Allow "(OCR)" style suffixes between the name and the colon.
		tail = strings.TrimSpace(strings.TrimLeft(tail, "*"))
		if strings.HasPrefix(tail, "(") {
			if end := strings.Index(tail, ")"); end > 0 {
				tail = strings.TrimSpace(tail[end+1:])
			}
		}
		tail = strings.TrimLeft(tail, "*")
		if tail == "" {
			return section, "", true
		}
		if strings.HasPrefix(tail, ":") {
			return section, strings.TrimSpace(strings.Trim(tail[1:], "* ")), true
		}
	}
	return "", "", false
}

// flatten strips markdown markers and collapses whitespace
func flatten(raw string) string {
	s := markerRegex.ReplaceAllString(raw, "")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// normalizeTag lowercases a keyword and hyphenates internal spaces
func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".*-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// fallbackParse handles responses where no sections could be located:
// the whole text becomes the caption and distinct word tokens become tags.
func fallbackParse(raw string) *ParsedCaption {
	caption := flatten(raw)
	if len(caption) > maxFallbackCaptionLen {
		caption = caption[:maxFallbackCaptionLen]
	}

	seen := make(map[string]bool)
	var tags []string
	for _, tok := range wordTokenRegex.FindAllString(caption, -1) {
		if len(tags) >= maxFallbackTags {
			break
		}
		tag := strings.ToLower(tok)
		if len(tag) < 3 || len(tag) > 15 || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	return &ParsedCaption{Caption: caption, Tags: tags, Fallback: true}
}
