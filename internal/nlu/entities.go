package nlu

import (
	"regexp"
	"strings"

	"eric_assistant/pkg"
)

// Entity keys produced by PatternExtractor
const (
	EntityDate        = "date"
	EntityDescription = "description"
	EntityQuery       = "query"
)

const monthNames = `january|february|march|april|may|june|july|august|september|october|november|december`

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
	regexp.MustCompile(`\b(?:` + monthNames + `)\s+\d{1,2}(?:st|nd|rd|th)?\b`),
	regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?(?:` + monthNames + `)\b`),
	regexp.MustCompile(`\b(?:today|tomorrow|next week|next month)\b`),
}

var (
	eventMarkers = markerPatterns("remember", "remind", "event", "appointment")
	musicMarkers = markerPatterns("play", "song", "music", "artist")

	// filler left around the description once the marker and date are cut out
	leadingFiller  = map[string]bool{"me": true, "to": true, "that": true, "about": true, "of": true, "for": true, "on": true, "at": true}
	trailingFiller = map[string]bool{"on": true, "at": true, "for": true, "of": true, "about": true, "to": true, "by": true}
)

// markerPatterns match a marker as the start of a word and consume the rest of that word
func markerPatterns(markers ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(markers))
	for _, m := range markers {
		out = append(out, regexp.MustCompile(`\b`+regexp.QuoteMeta(m)+`\w*`))
	}
	return out
}

// PatternExtractor extracts slots with regular expressions and marker words
type PatternExtractor struct{}

var _ pkg.EntityExtractor = PatternExtractor{}

// NewPatternExtractor creates the default entity extractor
func NewPatternExtractor() PatternExtractor {
	return PatternExtractor{}
}

// Extract returns an empty map when nothing matches
func (PatternExtractor) Extract(text, intent string) map[string]string {
	entities := make(map[string]string)
	lower := strings.ToLower(text)

	switch intent {
	case IntentRememberEvent:
		date := ""
		for _, p := range datePatterns {
			if m := p.FindString(lower); m != "" {
				date = m
				entities[EntityDate] = m
				break
			}
		}
		if rest, ok := after(lower, eventMarkers); ok {
			if date != "" {
				rest = strings.Replace(rest, date, " ", 1)
			}
			if desc := trimFiller(rest); desc != "" {
				entities[EntityDescription] = desc
			}
		}
	case IntentPlayMusic:
		if rest, ok := after(lower, musicMarkers); ok {
			if query := strings.TrimSpace(strings.Trim(rest, ".!?")); query != "" {
				entities[EntityQuery] = query
			}
		}
	}
	return entities
}

// after returns the text following the first marker (in marker order) that appears
func after(lower string, markers []*regexp.Regexp) (string, bool) {
	for _, marker := range markers {
		if loc := marker.FindStringIndex(lower); loc != nil {
			return lower[loc[1]:], true
		}
	}
	return "", false
}

func trimFiller(s string) string {
	words := strings.Fields(strings.Trim(s, " .!?,"))
	for len(words) > 0 && leadingFiller[strings.Trim(words[0], ",")] {
		words = words[1:]
	}
	for len(words) > 0 && trailingFiller[strings.Trim(words[len(words)-1], ",")] {
		words = words[:len(words)-1]
	}
	return strings.Trim(strings.Join(words, " "), " .!?,")
}
