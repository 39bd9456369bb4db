package genai

import "strings"

// PreviewLimit is the maximum preview length in runes.
const PreviewLimit = 200

const ellipsis = "…"

// NormalizeText collapses every whitespace run to a single space and trims
// the result. Applying it twice is a no-op.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TruncateText cuts text to at most limit runes. A plain prefix cut keeps
// the operation idempotent: truncating already-truncated text changes nothing.
func TruncateText(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// clip shortens text to at most limit runes, replacing any trailing
// punctuation with a single typographic ellipsis when a cut happens.
func clip(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	snippet := strings.TrimRight(string(runes[:limit-1]), " \t.,;:!?"+ellipsis)
	return snippet + ellipsis
}
