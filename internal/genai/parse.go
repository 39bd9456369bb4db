package genai

import (
	"encoding/json"
	"strings"
)

// Parse turns a raw backend response into the canonical content for the
// given artifact type. It is total: missing or mistyped fields degrade to
// empty values, never to an error, and fields we do not model are kept
// under Content.Metadata.
func Parse(t ArtifactType, raw json.RawMessage) Parsed {
	fields := map[string]any{}
	// A body that is not a JSON object parses to an empty artifact.
	_ = json.Unmarshal(raw, &fields)

	switch t {
	case TypeSummary:
		return parseSummary(fields)
	case TypeKeyPoints:
		return parseKeyPoints(fields)
	case TypeQuiz:
		return parseQuiz(fields)
	case TypeFlashcards:
		return parseFlashcards(fields)
	default:
		return Parsed{Content: Content{Type: t, Metadata: metadata(fields)}}
	}
}

func parseSummary(fields map[string]any) Parsed {
	content := Content{
		Type:      TypeSummary,
		Summary:   asString(fields["summary"]),
		WordCount: asInt(fields["word_count"]),
	}
	content.Metadata = metadata(fields, "summary", "word_count", "confidence")
	return Parsed{
		Content:    content,
		Confidence: asFloatPtr(fields["confidence"]),
		Preview:    Preview(content),
	}
}

func parseKeyPoints(fields map[string]any) Parsed {
	points := asStringSlice(fields["keypoints"])
	content := Content{
		Type:      TypeKeyPoints,
		KeyPoints: points,
		Count:     countOr(fields["count"], len(points)),
	}
	content.Metadata = metadata(fields, "keypoints", "count", "confidence")
	return Parsed{
		Content:    content,
		Confidence: asFloatPtr(fields["confidence"]),
		Preview:    Preview(content),
	}
}

func parseQuiz(fields map[string]any) Parsed {
	var questions []QuizQuestion
	for _, item := range asSlice(fields["questions"]) {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := QuizQuestion{
			Question:      asString(entry["question"]),
			Options:       asStringSlice(entry["options"]),
			CorrectAnswer: asString(entry["correct_answer"]),
			Explanation:   asString(entry["explanation"]),
		}
		if q.Question == "" {
			continue
		}
		questions = append(questions, q)
	}
	content := Content{
		Type:      TypeQuiz,
		Questions: questions,
		Count:     countOr(fields["count"], len(questions)),
	}
	content.Metadata = metadata(fields, "questions", "count", "confidence")
	return Parsed{
		Content:    content,
		Confidence: asFloatPtr(fields["confidence"]),
		Preview:    Preview(content),
	}
}

func parseFlashcards(fields map[string]any) Parsed {
	var cards []Flashcard
	for _, item := range asSlice(fields["flashcards"]) {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		card := Flashcard{
			Front: asString(entry["front"]),
			Back:  asString(entry["back"]),
		}
		if card.Front == "" && card.Back == "" {
			continue
		}
		cards = append(cards, card)
	}
	content := Content{
		Type:       TypeFlashcards,
		Flashcards: cards,
		Count:      countOr(fields["count"], len(cards)),
	}
	content.Metadata = metadata(fields, "flashcards", "count", "confidence")
	return Parsed{
		Content:    content,
		Confidence: asFloatPtr(fields["confidence"]),
		Preview:    Preview(content),
	}
}

// Preview returns the first PreviewLimit runes of the most salient text
// field for the content type: summary text, first key point, first
// question's prompt, or first flashcard's front. Empty when no such field
// carries text.
func Preview(content Content) string {
	var salient string
	switch content.Type {
	case TypeSummary:
		salient = content.Summary
	case TypeKeyPoints:
		if len(content.KeyPoints) > 0 {
			salient = content.KeyPoints[0]
		}
	case TypeQuiz:
		if len(content.Questions) > 0 {
			salient = content.Questions[0].Question
		}
	case TypeFlashcards:
		if len(content.Flashcards) > 0 {
			salient = content.Flashcards[0].Front
		}
	}
	salient = strings.TrimSpace(salient)
	if salient == "" {
		return ""
	}
	return clip(salient, PreviewLimit)
}

// metadata copies every field not consumed by the typed parse. Returns nil
// when nothing is left so the stored JSON stays compact.
func metadata(fields map[string]any, consumed ...string) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	skip := make(map[string]struct{}, len(consumed))
	for _, key := range consumed {
		skip[key] = struct{}{}
	}
	var extra map[string]any
	for key, value := range fields {
		if _, ok := skip[key]; ok {
			continue
		}
		if extra == nil {
			extra = map[string]any{}
		}
		extra[key] = value
	}
	return extra
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asStringSlice(v any) []string {
	var out []string
	for _, item := range asSlice(v) {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) int {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

func asFloatPtr(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func countOr(v any, fallback int) int {
	if n := asInt(v); n > 0 {
		return n
	}
	return fallback
}
