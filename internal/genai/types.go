// Package genai talks to the AI generation backend and parses its responses
// into the canonical artifact shapes stored by the version store.
package genai

import "fmt"

// ArtifactType identifies one kind of generated study aid.
type ArtifactType string

const (
	TypeSummary    ArtifactType = "summary"
	TypeKeyPoints  ArtifactType = "keypoints"
	TypeQuiz       ArtifactType = "quiz"
	TypeFlashcards ArtifactType = "flashcards"
)

// AllTypes lists every artifact type in a stable order.
var AllTypes = []ArtifactType{TypeSummary, TypeKeyPoints, TypeQuiz, TypeFlashcards}

func ValidType(t string) bool {
	switch ArtifactType(t) {
	case TypeSummary, TypeKeyPoints, TypeQuiz, TypeFlashcards:
		return true
	}
	return false
}

// Options carries per-request generation controls. Zero values mean
// "let the backend pick its default".
type Options struct {
	Language     string
	MinWords     int
	MaxWords     int
	NumQuestions int
	NumCards     int
}

// GenerationError is the single error shape callers see for any backend
// failure: transport error, timeout, non-2xx status, or an unusable body.
type GenerationError struct {
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %s", e.Message)
}

func genErrorf(format string, args ...any) *GenerationError {
	return &GenerationError{Message: fmt.Sprintf(format, args...)}
}

// QuizQuestion is one multiple-choice question.
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// Flashcard is one front/back study card.
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// Content is the canonical, type-tagged artifact payload. Only the fields
// matching Type are populated; everything the backend sent that we do not
// model explicitly is preserved under Metadata.
type Content struct {
	Type       ArtifactType   `json:"type"`
	Summary    string         `json:"summary,omitempty"`
	WordCount  int            `json:"word_count,omitempty"`
	KeyPoints  []string       `json:"keypoints,omitempty"`
	Questions  []QuizQuestion `json:"questions,omitempty"`
	Flashcards []Flashcard    `json:"flashcards,omitempty"`
	Count      int            `json:"count,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Parsed is the parser output: canonical content plus the derived preview
// and the backend's self-reported confidence (nil when absent).
type Parsed struct {
	Content    Content
	Confidence *float64
	Preview    string
}
