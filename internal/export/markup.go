package export

import (
	"bytes"
	"html/template"

	"studyloop/api/internal/genai"
)

// TemplateData holds data for the artifact document template.
type TemplateData struct {
	Title   string
	Content genai.Content
}

var artifactTemplate = template.Must(template.New("artifact").Parse(documentTemplate))

// RenderArtifactHTML renders an artifact into the styled document markup
// used for both PDF generation and the HTML fallback.
func RenderArtifactHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := artifactTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .question { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .answer { color: #2a6; font-weight: bold; }
    .explanation { color: #666; font-style: italic; }
    .card { border: 1px solid #ccc; border-radius: 4px; padding: 1rem; margin: 1rem 0; }
    .card .front { font-weight: bold; margin-bottom: 0.5rem; }
    ol.options { list-style-type: upper-alpha; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <p class="meta">{{.Content.Type}}</p>

  {{if eq .Content.Type "summary"}}
  <h2>Summary</h2>
  <p>{{.Content.Summary}}</p>
  {{end}}

  {{if eq .Content.Type "keypoints"}}
  <h2>Key Points</h2>
  <ul>
    {{range .Content.KeyPoints}}<li>{{.}}</li>
    {{end}}
  </ul>
  {{end}}

  {{if eq .Content.Type "quiz"}}
  <h2>Quiz</h2>
  {{range $i, $q := .Content.Questions}}
  <div class="question">
    <p><strong>{{$q.Question}}</strong></p>
    <ol class="options">
      {{range $q.Options}}<li>{{.}}</li>
      {{end}}
    </ol>
    <p class="answer">Answer: {{$q.CorrectAnswer}}</p>
    {{if $q.Explanation}}<p class="explanation">{{$q.Explanation}}</p>{{end}}
  </div>
  {{end}}
  {{end}}

  {{if eq .Content.Type "flashcards"}}
  <h2>Flashcards</h2>
  {{range .Content.Flashcards}}
  <div class="card">
    <div class="front">{{.Front}}</div>
    <div class="back">{{.Back}}</div>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
