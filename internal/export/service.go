package export

import (
	"log"

	"studyloop/api/internal/genai"
)

// Service renders artifacts into downloadable documents.
type Service struct {
	// pdf is swappable in tests; defaults to the chromedp path.
	pdf func(html, title string) (*Result, error)
}

func NewService() *Service {
	return &Service{pdf: renderPDF}
}

// Render produces a downloadable document for the artifact. It never fails:
// when the PDF engine is unavailable or errors, the styled markup itself is
// returned as text/html with an .html filename.
func (s *Service) Render(content genai.Content, title string) Result {
	html, err := RenderArtifactHTML(TemplateData{Title: title, Content: content})
	if err != nil {
		// The template only fails on truly malformed content; serve
		// something minimal rather than nothing.
		log.Printf("export: template render failed: %v", err)
		html = "<html><body><h1>" + title + "</h1></body></html>"
	}

	result, err := s.pdf(html, title)
	if err != nil {
		log.Printf("export: pdf unavailable, falling back to html: %v", err)
		return Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html",
		}
	}
	return *result
}
