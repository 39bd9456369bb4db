// Package export turns generated artifacts into downloadable documents.
// The primary path renders styled HTML to PDF with headless Chrome; when
// that is unavailable the caller always gets the HTML itself instead of
// an error.
package export

import "errors"

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
