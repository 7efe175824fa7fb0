// Package export renders redacted previews of documents as HTML, PDF or DOCX.
package export

import (
	"errors"
	"time"

	"docsync/live/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat maps a query value to a Format. Empty means PDF.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "":
		return FormatPDF, true
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), true
	default:
		return "", false
	}
}

// Request contains parameters for an export operation
type Request struct {
	Key       store.DocumentKey
	Title     string
	Format    Format
	HTML      string // document body as stored or live
	UpdatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates the requested format is unknown.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
