package export

import (
	"context"
	"fmt"
	"html/template"
	"os/exec"
	"strings"
	"unicode"

	"docsync/live/internal/store"
)

// HTMLRedactor masks sensitive text inside an HTML fragment.
// *masking.Engine implements it.
type HTMLRedactor interface {
	RedactHTML(input string) string
}

// Service provides document export functionality
type Service struct {
	redactor HTMLRedactor
	lookPath func(file string) (string, error)
}

// NewService creates a new export service
func NewService(redactor HTMLRedactor) *Service {
	return &Service{redactor: redactor, lookPath: exec.LookPath}
}

// Export masks the document body and renders it in the requested format.
// The body is masked even when it comes from a saved snapshot, so a
// preview never shows text a pending mask pass has not reached yet.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	body := req.HTML
	if s.redactor != nil {
		body = s.redactor.RedactHTML(body)
	}

	title := req.Title
	if title == "" {
		title = req.Key.DocumentID
	}
	data := TemplateData{
		Title:       title,
		Workspace:   req.Key.Workspace,
		Project:     req.Key.Project,
		ContentHTML: template.HTML(body),
		UpdatedAt:   req.UpdatedAt,
	}

	page, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	doc := rendered{key: req.Key, title: title, html: page}

	switch req.Format {
	case FormatHTML:
		return fileResult(title, "html", "text/html; charset=utf-8", []byte(page)), nil
	case FormatPDF:
		return s.exportPDF(ctx, doc)
	case FormatDOCX:
		return s.exportDOCX(ctx, doc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// rendered is a full export page ready for conversion.
type rendered struct {
	key   store.DocumentKey
	title string
	html  string
}

func fileResult(title, ext, mime string, data []byte) *Result {
	return &Result{Data: data, Filename: fileStem(title) + "." + ext, MimeType: mime}
}

const maxStemRunes = 50

// fileStem turns a title into a download file name: letters and digits of
// any script are kept, every other run of characters becomes one dash.
func fileStem(title string) string {
	var b strings.Builder
	count := 0
	dash := false
	for _, r := range title {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			dash = true
			continue
		}
		need := 1
		if dash && b.Len() > 0 {
			need = 2
		}
		if count+need > maxStemRunes {
			break
		}
		if need == 2 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
		count += need
		dash = false
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
