package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentLayout))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Workspace   string
	Project     string
	ContentHTML template.HTML
	UpdatedAt   time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentLayout = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1.title { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 0.75rem; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ccc; padding: 0.25rem 0.5rem; }
  </style>
</head>
<body>
  <h1 class="title">{{.Title}}</h1>
  <div class="meta">{{.Workspace}} / {{.Project}}{{if not .UpdatedAt.IsZero}} | {{formatDate .UpdatedAt "Jan 2, 2006 15:04"}}{{end}}</div>
  <div class="content">{{.ContentHTML}}</div>
</body>
</html>`
