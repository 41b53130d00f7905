package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Subtitle    string
	ContentHTML template.HTML
	CreatedAt   time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	if data.Title == "" {
		data.Title = "Quality Report"
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    @page { size: A4; margin: 18mm 16mm; }
    body { font-family: "Helvetica Neue", Arial, sans-serif; font-size: 11pt; line-height: 1.55; color: #1f2933; }
    h1 { font-size: 20pt; border-bottom: 2px solid #1f2933; padding-bottom: 6px; margin-bottom: 4px; }
    h2 { font-size: 15pt; margin-top: 22px; }
    h3 { font-size: 12.5pt; margin-top: 16px; }
    .meta { color: #616e7c; font-size: 9pt; margin-bottom: 18px; }
    table { border-collapse: collapse; width: 100%; margin: 12px 0; page-break-inside: auto; }
    tr { page-break-inside: avoid; }
    th, td { border: 1px solid #cbd2d9; padding: 5px 7px; text-align: left; vertical-align: top; font-size: 9.5pt; }
    th { background: #f0f4f8; }
    code { font-family: Menlo, Consolas, monospace; font-size: 9pt; background: #f5f7fa; padding: 1px 3px; }
    pre code { display: block; padding: 8px; white-space: pre-wrap; }
    blockquote { border-left: 3px solid #9aa5b1; margin: 0; padding-left: 12px; color: #52606d; }
    img { max-width: 100%; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Subtitle}}<p>{{.Subtitle}}</p>{{end}}
  <div class="meta">Generated {{.CreatedAt.Format "Jan 2, 2006 15:04 MST"}}</div>
  <div class="content">{{.ContentHTML}}</div>
</body>
</html>`
