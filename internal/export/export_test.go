package export

import (
	"context"
	"errors"
	"html/template"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Physics Class 9 v1.2", "Physics-Class-9-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"  padded  ", "padded"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"pdf": FormatPDF, "PDF": FormatPDF, " docx ": FormatDOCX} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(odt) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	html, err := RenderDocumentHTML(TemplateData{
		Title:       "Class 9 Physics",
		Subtitle:    "Report A",
		ContentHTML: template.HTML("<p>This is the content.</p>"),
		CreatedAt:   time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	for _, want := range []string{"Class 9 Physics", "Report A", "Mar 4, 2025", "<p>This is the content.</p>"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
}

func TestRenderDocumentHTMLEscapesTitle(t *testing.T) {
	html, err := RenderDocumentHTML(TemplateData{Title: "<script>x</script>"})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>x</script>") {
		t.Error("title should be escaped")
	}
}

func TestServiceRenderHTMLFromMarkdown(t *testing.T) {
	svc := NewService(nil, 0)
	html, err := svc.RenderHTML(Request{
		Title:    "Report",
		Markdown: "## Summary\n\n| Item | Issues |\n|---|---|\n| Q1 | 2 |\n",
	})
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{"<h2>Summary</h2>", "<table>", "<td>Q1</td>"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestServiceExportDispatchesByFormat(t *testing.T) {
	svc := NewService(nil, time.Second)
	var gotHTML, gotTitle string
	svc.pdf = func(ctx context.Context, html, title string) (*Result, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("conversion context has no deadline")
		}
		gotHTML, gotTitle = html, title
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: MimePDF}, nil
	}
	svc.docx = func(context.Context, string, string) (*Result, error) {
		t.Error("docx converter should not run")
		return nil, nil
	}

	result, err := svc.Export(context.Background(), Request{Title: "Chem Book", Markdown: "# Hi", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Chem-Book.pdf" || result.MimeType != MimePDF {
		t.Errorf("unexpected result %+v", result)
	}
	if gotTitle != "Chem Book" || !strings.Contains(gotHTML, "<h1>Hi</h1>") {
		t.Errorf("converter got title %q html %q", gotTitle, gotHTML)
	}
}

func TestServiceExportErrors(t *testing.T) {
	svc := NewService(nil, 0)
	svc.pdf = func(context.Context, string, string) (*Result, error) {
		return nil, ErrPDFDependencyMissing
	}

	if _, err := svc.Export(context.Background(), Request{Markdown: "x", Format: "odt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unsupported format error = %v", err)
	}
	if _, err := svc.Export(context.Background(), Request{Markdown: "  ", Format: FormatPDF}); !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("empty content error = %v", err)
	}
	if _, err := svc.Export(context.Background(), Request{Markdown: "x", Format: FormatPDF}); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Errorf("converter error = %v", err)
	}
}
