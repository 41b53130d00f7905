package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/markdown"
)

// converter turns a rendered HTML document into a file.
type converter func(ctx context.Context, html, title string) (*Result, error)

// Service renders report markdown into a styled HTML page and converts it.
type Service struct {
	logger  *zap.Logger
	timeout time.Duration
	pdf     converter
	docx    converter
}

// NewService creates a new export service. timeout bounds a single
// conversion; zero means 60s.
func NewService(logger *zap.Logger, timeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{logger: logger, timeout: timeout, pdf: exportPDF, docx: exportDOCX}
}

// RenderHTML returns the complete HTML page used for every export format.
func (s *Service) RenderHTML(req Request) (string, error) {
	if strings.TrimSpace(req.Markdown) == "" {
		return "", ErrContentUnavailable
	}
	body, err := markdown.RenderHTML(req.Markdown)
	if err != nil {
		return "", err
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return RenderDocumentHTML(TemplateData{
		Title:       req.Title,
		Subtitle:    req.Subtitle,
		ContentHTML: template.HTML(body),
		CreatedAt:   createdAt,
	})
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	convert, err := s.converterFor(req.Format)
	if err != nil {
		return nil, err
	}
	html, err := s.RenderHTML(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	result, err := convert(ctx, html, req.Title)
	if err != nil {
		s.logger.Warn("export failed", zap.String("format", string(req.Format)), zap.Error(err))
		return nil, err
	}
	s.logger.Info("export rendered",
		zap.String("format", string(req.Format)),
		zap.Int("bytes", len(result.Data)),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func (s *Service) converterFor(format Format) (converter, error) {
	switch format {
	case FormatPDF:
		return s.pdf, nil
	case FormatDOCX:
		return s.docx, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
