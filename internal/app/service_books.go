package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/export"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/reportb"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
)

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"userId":      p.UserID,
		"settings":    p.Settings,
		"bookCount":   p.BookCount,
		"createdAt":   p.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func bookPayload(b store.Book) map[string]any {
	splitFiles := b.SplitFiles
	if splitFiles == nil {
		splitFiles = []store.SplitFile{}
	}
	modified := b.ModifiedFiles
	if modified == nil {
		modified = []string{}
	}
	return map[string]any{
		"id":                b.ID,
		"title":             b.Title,
		"fileName":          b.FileName,
		"filePath":          b.FilePath,
		"userId":            b.UserID,
		"userEmail":         b.UserEmail,
		"projectId":         b.ProjectID,
		"status":            b.Status,
		"uploadedAt":        b.UploadedAt.UTC().Format(time.RFC3339),
		"reportFileName":    b.ReportFileName,
		"reportUploadedAt":  formatTime(b.ReportUploadedAt),
		"hasReport":         b.ReportData != "",
		"reportBFileName":   b.ReportBFileName,
		"reportBUploadedAt": formatTime(b.ReportBUploadedAt),
		"hasReportB":        b.ReportDataB != "" || b.ReportBUploadedAt != nil,
		"extractionStatus":  b.ExtractionStatus,
		"extractionError":   b.ExtractionError,
		"mineruTaskId":      b.MineruTaskID,
		"fullMdPath":        b.FullMDPath,
		"imagesPath":        b.ImagesPath,
		"imageCount":        b.ImageCount,
		"extractedAt":       formatTime(b.ExtractedAt),
		"splittingStatus":   b.SplittingStatus,
		"splittingError":    b.SplittingError,
		"splitFiles":        splitFiles,
		"totalFiles":        b.TotalFiles,
		"splitAt":           formatTime(b.SplitAt),
		"lastModified":      formatTime(b.LastModified),
		"modifiedBy":        b.ModifiedBy,
		"modifiedFiles":     modified,
		"executionConfig":   b.ExecutionConfig,
	}
}

func bookRecord(b store.Book) search.BookRecord {
	projectID := ""
	if b.ProjectID != nil {
		projectID = *b.ProjectID
	}
	return search.BookRecord{
		ID:        b.ID,
		Title:     b.Title,
		FileName:  b.FileName,
		UserID:    b.UserID,
		ProjectID: projectID,
		Status:    b.Status,
	}
}

func (s *Service) indexBook(b store.Book) {
	if s.search != nil {
		s.search.IndexBook(bookRecord(b))
	}
}

func (s *Service) indexProject(p store.Project) {
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: p.ID, Name: p.Name, Description: p.Description, UserID: p.UserID})
	}
}

// Projects

func (s *Service) ListProjects(ctx context.Context, session Session) (map[string]any, error) {
	owner := session.UserID
	if s.Can(session.Role, rbac.ActionViewAll) {
		owner = ""
	}
	projects, err := s.store.ListProjects(ctx, owner)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return map[string]any{"projects": items}, nil
}

type ProjectInput struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Settings    *store.ProjectSettings `json:"settings"`
}

func (s *Service) CreateProject(ctx context.Context, session Session, input ProjectInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}
	settings := store.DefaultProjectSettings()
	if input.Settings != nil {
		settings = input.Settings.Normalize()
	}
	now := s.now().UTC()
	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		UserID:      session.UserID,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	s.indexProject(project)
	return map[string]any{"project": projectPayload(project)}, nil
}

func (s *Service) loadProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, domainError(http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
		}
		return store.Project{}, err
	}
	if project.UserID != session.UserID && !s.Can(session.Role, rbac.ActionViewAll) {
		return store.Project{}, forbidden()
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": projectPayload(project)}, nil
}

type ProjectPatch struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Settings    *store.ProjectSettings `json:"settings"`
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, patch ProjectPatch) (map[string]any, error) {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, validationError("name must not be empty")
		}
		project.Name = name
	}
	if patch.Description != nil {
		project.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Settings != nil {
		project.Settings = patch.Settings.Normalize()
	}
	project.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	s.indexProject(project)
	return map[string]any{"project": projectPayload(project)}, nil
}

// DeleteProject removes the project and every book in it, including their
// stored objects and revision history.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return err
	}
	books, err := s.store.ListBooks(ctx, store.BookFilter{ProjectID: project.ID})
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	for _, book := range books {
		s.purgeBookData(ctx, book.ID)
	}
	if s.search != nil {
		s.search.DeleteProject(project.ID)
	}
	return nil
}

// Books

func (s *Service) ListBooks(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	filter := store.BookFilter{UserID: session.UserID, ProjectID: strings.TrimSpace(projectID)}
	if s.Can(session.Role, rbac.ActionViewAll) {
		filter.UserID = ""
	}
	books, err := s.store.ListBooks(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(books))
	for _, b := range books {
		items = append(items, bookPayload(b))
	}
	return map[string]any{"books": items}, nil
}

type UploadInput struct {
	Title     string
	FileName  string
	ProjectID string
	Size      int64
	Body      io.Reader
}

// UploadBook stores a new PDF and creates its book row. Project books are
// checked against the project's file settings; standalone uploads must be
// PDFs within the global upload limit.
func (s *Service) UploadBook(ctx context.Context, session Session, input UploadInput) (map[string]any, error) {
	fileName := path.Base(strings.TrimSpace(input.FileName))
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, validationError("file is required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = strings.TrimSuffix(fileName, path.Ext(fileName))
	}

	status := store.BookPending
	var projectID *string
	if id := strings.TrimSpace(input.ProjectID); id != "" {
		project, err := s.loadProject(ctx, session, id)
		if err != nil {
			return nil, err
		}
		settings := project.Settings.Normalize()
		if !settings.Allows(fileName) {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_FILE_TYPE",
				fmt.Sprintf("File type not allowed. Allowed types: %s", strings.Join(settings.AllowedFileTypes, ", ")), nil)
		}
		if input.Size > int64(settings.MaxFileSize)*1024*1024 {
			return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("File size exceeds %dMB limit", settings.MaxFileSize), nil)
		}
		if settings.AutoProcess {
			status = store.BookProcessing
		}
		projectID = &project.ID
	} else {
		if !strings.EqualFold(path.Ext(fileName), ".pdf") {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_FILE_TYPE", "Only PDF files are accepted", nil)
		}
		if s.cfg.MaxUploadBytes > 0 && input.Size > s.cfg.MaxUploadBytes {
			return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", nil)
		}
	}

	bookID := util.NewID("book")
	key := objectstore.UploadKey(bookID, fileName)
	if err := s.objects.Put(ctx, key, input.Body, input.Size, objectstore.ContentTypeFor(fileName)); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	book := store.Book{
		ID:         bookID,
		Title:      title,
		FileName:   fileName,
		FilePath:   key,
		UserID:     session.UserID,
		UserEmail:  session.Email,
		ProjectID:  projectID,
		Status:     status,
		UploadedAt: s.now().UTC(),
	}
	if err := s.store.InsertBook(ctx, book); err != nil {
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			s.logger.Warn("remove orphaned upload", zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}
	s.indexBook(book)

	if status == store.BookProcessing && strings.EqualFold(path.Ext(fileName), ".pdf") && s.extractor != nil {
		if err := s.submitExtraction(book, session); err != nil {
			s.logger.Warn("queue auto extraction", zap.String("book_id", book.ID), zap.Error(err))
		}
	}
	return map[string]any{"book": bookPayload(book)}, nil
}

func (s *Service) GetBook(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"book": bookPayload(book)}, nil
}

func (s *Service) UpdateBookStatus(ctx context.Context, session Session, bookID, status string) (map[string]any, error) {
	if !store.ValidBookStatus(status) {
		return nil, validationError("status must be one of pending, processing, completed, failed")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateBookStatus(ctx, book.ID, status); err != nil {
		return nil, err
	}
	book.Status = status
	s.indexBook(book)
	return map[string]any{"book": bookPayload(book)}, nil
}

func (s *Service) DeleteBook(ctx context.Context, session Session, bookID string) error {
	book, err := s.loadOwnedBook(ctx, session, bookID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBook(ctx, book.ID); err != nil {
		return err
	}
	s.purgeBookData(ctx, book.ID)
	if s.search != nil {
		s.search.DeleteBook(book.ID)
	}
	return nil
}

// purgeBookData removes a deleted book's objects, history and lock. Failures
// are logged; the row is already gone.
func (s *Service) purgeBookData(ctx context.Context, bookID string) {
	log := s.logger.With(zap.String("book_id", bookID))
	objects, err := s.objects.List(ctx, objectstore.BookPrefix(bookID))
	if err != nil {
		log.Warn("list book objects", zap.Error(err))
	}
	for _, obj := range objects {
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			log.Warn("delete book object", zap.String("key", obj.Key), zap.Error(err))
		}
	}
	if s.history != nil {
		if err := s.history.Remove(bookID); err != nil {
			log.Warn("remove book history", zap.Error(err))
		}
	}
	if s.locks != nil {
		if err := s.locks.ForceRelease(ctx, bookID); err != nil {
			log.Warn("release book lock", zap.Error(err))
		}
	}
}

// Reports

func reportBase(fileName string) string {
	return strings.TrimSuffix(fileName, path.Ext(fileName))
}

// SaveReportA attaches a markdown report and marks the book completed.
func (s *Service) SaveReportA(ctx context.Context, session Session, bookID, content string) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, validationError("report content is required")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	fileName := reportBase(book.FileName) + "_report.md"
	if err := s.store.SaveReportA(ctx, book.ID, fileName, content); err != nil {
		return nil, err
	}
	book.Status = store.BookCompleted
	s.indexBook(book)
	return map[string]any{"bookId": book.ID, "reportFileName": fileName, "status": book.Status}, nil
}

// ExportReportA renders Report A as PDF or DOCX. A successful export is also
// kept under the book's exports/ folder.
func (s *Service) ExportReportA(ctx context.Context, session Session, bookID, format string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export is not configured")
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "UNSUPPORTED_FORMAT", "format must be pdf or docx", nil)
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(book.ReportData) == "" {
		return nil, domainError(http.StatusNotFound, "REPORT_NOT_FOUND", "Book has no Report A", nil)
	}

	result, err := s.exporter.Export(ctx, export.Request{
		Title:     book.Title,
		Subtitle:  book.ReportFileName,
		Markdown:  book.ReportData,
		Format:    parsed,
		CreatedAt: s.now(),
	})
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, unavailable("EXPORT_UNAVAILABLE", err.Error())
	case errors.Is(err, export.ErrContentUnavailable):
		return nil, domainError(http.StatusNotFound, "REPORT_NOT_FOUND", "Book has no Report A", nil)
	case err != nil:
		return nil, err
	}

	key := objectstore.ExportKey(book.ID, "report_a."+string(parsed))
	if err := s.objects.Put(ctx, key, bytes.NewReader(result.Data), int64(len(result.Data)), result.MimeType); err != nil {
		s.logger.Warn("cache report export", zap.String("book_id", book.ID), zap.Error(err))
	}
	return result, nil
}

// SaveReportB attaches Report B. JSON content is parsed as a quality report
// and becomes reviewable; anything else is kept as an HTML report.
func (s *Service) SaveReportB(ctx context.Context, session Session, bookID, fileName, content string) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, validationError("report content is required")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(content)
	isJSON := strings.EqualFold(path.Ext(fileName), ".json") || strings.HasPrefix(trimmed, "{")
	if !isJSON {
		name := reportBase(book.FileName) + "_report_b.html"
		if err := s.store.SaveReportBHTML(ctx, book.ID, name, content); err != nil {
			return nil, err
		}
		return map[string]any{"bookId": book.ID, "reportBFileName": name, "format": "html"}, nil
	}

	report, err := reportb.Parse([]byte(trimmed))
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_REPORT", err.Error(), nil)
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = reportBase(book.FileName) + "_report_b.json"
	}
	record := store.ReportB{
		BookID:     book.ID,
		UploadedBy: session.UserID,
		FileName:   path.Base(fileName),
		Data:       []byte(trimmed),
		FileOrder:  report.FileOrder(),
		UploadedAt: s.now().UTC(),
	}
	if err := s.store.SaveReportB(ctx, record); err != nil {
		return nil, err
	}
	return map[string]any{
		"bookId":          book.ID,
		"reportBFileName": record.FileName,
		"format":          "json",
		"fileOrder":       record.FileOrder,
		"totalIssues":     report.TotalIssues(),
	}, nil
}

// submitExtraction queues the extraction job for a book's PDF.
func (s *Service) submitExtraction(book store.Book, session Session) error {
	bookID, pdfPath := book.ID, book.FilePath
	return s.jobs.Submit("extract:"+bookID, func(ctx context.Context) error {
		_, err := s.extractor.Run(ctx, bookID, pdfPath)
		s.notifyExtraction(book, session, err)
		return err
	})
}

func (s *Service) notifyExtraction(book store.Book, session Session, runErr error) {
	if !s.SMTPConfigured() || session.Email == "" {
		return
	}
	failure := ""
	if runErr != nil {
		failure = runErr.Error()
	}
	link := strings.TrimRight(s.cfg.AppURL, "/") + "/books/" + book.ID
	if err := s.mailer.SendExtractionNotice(session.Email, session.UserName, book.Title, link, failure); err != nil {
		s.logger.Warn("send extraction notice", zap.String("book_id", book.ID), zap.Error(err))
	}
}
