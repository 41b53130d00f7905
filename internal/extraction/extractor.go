package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/store"
)

// Failure codes recorded on the book when extraction stops.
const (
	CodePDFNotFound          = "PDF_NOT_FOUND"
	CodeTaskCreationFailed   = "TASK_CREATION_FAILED"
	CodeExtractionFailed     = "EXTRACTION_FAILED"
	CodeExtractionIncomplete = "EXTRACTION_INCOMPLETE"
	CodeNoZipURL             = "NO_ZIP_URL"
	CodeDownloadFailed       = "DOWNLOAD_FAILED"
	CodeZipExtractFailed     = "ZIP_EXTRACT_FAILED"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// Error is a failed extraction with its failure code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Recorder persists extraction progress on the book row.
type Recorder interface {
	MarkExtractionStarted(ctx context.Context, bookID string) error
	SetMineruTask(ctx context.Context, bookID, taskID string) error
	CompleteExtraction(ctx context.Context, bookID string, result store.ExtractionResult) error
	FailExtraction(ctx context.Context, bookID, message string) error
}

type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	PresignTTL   time.Duration
	// UploadConcurrency bounds parallel image uploads.
	UploadConcurrency int
}

type Extractor struct {
	api     *Client
	objects objectstore.Store
	books   Recorder
	logger  *zap.Logger
	opts    Options
}

func NewExtractor(api *Client, objects objectstore.Store, books Recorder, logger *zap.Logger, opts Options) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 2 * time.Hour
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 8
	}
	return &Extractor{api: api, objects: objects, books: books, logger: logger, opts: opts}
}

// Run extracts the book's PDF and stores full.md and its images. Failures
// are recorded on the book and returned as *Error.
func (e *Extractor) Run(ctx context.Context, bookID, pdfPath string) (store.ExtractionResult, error) {
	log := e.logger.With(zap.String("book_id", bookID))
	result, err := e.run(ctx, log, bookID, objectstore.PDFKey(pdfPath))
	if err != nil {
		log.Warn("extraction failed", zap.Error(err))
		// The job context may already be cancelled; the failure still has
		// to land on the book.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if recErr := e.books.FailExtraction(recordCtx, bookID, failureMessage(err)); recErr != nil {
			log.Error("record extraction failure", zap.Error(recErr))
		}
		return store.ExtractionResult{}, err
	}
	log.Info("extraction completed", zap.Int("image_count", result.ImageCount))
	return result, nil
}

func (e *Extractor) run(ctx context.Context, log *zap.Logger, bookID, pdfKey string) (store.ExtractionResult, error) {
	if err := e.books.MarkExtractionStarted(ctx, bookID); err != nil {
		return store.ExtractionResult{}, fmt.Errorf("mark extraction started: %w", err)
	}

	exists, err := e.objects.Exists(ctx, pdfKey)
	if err != nil {
		return store.ExtractionResult{}, fmt.Errorf("check pdf: %w", err)
	}
	if !exists {
		return store.ExtractionResult{}, fail(CodePDFNotFound, fmt.Errorf("PDF file not found at path: %s", pdfKey))
	}

	pdfURL, err := e.objects.PresignGet(ctx, pdfKey, e.opts.PresignTTL)
	if err != nil {
		return store.ExtractionResult{}, fmt.Errorf("presign pdf: %w", err)
	}

	taskID, err := e.api.CreateTask(ctx, NewTaskRequest(pdfURL, bookID))
	if err != nil {
		return store.ExtractionResult{}, fail(CodeTaskCreationFailed, err)
	}
	log.Info("extraction task created", zap.String("task_id", taskID))
	if err := e.books.SetMineruTask(ctx, bookID, taskID); err != nil {
		return store.ExtractionResult{}, fmt.Errorf("record task id: %w", err)
	}

	task, err := e.api.Wait(ctx, taskID, e.opts.PollInterval, e.opts.MaxWait, func(t Task) {
		if t.Progress.TotalPages > 0 {
			log.Debug("extraction progress",
				zap.Int("extracted_pages", t.Progress.ExtractedPages),
				zap.Int("total_pages", t.Progress.TotalPages))
		}
	})
	if err != nil {
		// Timeouts land here too; INCOMPLETE is reserved for a task that
		// finished without reaching done.
		return store.ExtractionResult{}, fail(CodeExtractionFailed, err)
	}
	if task.State != StateDone {
		msg := task.ErrMsg
		if msg == "" {
			msg = "Extraction did not complete"
		}
		return store.ExtractionResult{}, fail(CodeExtractionIncomplete, errors.New(msg))
	}
	if task.FullZipURL == "" {
		return store.ExtractionResult{}, fail(CodeNoZipURL, errors.New("no ZIP URL in extraction result"))
	}

	archive, err := e.api.Download(ctx, task.FullZipURL)
	if err != nil {
		return store.ExtractionResult{}, fail(CodeDownloadFailed, err)
	}

	result, err := e.store(ctx, log, bookID, archive)
	if err != nil {
		return store.ExtractionResult{}, err
	}
	if err := e.books.CompleteExtraction(ctx, bookID, result); err != nil {
		return store.ExtractionResult{}, fmt.Errorf("record extraction: %w", err)
	}
	return result, nil
}

// store unpacks the result archive into the book's extracted/ folder.
func (e *Extractor) store(ctx context.Context, log *zap.Logger, bookID string, archive []byte) (store.ExtractionResult, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return store.ExtractionResult{}, fail(CodeZipExtractFailed, err)
	}

	markdown := pickMarkdown(reader.File)
	if markdown == nil {
		return store.ExtractionResult{}, fail(CodeZipExtractFailed, errors.New("archive contains no markdown file"))
	}
	content, err := readEntry(markdown)
	if err != nil {
		return store.ExtractionResult{}, fail(CodeZipExtractFailed, err)
	}
	fullMDPath := objectstore.FullMarkdownKey(bookID)
	if err := e.objects.Put(ctx, fullMDPath, bytes.NewReader(content), int64(len(content)), objectstore.ContentTypeMarkdown); err != nil {
		return store.ExtractionResult{}, fmt.Errorf("upload full.md: %w", err)
	}

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.UploadConcurrency)
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !imageExtensions[strings.ToLower(path.Ext(entry.Name))] {
			continue
		}
		g.Go(func() error {
			name := path.Base(entry.Name)
			data, err := readEntry(entry)
			if err != nil {
				log.Warn("read image", zap.String("image", name), zap.Error(err))
				return nil
			}
			key := objectstore.ImageKey(bookID, name)
			if err := e.objects.Put(gctx, key, bytes.NewReader(data), int64(len(data)), objectstore.ContentTypeFor(name)); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("upload image", zap.String("image", name), zap.Error(err))
				return nil
			}
			uploaded.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return store.ExtractionResult{}, fmt.Errorf("upload images: %w", err)
	}

	return store.ExtractionResult{
		FullMDPath: fullMDPath,
		ImagesPath: objectstore.ImagesPrefix(bookID),
		ImageCount: int(uploaded.Load()),
	}, nil
}

// pickMarkdown prefers full.md and otherwise takes the first markdown entry
// by name.
func pickMarkdown(files []*zip.File) *zip.File {
	var candidates []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".md") {
			continue
		}
		if path.Base(f.Name) == "full.md" {
			return f
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates[0]
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

func failureMessage(err error) string {
	var extErr *Error
	if errors.As(err, &extErr) {
		return extErr.Code + ": " + extErr.Err.Error()
	}
	return err.Error()
}

// ErrorCode returns the failure code carried by err, if any.
func ErrorCode(err error) string {
	var extErr *Error
	if errors.As(err, &extErr) {
		return extErr.Code
	}
	return ""
}
