package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"manuscript/api/internal/booklock"
	"manuscript/api/internal/history"
	"manuscript/api/internal/jobs"
	"manuscript/api/internal/markdown"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/patterndetect"
	"manuscript/api/internal/splitting"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
)

// Locks

func (s *Service) lockPayload(ctx context.Context, session Session, status booklock.Status) map[string]any {
	message := "Book is available for editing"
	if status.IsLocked {
		if status.LockedBy == session.UserID {
			message = "You have editing access"
		} else {
			message = "Book is locked by another user: " + s.userLabel(ctx, status.LockedBy)
		}
	}
	payload := map[string]any{
		"isLocked": status.IsLocked,
		"lockedBy": nil,
		"canEdit":  !status.HeldBy(session.UserID),
		"message":  message,
	}
	if status.IsLocked {
		payload["lockedBy"] = status.LockedBy
		payload["lockedAt"] = status.LockedAt.UTC()
		payload["lockExpiry"] = status.LockExpiry.UTC()
	}
	return payload
}

// userLabel prefers the holder's email for lock messages.
func (s *Service) userLabel(ctx context.Context, userID string) string {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil || user.Email == "" {
		return userID
	}
	return user.Email
}

func (s *Service) requireLocks() error {
	if s.locks == nil {
		return unavailable("LOCKS_UNAVAILABLE", "Book locking is not configured")
	}
	return nil
}

func (s *Service) LockStatus(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	status, err := s.locks.Status(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	return s.lockPayload(ctx, session, status), nil
}

// AcquireLock takes or renews the editing lock for the caller.
func (s *Service) AcquireLock(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	status, err := s.locks.Acquire(ctx, book.ID, session.UserID)
	if errors.Is(err, booklock.ErrHeld) {
		payload := s.lockPayload(ctx, session, status)
		return nil, domainError(http.StatusLocked, "BOOK_LOCKED", payload["message"].(string), payload)
	}
	if err != nil {
		return nil, err
	}
	return s.lockPayload(ctx, session, status), nil
}

func (s *Service) ReleaseLock(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if err := s.requireLocks(); err != nil {
		return nil, err
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	if session.IsAdmin() {
		err = s.locks.ForceRelease(ctx, book.ID)
	} else {
		err = s.locks.Release(ctx, book.ID, session.UserID)
	}
	if errors.Is(err, booklock.ErrNotOwner) {
		return nil, domainError(http.StatusForbidden, "NOT_LOCK_OWNER", "You do not own this lock", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "message": "Lock released"}, nil
}

// ensureEditable rejects edits while another user holds the book's lock.
func (s *Service) ensureEditable(ctx context.Context, session Session, bookID string) error {
	if s.locks == nil {
		return nil
	}
	status, err := s.locks.Status(ctx, bookID)
	if err != nil {
		return err
	}
	if status.HeldBy(session.UserID) {
		return domainError(http.StatusLocked, "BOOK_LOCKED",
			"Book is locked by another user: "+s.userLabel(ctx, status.LockedBy), nil)
	}
	return nil
}

// Extraction

// StartExtraction queues PDF extraction. Progress is read back from the
// book's extraction fields.
func (s *Service) StartExtraction(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if s.extractor == nil || s.jobs == nil {
		return nil, unavailable("EXTRACTION_UNAVAILABLE", "PDF extraction is not configured")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(path.Ext(book.FileName), ".pdf") {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_FILE_TYPE", "Only PDF books can be extracted", nil)
	}
	if book.ExtractionStatus == store.StageProcessing {
		return nil, domainError(http.StatusConflict, "EXTRACTION_RUNNING", "Extraction is already in progress", nil)
	}
	err = s.submitExtraction(book, session)
	if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrClosed) {
		return nil, unavailable("QUEUE_FULL", "Too many jobs are running, try again shortly")
	}
	if err != nil {
		return nil, err
	}
	if book.Status == store.BookPending {
		if err := s.store.UpdateBookStatus(ctx, book.ID, store.BookProcessing); err != nil {
			s.logger.Warn("mark book processing", zap.String("book_id", book.ID), zap.Error(err))
		}
	}
	return map[string]any{
		"bookId":           book.ID,
		"extractionStatus": "queued",
		"message":          "Extraction started",
	}, nil
}

func extractionRequired() *DomainError {
	return domainError(http.StatusConflict, "EXTRACTION_REQUIRED", "Extract the PDF before working with its content", nil)
}

func (s *Service) readFullMarkdown(ctx context.Context, book store.Book) (string, error) {
	if book.FullMDPath == "" {
		return "", extractionRequired()
	}
	data, err := s.objects.Get(ctx, book.FullMDPath)
	if errors.Is(err, objectstore.ErrNotFound) {
		return "", extractionRequired()
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// imageResolver presigns extracted images so rendered markdown can load them.
func (s *Service) imageResolver(ctx context.Context, bookID string) func(string) string {
	return func(target string) string {
		key, ok := markdown.ImageKey(bookID, target)
		if !ok {
			return ""
		}
		url, err := s.objects.PresignGet(ctx, key, s.cfg.Storage.PresignTTL)
		if err != nil {
			return ""
		}
		return url
	}
}

// GetFullMarkdown returns full.md, with image links presigned when
// resolveImages is set.
func (s *Service) GetFullMarkdown(ctx context.Context, session Session, bookID string, resolveImages bool) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	content, err := s.readFullMarkdown(ctx, book)
	if err != nil {
		return nil, err
	}
	if resolveImages {
		content = markdown.RewriteImageURLs(content, s.imageResolver(ctx, book.ID))
	}
	return map[string]any{"bookId": book.ID, "fullMdPath": book.FullMDPath, "content": content}, nil
}

// Splitting

func parsePatterns(raw json.RawMessage) (splitting.Patterns, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return splitting.DefaultPatterns(), nil
	}
	custom, err := splitting.ParseCustom([]byte(trimmed))
	if err != nil {
		return splitting.Patterns{}, domainError(http.StatusUnprocessableEntity, "INVALID_PATTERNS", err.Error(), nil)
	}
	return splitting.Resolve(custom), nil
}

// SplitContent splits full.md into the nineteen section files. With async
// set the work runs on the job pool and only the acceptance is returned.
func (s *Service) SplitContent(ctx context.Context, session Session, bookID string, rawPatterns json.RawMessage, async bool) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	patterns, err := parsePatterns(rawPatterns)
	if err != nil {
		return nil, err
	}
	if book.FullMDPath == "" {
		return nil, extractionRequired()
	}
	if err := s.ensureEditable(ctx, session, book.ID); err != nil {
		return nil, err
	}

	if async && s.jobs != nil {
		err := s.jobs.Submit("split:"+book.ID, func(jobCtx context.Context) error {
			_, err := s.runSplit(jobCtx, book, patterns, session)
			return err
		})
		if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrClosed) {
			return nil, unavailable("QUEUE_FULL", "Too many jobs are running, try again shortly")
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"bookId": book.ID, "splittingStatus": "queued"}, nil
	}
	return s.runSplit(ctx, book, patterns, session)
}

func (s *Service) runSplit(ctx context.Context, book store.Book, patterns splitting.Patterns, session Session) (map[string]any, error) {
	log := s.logger.With(zap.String("book_id", book.ID), zap.String("job", "split"))
	if err := s.store.MarkSplittingStarted(ctx, book.ID); err != nil {
		return nil, err
	}
	result, err := s.splitAndStore(ctx, book, patterns, session)
	if err != nil {
		log.Warn("splitting failed", zap.Error(err))
		if recErr := s.store.FailSplitting(context.WithoutCancel(ctx), book.ID, err.Error()); recErr != nil {
			log.Error("record splitting failure", zap.Error(recErr))
		}
		return nil, err
	}
	log.Info("splitting completed", zap.Int("files", len(result.Files)), zap.Int("missing", len(result.Missing())))

	files := make([]map[string]any, 0, len(result.Files))
	for _, f := range result.Files {
		files = append(files, map[string]any{
			"name":     f.Name,
			"path":     objectstore.SplitKey(book.ID, f.Kind.Dir(), f.Name),
			"category": string(f.Kind),
			"size":     len(f.Content),
			"found":    f.Found,
		})
	}
	missing := result.Missing()
	if missing == nil {
		missing = []string{}
	}
	return map[string]any{
		"bookId":     book.ID,
		"files":      files,
		"totalFiles": len(files),
		"missing":    missing,
		"sections":   result.Sections,
	}, nil
}

func (s *Service) splitAndStore(ctx context.Context, book store.Book, patterns splitting.Patterns, session Session) (splitting.Result, error) {
	content, err := s.readFullMarkdown(ctx, book)
	if err != nil {
		return splitting.Result{}, err
	}
	result := splitting.Split(content, patterns)

	records := make([]store.SplitFile, 0, len(result.Files))
	revisions := make([]history.File, 0, len(result.Files))
	for _, f := range result.Files {
		key := objectstore.SplitKey(book.ID, f.Kind.Dir(), f.Name)
		if err := s.objects.PutString(ctx, key, f.Content, objectstore.ContentTypeMarkdown); err != nil {
			return splitting.Result{}, fmt.Errorf("upload %s: %w", f.Path(), err)
		}
		records = append(records, store.SplitFile{Name: f.Name, Path: key, Category: string(f.Kind), Size: len(f.Content)})
		revisions = append(revisions, history.File{Path: f.Path(), Content: f.Content})
	}
	if err := s.store.CompleteSplitting(ctx, book.ID, records); err != nil {
		return splitting.Result{}, err
	}
	if s.history != nil {
		if _, err := s.history.CommitFiles(book.ID, revisions, session.UserName, "Split content"); err != nil {
			s.logger.Warn("record split history", zap.String("book_id", book.ID), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) ListSplitFiles(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	objects, err := s.objects.List(ctx, objectstore.SplitsPrefix(book.ID))
	if err != nil {
		return nil, err
	}
	modified := map[string]bool{}
	for _, name := range book.ModifiedFiles {
		modified[name] = true
	}
	files := make([]map[string]any, 0, len(objects))
	for _, obj := range objects {
		category := path.Base(path.Dir(obj.Key))
		files = append(files, map[string]any{
			"name":         obj.Name(),
			"path":         obj.Key,
			"category":     category,
			"size":         obj.Size,
			"lastModified": obj.LastModified.UTC(),
			"modified":     modified[obj.Name()],
		})
	}
	return map[string]any{
		"bookId":          book.ID,
		"splittingStatus": book.SplittingStatus,
		"files":           files,
	}, nil
}

// splitKeyFor accepts either a full storage key or a path relative to the
// book's splits folder and returns the storage key.
func splitKeyFor(bookID, filePath string) (string, bool) {
	filePath = strings.TrimPrefix(strings.TrimSpace(filePath), "/")
	if !strings.HasPrefix(filePath, objectstore.SplitsPrefix(bookID)) {
		filePath = objectstore.SplitsPrefix(bookID) + filePath
	}
	return filePath, objectstore.IsSplitKey(bookID, filePath)
}

func relativeSplitPath(bookID, key string) string {
	return strings.TrimPrefix(key, objectstore.SplitsPrefix(bookID))
}

func invalidSplitPath() *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_FILE_PATH", "File path must point to one of the book's split files", nil)
}

func (s *Service) GetSplitFile(ctx context.Context, session Session, bookID, filePath string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	key, ok := splitKeyFor(book.ID, filePath)
	if !ok {
		return nil, invalidSplitPath()
	}
	data, err := s.objects.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "FILE_NOT_FOUND", "Split file not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"filePath": key, "name": path.Base(key), "content": string(data)}, nil
}

// UpdateSplitFile saves an edited split file, records who touched it and
// commits the new version to the book's history.
func (s *Service) UpdateSplitFile(ctx context.Context, session Session, bookID, filePath, content string) (map[string]any, error) {
	if strings.TrimSpace(bookID) == "" || strings.TrimSpace(filePath) == "" || content == "" || session.UserID == "" {
		return nil, domainError(http.StatusBadRequest, "MISSING_PARAMETERS", "bookId, filePath, content and userId are required", nil)
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	key, ok := splitKeyFor(book.ID, filePath)
	if !ok {
		return nil, invalidSplitPath()
	}
	if err := s.ensureEditable(ctx, session, book.ID); err != nil {
		return nil, err
	}

	if err := s.objects.PutString(ctx, key, content, objectstore.ContentTypeMarkdown); err != nil {
		return nil, fmt.Errorf("upload split file: %w", err)
	}
	now := s.now().UTC()
	if err := s.store.RecordModification(ctx, book.ID, session.UserID, []string{path.Base(key)}, now); err != nil {
		return nil, err
	}
	if s.history != nil {
		rel := relativeSplitPath(book.ID, key)
		if _, err := s.history.CommitFile(book.ID, rel, content, session.UserName, "Update "+rel); err != nil {
			s.logger.Warn("record edit history", zap.String("book_id", book.ID), zap.String("file", rel), zap.Error(err))
		}
	}
	return map[string]any{"filePath": key, "updatedAt": now.Format("2006-01-02T15:04:05.000Z07:00")}, nil
}

func mapHistoryError(err error) error {
	switch {
	case errors.Is(err, history.ErrInvalidPath):
		return invalidSplitPath()
	case errors.Is(err, history.ErrNoHistory), errors.Is(err, history.ErrFileNotFound), errors.Is(err, history.ErrUnknownRevision):
		return domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	return err
}

func (s *Service) FileHistory(ctx context.Context, session Session, bookID, filePath string, limit int) (map[string]any, error) {
	if s.history == nil {
		return nil, unavailable("HISTORY_UNAVAILABLE", "Revision history is not configured")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	key, ok := splitKeyFor(book.ID, filePath)
	if !ok {
		return nil, invalidSplitPath()
	}
	revisions, err := s.history.FileHistory(book.ID, relativeSplitPath(book.ID, key), limit)
	if err != nil {
		return nil, mapHistoryError(err)
	}
	return map[string]any{"filePath": key, "revisions": revisions}, nil
}

func (s *Service) FileAtRevision(ctx context.Context, session Session, bookID, filePath, hash string) (map[string]any, error) {
	if s.history == nil {
		return nil, unavailable("HISTORY_UNAVAILABLE", "Revision history is not configured")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	key, ok := splitKeyFor(book.ID, filePath)
	if !ok {
		return nil, invalidSplitPath()
	}
	content, err := s.history.FileAtRevision(book.ID, relativeSplitPath(book.ID, key), hash)
	if err != nil {
		return nil, mapHistoryError(err)
	}
	return map[string]any{"filePath": key, "hash": hash, "content": content}, nil
}

// Images

// ListImages lists extracted images with the split files that reference
// each one.
func (s *Service) ListImages(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	images, err := s.objects.List(ctx, objectstore.ImagesPrefix(book.ID))
	if err != nil {
		return nil, err
	}
	splits, err := s.objects.List(ctx, objectstore.SplitsPrefix(book.ID))
	if err != nil {
		return nil, err
	}
	contents := make(map[string]string, len(splits))
	for _, obj := range splits {
		data, err := s.objects.Get(ctx, obj.Key)
		if err != nil {
			s.logger.Warn("read split file", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		contents[obj.Name()] = string(data)
	}

	items := make([]map[string]any, 0, len(images))
	for _, img := range images {
		affected := []string{}
		for name, content := range contents {
			if markdown.References(content, img.Name()) {
				affected = append(affected, name)
			}
		}
		sort.Strings(affected)
		url, err := s.objects.PresignGet(ctx, img.Key, s.cfg.Storage.PresignTTL)
		if err != nil {
			url = ""
		}
		items = append(items, map[string]any{
			"name":          img.Name(),
			"path":          img.Key,
			"size":          img.Size,
			"url":           url,
			"affectedFiles": affected,
		})
	}
	return map[string]any{"bookId": book.ID, "images": items}, nil
}

// DeleteImage removes an extracted image and strips its references from the
// named split files.
func (s *Service) DeleteImage(ctx context.Context, session Session, bookID, imagePath string, affectedFiles []string) (map[string]any, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, domainError(http.StatusBadRequest, "MISSING_PARAMETERS", "imagePath is required", nil)
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(strings.TrimSpace(imagePath), "/")
	if !strings.HasPrefix(key, objectstore.ImagesPrefix(book.ID)) {
		key = objectstore.ImageKey(book.ID, key)
	}
	if path.Dir(key)+"/" != objectstore.ImagesPrefix(book.ID) {
		return nil, domainError(http.StatusBadRequest, "INVALID_IMAGE_PATH", "Image path must point to one of the book's images", nil)
	}
	if err := s.ensureEditable(ctx, session, book.ID); err != nil {
		return nil, err
	}

	if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("delete image: %w", err)
	}
	imageName := path.Base(key)
	log := s.logger.With(zap.String("book_id", book.ID), zap.String("image", imageName))

	updated := []string{}
	var changed []string
	var revisions []history.File
	for _, name := range util.UniqueStrings(nil, affectedFiles...) {
		name = path.Base(name)
		fileKey, content, ok := s.findSplitFile(ctx, book.ID, name)
		if !ok {
			log.Warn("affected file not found", zap.String("file", name))
			continue
		}
		updated = append(updated, name)
		cleaned, removed := markdown.RemoveImageRefs(content, imageName)
		if removed == 0 {
			continue
		}
		if err := s.objects.PutString(ctx, fileKey, cleaned, objectstore.ContentTypeMarkdown); err != nil {
			return nil, fmt.Errorf("update %s: %w", name, err)
		}
		changed = append(changed, name)
		revisions = append(revisions, history.File{Path: relativeSplitPath(book.ID, fileKey), Content: cleaned})
	}

	if len(changed) > 0 {
		if err := s.store.RecordModification(ctx, book.ID, session.UserID, changed, s.now().UTC()); err != nil {
			return nil, err
		}
		if s.history != nil {
			if _, err := s.history.CommitFiles(book.ID, revisions, session.UserName, "Remove image "+imageName); err != nil {
				log.Warn("record image removal history", zap.Error(err))
			}
		}
	}
	return map[string]any{"deletedImage": imageName, "imageKey": key, "updatedFiles": updated}, nil
}

// findSplitFile looks a file name up in each split category in order.
func (s *Service) findSplitFile(ctx context.Context, bookID, name string) (string, string, bool) {
	for _, category := range objectstore.SplitCategories {
		key := objectstore.SplitKey(bookID, category, name)
		data, err := s.objects.Get(ctx, key)
		if err == nil {
			return key, string(data), true
		}
	}
	return "", "", false
}

// Pattern detection

func (s *Service) DetectPatterns(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if s.detector == nil {
		return nil, unavailable("AI_UNAVAILABLE", "Pattern detection is not configured")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	content, err := s.readFullMarkdown(ctx, book)
	if err != nil {
		return nil, err
	}
	result, err := s.detector.Detect(ctx, content)
	var unparseable *patterndetect.UnparseableError
	if errors.As(err, &unparseable) {
		return nil, domainError(http.StatusBadGateway, "AI_RESPONSE_INVALID", "Failed to parse AI response",
			map[string]any{"rawResponse": unparseable.RawResponse})
	}
	if err != nil {
		s.logger.Warn("pattern detection failed", zap.String("book_id", book.ID), zap.Error(err))
		return nil, domainError(http.StatusBadGateway, "AI_REQUEST_FAILED", "Pattern detection failed", nil)
	}
	return map[string]any{
		"bookId":     book.ID,
		"patterns":   result.Patterns,
		"confidence": result.Confidence,
		"notes":      result.Notes,
	}, nil
}
