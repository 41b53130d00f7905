package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"manuscript/api/internal/dispatch"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/splitting"
	"manuscript/api/internal/store"
)

type executionItem struct {
	ID           string
	Label        string
	Stem         string
	QuestionOnly bool
}

var executionItems = []executionItem{
	{ID: "theory", Label: "Theory", Stem: splitting.StemTheory, QuestionOnly: true},
	{ID: "competency", Label: "Competency Focused Questions", Stem: splitting.StemCompetency},
	{ID: "level1", Label: "Level 1", Stem: splitting.StemLevel1},
	{ID: "level1_part2", Label: "Level 1 Part 2", Stem: splitting.StemLevel1Part2},
	{ID: "level2", Label: "Level 2", Stem: splitting.StemLevel2},
	{ID: "level2_part2", Label: "Level 2 Part 2", Stem: splitting.StemLevel2Part2},
	{ID: "achievers", Label: "Achievers Section", Stem: splitting.StemAchievers},
}

func findExecutionItem(itemID string) (executionItem, bool) {
	for _, item := range executionItems {
		if item.ID == itemID {
			return item, true
		}
	}
	return executionItem{}, false
}

type fileCandidate struct {
	role string
	key  string
}

type itemFiles struct {
	files    dispatch.Files
	exists   map[string]bool
	warnings []string
}

// checkItemFiles resolves the split files an item reviews. Missing keys are
// left empty in files.
func (s *Service) checkItemFiles(ctx context.Context, bookID string, item executionItem) (itemFiles, error) {
	candidates := []fileCandidate{
		{"question", objectstore.SplitKey(bookID, objectstore.CategoryQuestions, splitting.QuestionFile(item.Stem))},
	}
	if !item.QuestionOnly {
		candidates = append(candidates,
			fileCandidate{"answerKey", objectstore.SplitKey(bookID, objectstore.CategoryAnswerKeys, splitting.AnswerKeyFile(item.Stem))},
			fileCandidate{"explanation", objectstore.SplitKey(bookID, objectstore.CategoryExplanations, splitting.ExplanationFile(item.Stem))},
		)
	}

	out := itemFiles{exists: map[string]bool{}, warnings: []string{}}
	for _, c := range candidates {
		ok, err := s.objects.Exists(ctx, c.key)
		if err != nil {
			return itemFiles{}, err
		}
		out.exists[c.role] = ok
		if !ok {
			if c.role != "question" {
				out.warnings = append(out.warnings, c.role+" file is missing: "+c.key)
			}
			continue
		}
		switch c.role {
		case "question":
			out.files.Question = c.key
		case "answerKey":
			out.files.AnswerKey = c.key
		case "explanation":
			out.files.Explanation = c.key
		}
	}
	return out, nil
}

func executionPayload(item executionItem, exec store.Execution, files itemFiles) map[string]any {
	status := exec.Status
	if status == "" {
		status = store.ExecutionNotStarted
	}
	return map[string]any{
		"itemId":      item.ID,
		"label":       item.Label,
		"status":      status,
		"config":      exec.Config,
		"error":       exec.Error,
		"reportPath":  exec.ReportPath,
		"startedAt":   formatTime(exec.StartedAt),
		"completedAt": formatTime(exec.CompletedAt),
		"files":       files.exists,
		"warnings":    files.warnings,
	}
}

// ListExecutions returns all seven items, including ones never started.
func (s *Service) ListExecutions(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	executions, err := s.store.ListExecutions(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	byItem := make(map[string]store.Execution, len(executions))
	for _, exec := range executions {
		byItem[exec.ItemID] = exec
	}
	items := make([]map[string]any, 0, len(executionItems))
	for _, item := range executionItems {
		files, err := s.checkItemFiles(ctx, book.ID, item)
		if err != nil {
			return nil, err
		}
		items = append(items, executionPayload(item, byItem[item.ID], files))
	}
	return map[string]any{
		"bookId":          book.ID,
		"executionConfig": book.ExecutionConfig,
		"configComplete":  book.ExecutionConfig.Complete(),
		"items":           items,
	}, nil
}

func (s *Service) UpdateExecutionConfig(ctx context.Context, session Session, bookID string, cfg store.ExecutionConfig) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	cfg = store.ExecutionConfig{
		Model:   strings.TrimSpace(cfg.Model),
		Grade:   strings.TrimSpace(cfg.Grade),
		Board:   strings.TrimSpace(cfg.Board),
		Subject: strings.TrimSpace(cfg.Subject),
	}
	if cfg.Model == "" {
		cfg.Model = store.DefaultExecutionModel
	}
	if err := s.store.SetExecutionConfig(ctx, book.ID, cfg); err != nil {
		return nil, err
	}
	return map[string]any{"bookId": book.ID, "executionConfig": cfg, "configComplete": cfg.Complete()}, nil
}

// StartExecution marks an item running and hands it to the external
// reviewer through the execution queue.
func (s *Service) StartExecution(ctx context.Context, session Session, bookID, itemID string) (map[string]any, error) {
	if s.queue == nil {
		return nil, unavailable("QUEUE_UNAVAILABLE", "Execution queue is not configured")
	}
	book, err := s.loadOwnedBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	item, ok := findExecutionItem(itemID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "ITEM_NOT_FOUND", "Unknown execution item: "+itemID, nil)
	}
	cfg := book.ExecutionConfig
	if !cfg.Complete() {
		return nil, domainError(http.StatusUnprocessableEntity, "CONFIG_INCOMPLETE", "Set grade, board and subject before starting an execution", nil)
	}
	if cfg.Model == "" {
		cfg.Model = store.DefaultExecutionModel
	}

	files, err := s.checkItemFiles(ctx, book.ID, item)
	if err != nil {
		return nil, err
	}
	if files.files.Question == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "QUESTION_FILE_MISSING", "Question file is missing; split the book first", nil)
	}

	now := s.now().UTC()
	if err := s.store.StartExecution(ctx, store.Execution{
		BookID:    book.ID,
		ItemID:    item.ID,
		Status:    store.ExecutionRunning,
		Config:    cfg,
		StartedAt: &now,
	}); err != nil {
		if errors.Is(err, store.ErrExecutionRunning) {
			return nil, domainError(http.StatusConflict, "EXECUTION_RUNNING", "This item is already running", nil)
		}
		return nil, err
	}

	job := dispatch.Job{
		BookID:     book.ID,
		ItemID:     item.ID,
		Model:      cfg.Model,
		Grade:      cfg.Grade,
		Board:      cfg.Board,
		Subject:    cfg.Subject,
		Files:      files.files,
		ReportKey:  objectstore.ReportKey(book.ID, item.ID),
		EnqueuedBy: session.UserID,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if finishErr := s.store.FinishExecution(context.WithoutCancel(ctx), book.ID, item.ID, store.ExecutionFailed, "", "enqueue failed: "+err.Error(), s.now().UTC()); finishErr != nil {
			s.logger.Error("record enqueue failure", zap.String("book_id", book.ID), zap.Error(finishErr))
		}
		return nil, err
	}
	s.logger.Info("execution queued", zap.String("book_id", book.ID), zap.String("item_id", item.ID), zap.String("model", cfg.Model))

	return map[string]any{
		"bookId":   book.ID,
		"itemId":   item.ID,
		"status":   store.ExecutionRunning,
		"warnings": files.warnings,
	}, nil
}

type CompletionInput struct {
	Status string          `json:"status"`
	Report json.RawMessage `json:"report"`
	Error  string          `json:"error"`
}

// CompleteExecution records the reviewer's outcome for a running item.
func (s *Service) CompleteExecution(ctx context.Context, bookID, itemID string, input CompletionInput) (map[string]any, error) {
	if _, ok := findExecutionItem(itemID); !ok {
		return nil, domainError(http.StatusNotFound, "ITEM_NOT_FOUND", "Unknown execution item: "+itemID, nil)
	}
	now := s.now().UTC()
	var err error
	reportKey := ""
	switch input.Status {
	case store.ExecutionCompleted:
		if len(input.Report) == 0 || !json.Valid(input.Report) {
			return nil, validationError("report must be a JSON document")
		}
		current, getErr := s.store.GetExecution(ctx, bookID, itemID)
		if getErr != nil && !errors.Is(getErr, sql.ErrNoRows) {
			return nil, getErr
		}
		if getErr != nil || current.Status != store.ExecutionRunning {
			return nil, executionNotRunning()
		}
		reportKey = objectstore.ReportKey(bookID, itemID)
		if err := s.objects.PutString(ctx, reportKey, string(input.Report), objectstore.ContentTypeJSON); err != nil {
			return nil, err
		}
		err = s.store.FinishExecution(ctx, bookID, itemID, store.ExecutionCompleted, reportKey, "", now)
	case store.ExecutionFailed:
		message := strings.TrimSpace(input.Error)
		if message == "" {
			message = "Execution failed"
		}
		err = s.store.FinishExecution(ctx, bookID, itemID, store.ExecutionFailed, "", message, now)
	default:
		return nil, validationError("status must be completed or failed")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, executionNotRunning()
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"bookId": bookID, "itemId": itemID, "status": input.Status, "reportPath": reportKey}, nil
}

func executionNotRunning() *DomainError {
	return domainError(http.StatusConflict, "EXECUTION_NOT_RUNNING", "Execution is not running", nil)
}

func (s *Service) ExecutionReport(ctx context.Context, session Session, bookID, itemID string) (json.RawMessage, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	if _, ok := findExecutionItem(itemID); !ok {
		return nil, domainError(http.StatusNotFound, "ITEM_NOT_FOUND", "Unknown execution item: "+itemID, nil)
	}
	exec, err := s.store.GetExecution(ctx, book.ID, itemID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && exec.ReportPath == "") {
		return nil, domainError(http.StatusNotFound, "REPORT_NOT_FOUND", "No report for this item yet", nil)
	}
	if err != nil {
		return nil, err
	}
	data, err := s.objects.Get(ctx, exec.ReportPath)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "REPORT_NOT_FOUND", "No report for this item yet", nil)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
