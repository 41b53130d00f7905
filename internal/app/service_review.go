package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"manuscript/api/internal/reportb"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
)

func reportNotFound() *DomainError {
	return domainError(http.StatusNotFound, "REPORT_NOT_FOUND", "No quality report has been uploaded for this book", nil)
}

func feedbackPayload(fb store.Feedback) map[string]any {
	return map[string]any{
		"id":        fb.ID,
		"issueId":   fb.IssueID,
		"userId":    fb.UserID,
		"status":    fb.Status,
		"notes":     fb.Notes,
		"updatedAt": fb.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func manualIssuePayload(issue store.ManualIssue) map[string]any {
	return map[string]any{
		"id":               issue.ID,
		"bookId":           issue.BookID,
		"userId":           issue.UserID,
		"sourceFile":       issue.SourceFile,
		"questionNumber":   issue.QuestionNumber,
		"issueDescription": issue.IssueDescription,
		"addedAt":          issue.AddedAt.UTC().Format(time.RFC3339),
	}
}

// loadReportIssues returns the flattened issues of the book's Report B.
func (s *Service) loadReportIssues(ctx context.Context, bookID string) (reportb.Report, []reportb.Issue, []string, error) {
	record, err := s.store.GetReportB(ctx, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return reportb.Report{}, nil, nil, reportNotFound()
	}
	if err != nil {
		return reportb.Report{}, nil, nil, err
	}
	report, err := reportb.Parse(record.Data)
	if err != nil {
		return reportb.Report{}, nil, nil, err
	}
	fileOrder := record.FileOrder
	if len(fileOrder) == 0 {
		fileOrder = report.FileOrder()
	}
	return report, reportb.Flatten(report, fileOrder), fileOrder, nil
}

// ListIssues returns one page of Report B issues with the caller's feedback
// attached.
func (s *Service) ListIssues(ctx context.Context, session Session, bookID string, query reportb.Query) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	_, issues, fileOrder, err := s.loadReportIssues(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	feedback, err := s.store.ListFeedback(ctx, book.ID, session.UserID)
	if err != nil {
		return nil, err
	}
	index := reportb.FeedbackIndex(feedback)
	page := reportb.Select(issues, index, query)

	items := make([]map[string]any, 0, len(page.Issues))
	for _, issue := range page.Issues {
		item := map[string]any{
			"id":             issue.ID,
			"sourceFile":     issue.SourceFile,
			"questionNumber": issue.QuestionNumber,
			"issueType":      issue.IssueType,
			"severity":       issue.Severity,
			"location":       issue.Location,
			"issue":          issue.Issue,
			"suggestion":     issue.Suggestion,
			"originalIssue":  issue.OriginalIssue,
			"feedback":       nil,
		}
		if fb, ok := index[issue.ID]; ok {
			item["feedback"] = feedbackPayload(fb)
		}
		items = append(items, item)
	}
	return map[string]any{
		"issues":     items,
		"page":       page.Page,
		"pageSize":   page.PageSize,
		"total":      page.Total,
		"totalPages": page.TotalPages,
		"fileOrder":  fileOrder,
	}, nil
}

// FeedbackInput carries a reviewer decision. StatusSet distinguishes an
// explicit null, which clears the decision, from an absent status.
type FeedbackInput struct {
	IssueID   string
	StatusSet bool
	Status    *string
	Notes     *string
}

func (s *Service) SaveFeedback(ctx context.Context, session Session, bookID string, input FeedbackInput) (map[string]any, error) {
	issueID := strings.TrimSpace(input.IssueID)
	if issueID == "" {
		return nil, validationError("issueId is required")
	}
	if input.Status != nil && !reportb.ValidFeedbackStatus(*input.Status) {
		return nil, validationError("status must be accepted, rejected or null")
	}
	if !input.StatusSet && input.Notes == nil {
		return nil, validationError("status or notes is required")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	_, issues, _, err := s.loadReportIssues(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, issue := range issues {
		if issue.ID == issueID {
			found = true
			break
		}
	}
	if !found {
		return nil, domainError(http.StatusNotFound, "ISSUE_NOT_FOUND", "Issue not found in report", nil)
	}

	status := input.Status
	if status != nil && *status == "" {
		status = nil
	}
	fb, err := s.store.UpsertFeedback(ctx, util.NewID("fb"), book.ID, session.UserID, issueID, store.FeedbackPatch{
		StatusSet: input.StatusSet,
		Status:    status,
		Notes:     input.Notes,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"feedback": feedbackPayload(fb)}, nil
}

type ManualIssueInput struct {
	SourceFile       string `json:"sourceFile"`
	QuestionNumber   string `json:"questionNumber"`
	IssueDescription string `json:"issueDescription"`
}

func (s *Service) AddManualIssue(ctx context.Context, session Session, bookID string, input ManualIssueInput) (map[string]any, error) {
	if strings.TrimSpace(input.IssueDescription) == "" {
		return nil, validationError("issueDescription is required")
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	issue, err := s.store.InsertManualIssue(ctx, store.ManualIssue{
		ID:               util.NewID("mi"),
		BookID:           book.ID,
		UserID:           session.UserID,
		SourceFile:       strings.TrimSpace(input.SourceFile),
		QuestionNumber:   strings.TrimSpace(input.QuestionNumber),
		IssueDescription: strings.TrimSpace(input.IssueDescription),
		AddedAt:          s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue": manualIssuePayload(issue)}, nil
}

func (s *Service) ListManualIssues(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListManualIssues(ctx, book.ID, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, manualIssuePayload(issue))
	}
	return map[string]any{"issues": items}, nil
}

// DeleteManualIssue is allowed for the issue's author and admins.
func (s *Service) DeleteManualIssue(ctx context.Context, session Session, bookID, issueID string) error {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return err
	}
	issue, err := s.store.GetManualIssue(ctx, book.ID, issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "ISSUE_NOT_FOUND", "Manual issue not found", nil)
	}
	if err != nil {
		return err
	}
	if issue.UserID != session.UserID && !session.IsAdmin() {
		return forbidden()
	}
	return s.store.DeleteManualIssue(ctx, book.ID, issue.ID)
}

// ReviewMetrics summarizes feedback on the book's report. With all set an
// admin sees every reviewer's feedback combined.
func (s *Service) ReviewMetrics(ctx context.Context, session Session, bookID string, all bool) (map[string]any, error) {
	if all && !session.IsAdmin() {
		return nil, forbidden()
	}
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return nil, err
	}
	report, _, _, err := s.loadReportIssues(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	userID := session.UserID
	if all {
		userID = ""
	}
	feedback, err := s.store.ListFeedback(ctx, book.ID, userID)
	if err != nil {
		return nil, err
	}
	manual, err := s.store.ListManualIssues(ctx, book.ID, userID)
	if err != nil {
		return nil, err
	}
	metrics := reportb.ComputeMetrics(report, feedback, len(manual))
	return map[string]any{"bookId": book.ID, "scope": scopeLabel(all), "metrics": metrics}, nil
}

func scopeLabel(all bool) string {
	if all {
		return "all"
	}
	return "mine"
}
