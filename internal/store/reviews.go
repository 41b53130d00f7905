package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrExecutionRunning is returned by StartExecution when the item is already
// running.
var ErrExecutionRunning = errors.New("execution already running")

// StartExecution marks an item running unless it already is. The check and
// the write happen in one statement.
func (s *PostgresStore) StartExecution(ctx context.Context, execution Execution) error {
	config, err := json.Marshal(execution.Config)
	if err != nil {
		return fmt.Errorf("encode execution config: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (book_id, item_id, status, config, error, report_path, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (book_id, item_id) DO UPDATE SET
			status=EXCLUDED.status,
			config=EXCLUDED.config,
			error=EXCLUDED.error,
			report_path=EXCLUDED.report_path,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at
		WHERE executions.status <> 'running'
	`, execution.BookID, execution.ItemID, execution.Status, config, execution.Error, execution.ReportPath, execution.StartedAt, execution.CompletedAt)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if affected == 0 {
		return ErrExecutionRunning
	}
	return nil
}

// FinishExecution records the outcome reported by the reviewer. It only
// touches a running execution.
func (s *PostgresStore) FinishExecution(ctx context.Context, bookID, itemID, status, reportPath, errMessage string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status=$3, report_path=$4, error=$5, completed_at=$6
		WHERE book_id=$1 AND item_id=$2 AND status='running'
	`, bookID, itemID, status, reportPath, errMessage, at)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, bookID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_id, item_id, status, config, error, report_path, started_at, completed_at
		FROM executions WHERE book_id=$1
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	items := make([]Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		items = append(items, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, bookID, itemID string) (Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `
		SELECT book_id, item_id, status, config, error, report_path, started_at, completed_at
		FROM executions WHERE book_id=$1 AND item_id=$2
	`, bookID, itemID))
}

func scanExecution(row rowScanner) (Execution, error) {
	var execution Execution
	var config []byte
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&execution.BookID, &execution.ItemID, &execution.Status, &config, &execution.Error, &execution.ReportPath, &startedAt, &completedAt); err != nil {
		return Execution{}, err
	}
	if err := decodeJSONColumn(config, &execution.Config); err != nil {
		return Execution{}, fmt.Errorf("decode execution config: %w", err)
	}
	execution.StartedAt = nullTime(startedAt)
	execution.CompletedAt = nullTime(completedAt)
	return execution, nil
}

func (s *PostgresStore) SaveReportB(ctx context.Context, report ReportB) error {
	order, err := json.Marshal(report.FileOrder)
	if err != nil {
		return fmt.Errorf("encode file order: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_b (book_id, uploaded_by, file_name, report_data, file_order)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (book_id) DO UPDATE SET
			uploaded_by=EXCLUDED.uploaded_by,
			file_name=EXCLUDED.file_name,
			report_data=EXCLUDED.report_data,
			file_order=EXCLUDED.file_order,
			uploaded_at=NOW()
	`, report.BookID, report.UploadedBy, report.FileName, []byte(report.Data), order)
	if err != nil {
		return fmt.Errorf("save report b: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReportB(ctx context.Context, bookID string) (ReportB, error) {
	var report ReportB
	var data, order []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT book_id, uploaded_by, file_name, report_data, file_order, uploaded_at
		FROM report_b WHERE book_id=$1
	`, bookID).Scan(&report.BookID, &report.UploadedBy, &report.FileName, &data, &order, &report.UploadedAt)
	if err != nil {
		return ReportB{}, err
	}
	report.Data = json.RawMessage(data)
	if err := decodeJSONColumn(order, &report.FileOrder); err != nil {
		return ReportB{}, fmt.Errorf("decode file order: %w", err)
	}
	return report, nil
}

// UpsertFeedback writes the supplied fields of a reviewer's decision on one
// issue, creating the row on first use.
func (s *PostgresStore) UpsertFeedback(ctx context.Context, id, bookID, userID, issueID string, patch FeedbackPatch) (Feedback, error) {
	var feedback Feedback
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO report_b_feedback (id, book_id, user_id, issue_id, status, notes)
		VALUES ($1, $2, $3, $4, $5, COALESCE($7, ''))
		ON CONFLICT (book_id, user_id, issue_id) DO UPDATE SET
			status = CASE WHEN $6 THEN EXCLUDED.status ELSE report_b_feedback.status END,
			notes = COALESCE($7, report_b_feedback.notes),
			updated_at = NOW()
		RETURNING id, book_id, user_id, issue_id, status, notes, created_at, updated_at
	`, id, bookID, userID, issueID, patch.Status, patch.StatusSet, patch.Notes).Scan(
		&feedback.ID, &feedback.BookID, &feedback.UserID, &feedback.IssueID, &status, &feedback.Notes, &feedback.CreatedAt, &feedback.UpdatedAt,
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("upsert feedback: %w", err)
	}
	if status.Valid {
		value := status.String
		feedback.Status = &value
	}
	return feedback, nil
}

// ListFeedback returns feedback on the book's Report B. An empty userID
// returns every reviewer's feedback.
func (s *PostgresStore) ListFeedback(ctx context.Context, bookID, userID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, user_id, issue_id, status, notes, created_at, updated_at
		FROM report_b_feedback
		WHERE book_id=$1 AND ($2 = '' OR user_id=$2)
		ORDER BY created_at
	`, bookID, userID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	items := make([]Feedback, 0)
	for rows.Next() {
		var feedback Feedback
		var status sql.NullString
		if err := rows.Scan(&feedback.ID, &feedback.BookID, &feedback.UserID, &feedback.IssueID, &status, &feedback.Notes, &feedback.CreatedAt, &feedback.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if status.Valid {
			value := status.String
			feedback.Status = &value
		}
		items = append(items, feedback)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertManualIssue(ctx context.Context, issue ManualIssue) (ManualIssue, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO report_b_manual_issues (id, book_id, user_id, source_file, question_number, issue_description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING added_at
	`, issue.ID, issue.BookID, issue.UserID, issue.SourceFile, issue.QuestionNumber, issue.IssueDescription).Scan(&issue.AddedAt)
	if err != nil {
		return ManualIssue{}, fmt.Errorf("insert manual issue: %w", err)
	}
	return issue, nil
}

// ListManualIssues returns manual issues for the book. An empty userID
// returns every reviewer's issues.
func (s *PostgresStore) ListManualIssues(ctx context.Context, bookID, userID string) ([]ManualIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, user_id, source_file, question_number, issue_description, added_at
		FROM report_b_manual_issues
		WHERE book_id=$1 AND ($2 = '' OR user_id=$2)
		ORDER BY added_at
	`, bookID, userID)
	if err != nil {
		return nil, fmt.Errorf("list manual issues: %w", err)
	}
	defer rows.Close()

	items := make([]ManualIssue, 0)
	for rows.Next() {
		var issue ManualIssue
		if err := rows.Scan(&issue.ID, &issue.BookID, &issue.UserID, &issue.SourceFile, &issue.QuestionNumber, &issue.IssueDescription, &issue.AddedAt); err != nil {
			return nil, fmt.Errorf("scan manual issue: %w", err)
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manual issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetManualIssue(ctx context.Context, bookID, issueID string) (ManualIssue, error) {
	var issue ManualIssue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, user_id, source_file, question_number, issue_description, added_at
		FROM report_b_manual_issues WHERE book_id=$1 AND id=$2
	`, bookID, issueID).Scan(&issue.ID, &issue.BookID, &issue.UserID, &issue.SourceFile, &issue.QuestionNumber, &issue.IssueDescription, &issue.AddedAt)
	if err != nil {
		return ManualIssue{}, err
	}
	return issue, nil
}

func (s *PostgresStore) DeleteManualIssue(ctx context.Context, bookID, issueID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM report_b_manual_issues WHERE book_id=$1 AND id=$2`, bookID, issueID)
	if err != nil {
		return fmt.Errorf("delete manual issue: %w", err)
	}
	return expectOneRow(result)
}
