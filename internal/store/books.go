package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const bookColumns = `id, title, file_name, file_path, user_id, user_email, project_id, status, uploaded_at,
	report_data, report_file_name, report_uploaded_at, report_data_b, report_b_file_name, report_b_uploaded_at,
	extraction_status, extraction_error, mineru_task_id, full_md_path, images_path, image_count, extracted_at,
	splitting_status, splitting_error, split_files, total_files, split_at,
	last_modified, modified_by, modified_files, execution_config`

func scanBook(row rowScanner) (Book, error) {
	var book Book
	var projectID sql.NullString
	var reportUploadedAt, reportBUploadedAt, extractedAt, splitAt, lastModified sql.NullTime
	var splitFiles, modifiedFiles, executionConfig []byte
	err := row.Scan(
		&book.ID, &book.Title, &book.FileName, &book.FilePath, &book.UserID, &book.UserEmail, &projectID, &book.Status, &book.UploadedAt,
		&book.ReportData, &book.ReportFileName, &reportUploadedAt, &book.ReportDataB, &book.ReportBFileName, &reportBUploadedAt,
		&book.ExtractionStatus, &book.ExtractionError, &book.MineruTaskID, &book.FullMDPath, &book.ImagesPath, &book.ImageCount, &extractedAt,
		&book.SplittingStatus, &book.SplittingError, &splitFiles, &book.TotalFiles, &splitAt,
		&lastModified, &book.ModifiedBy, &modifiedFiles, &executionConfig,
	)
	if err != nil {
		return Book{}, err
	}
	if projectID.Valid {
		id := projectID.String
		book.ProjectID = &id
	}
	book.ReportUploadedAt = nullTime(reportUploadedAt)
	book.ReportBUploadedAt = nullTime(reportBUploadedAt)
	book.ExtractedAt = nullTime(extractedAt)
	book.SplitAt = nullTime(splitAt)
	book.LastModified = nullTime(lastModified)

	if err := decodeJSONColumn(splitFiles, &book.SplitFiles); err != nil {
		return Book{}, fmt.Errorf("decode split files: %w", err)
	}
	if err := decodeJSONColumn(modifiedFiles, &book.ModifiedFiles); err != nil {
		return Book{}, fmt.Errorf("decode modified files: %w", err)
	}
	if err := decodeJSONColumn(executionConfig, &book.ExecutionConfig); err != nil {
		return Book{}, fmt.Errorf("decode execution config: %w", err)
	}
	if book.SplitFiles == nil {
		book.SplitFiles = []SplitFile{}
	}
	if book.ModifiedFiles == nil {
		book.ModifiedFiles = []string{}
	}
	return book, nil
}

func decodeJSONColumn(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func (s *PostgresStore) InsertBook(ctx context.Context, book Book) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert book: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO books (id, title, file_name, file_path, user_id, user_email, project_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, book.ID, book.Title, book.FileName, book.FilePath, book.UserID, book.UserEmail, book.ProjectID, book.Status); err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	if book.ProjectID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET book_count = book_count + 1, updated_at=NOW() WHERE id=$1
		`, *book.ProjectID); err != nil {
			return fmt.Errorf("increment book count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	return scanBook(s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id=$1`, bookID))
}

func (s *PostgresStore) ListBooks(ctx context.Context, filter BookFilter) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookColumns+`
		FROM books
		WHERE ($1 = '' OR user_id = $1)
			AND ($2 = '' OR project_id = $2)
		ORDER BY uploaded_at DESC
	`, filter.UserID, filter.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBookStatus(ctx context.Context, bookID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE books SET status=$2 WHERE id=$1`, bookID, status)
	if err != nil {
		return fmt.Errorf("update book status: %w", err)
	}
	return expectOneRow(result)
}

// DeleteBook removes the book and decrements its project's book count.
func (s *PostgresStore) DeleteBook(ctx context.Context, bookID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete book: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID sql.NullString
	if err := tx.QueryRowContext(ctx, `DELETE FROM books WHERE id=$1 RETURNING project_id`, bookID).Scan(&projectID); err != nil {
		if isNoRows(err) {
			return err
		}
		return fmt.Errorf("delete book: %w", err)
	}
	if projectID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET book_count = GREATEST(book_count - 1, 0), updated_at=NOW() WHERE id=$1
		`, projectID.String); err != nil {
			return fmt.Errorf("decrement book count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete book: %w", err)
	}
	return nil
}

// SaveReportA stores the markdown report and marks the book completed.
func (s *PostgresStore) SaveReportA(ctx context.Context, bookID, fileName, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET report_data=$2, report_file_name=$3, report_uploaded_at=NOW(), status='completed'
		WHERE id=$1
	`, bookID, content, fileName)
	if err != nil {
		return fmt.Errorf("save report a: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) SaveReportBHTML(ctx context.Context, bookID, fileName, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET report_data_b=$2, report_b_file_name=$3, report_b_uploaded_at=NOW()
		WHERE id=$1
	`, bookID, content, fileName)
	if err != nil {
		return fmt.Errorf("save report b html: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) MarkExtractionStarted(ctx context.Context, bookID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE books SET extraction_status='processing', extraction_error='' WHERE id=$1
	`, bookID)
	if err != nil {
		return fmt.Errorf("mark extraction started: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) SetMineruTask(ctx context.Context, bookID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE books SET mineru_task_id=$2 WHERE id=$1`, bookID, taskID)
	if err != nil {
		return fmt.Errorf("set mineru task: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteExtraction(ctx context.Context, bookID string, result ExtractionResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET extraction_status='completed', extraction_error='', full_md_path=$2, images_path=$3,
			image_count=$4, extracted_at=NOW()
		WHERE id=$1
	`, bookID, result.FullMDPath, result.ImagesPath, result.ImageCount)
	if err != nil {
		return fmt.Errorf("complete extraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailExtraction(ctx context.Context, bookID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books SET extraction_status='failed', extraction_error=$2 WHERE id=$1
	`, bookID, message)
	if err != nil {
		return fmt.Errorf("fail extraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSplittingStarted(ctx context.Context, bookID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE books SET splitting_status='processing', splitting_error='' WHERE id=$1
	`, bookID)
	if err != nil {
		return fmt.Errorf("mark splitting started: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) CompleteSplitting(ctx context.Context, bookID string, files []SplitFile) error {
	encoded, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode split files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE books
		SET splitting_status='completed', splitting_error='', split_files=$2, total_files=$3, split_at=NOW()
		WHERE id=$1
	`, bookID, encoded, len(files))
	if err != nil {
		return fmt.Errorf("complete splitting: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailSplitting(ctx context.Context, bookID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books SET splitting_status='failed', splitting_error=$2 WHERE id=$1
	`, bookID, message)
	if err != nil {
		return fmt.Errorf("fail splitting: %w", err)
	}
	return nil
}

// RecordModification notes an edit to split files. The given names are
// merged into modified_files in the same statement, keeping first-seen order,
// so concurrent edits of different files both survive.
func (s *PostgresStore) RecordModification(ctx context.Context, bookID, userID string, files []string, at time.Time) error {
	encoded, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode modified files: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE books SET last_modified=$2, modified_by=$3, modified_files=(
			SELECT COALESCE(jsonb_agg(name ORDER BY first_pos), '[]'::jsonb)
			FROM (
				SELECT name, MIN(pos) AS first_pos
				FROM jsonb_array_elements_text(books.modified_files || $4::jsonb) WITH ORDINALITY AS t(name, pos)
				WHERE btrim(name) <> ''
				GROUP BY name
			) merged
		)
		WHERE id=$1
	`, bookID, at, userID, string(encoded))
	if err != nil {
		return fmt.Errorf("record modification: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) SetExecutionConfig(ctx context.Context, bookID string, cfg ExecutionConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode execution config: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE books SET execution_config=$2 WHERE id=$1`, bookID, encoded)
	if err != nil {
		return fmt.Errorf("set execution config: %w", err)
	}
	return expectOneRow(result)
}
