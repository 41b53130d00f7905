package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const projectColumns = `id, name, description, user_id, settings, book_count, created_at, updated_at`

func scanProject(row rowScanner) (Project, error) {
	var project Project
	var settings []byte
	if err := row.Scan(&project.ID, &project.Name, &project.Description, &project.UserID, &settings, &project.BookCount, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return Project{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &project.Settings); err != nil {
			return Project{}, fmt.Errorf("decode project settings: %w", err)
		}
	}
	project.Settings = project.Settings.Normalize()
	return project, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	settings, err := json.Marshal(project.Settings.Normalize())
	if err != nil {
		return fmt.Errorf("encode project settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, user_id, settings)
		VALUES ($1, $2, $3, $4, $5)
	`, project.ID, project.Name, project.Description, project.UserID, settings)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
}

// ListProjects returns projects owned by userID, or every project when userID
// is empty.
func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	settings, err := json.Marshal(project.Settings.Normalize())
	if err != nil {
		return fmt.Errorf("encode project settings: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, settings=$4, updated_at=NOW()
		WHERE id=$1
	`, project.ID, project.Name, project.Description, settings)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectOneRow(result)
}

// DeleteProject removes the project. Its books go with it through the
// foreign key cascade.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return expectOneRow(result)
}
