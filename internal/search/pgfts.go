package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches with PostgreSQL full-text search when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

const (
	bookVector    = "to_tsvector('simple', coalesce(b.title, '') || ' ' || coalesce(b.file_name, ''))"
	projectVector = "to_tsvector('simple', coalesce(p.name, '') || ' ' || coalesce(p.description, ''))"
)

// Search runs a UNION ALL over books and projects ranked with ts_rank. The
// vector expressions match the GIN indexes in the migrations.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultBook {
		where := bookVector + " @@ " + tsQuery
		if q.UserID != "" {
			where += fmt.Sprintf(" AND b.user_id = $%d", argN)
			args = append(args, q.UserID)
			argN++
		}
		if q.ProjectID != "" {
			where += fmt.Sprintf(" AND b.project_id = $%d", argN)
			args = append(args, q.ProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'book'::text AS type, b.id, b.title,
				ts_headline('simple', coalesce(b.file_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				coalesce(b.project_id, '') AS project_id, b.status,
				ts_rank(%s, %s) AS rank
			FROM books b
			WHERE %s`, tsQuery, bookVector, tsQuery, where))
	}

	if (q.FilterType == "" || q.FilterType == ResultProject) && q.ProjectID == "" {
		where := projectVector + " @@ " + tsQuery
		if q.UserID != "" {
			where += fmt.Sprintf(" AND p.user_id = $%d", argN)
			args = append(args, q.UserID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name AS title,
				ts_headline('simple', coalesce(p.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, ''::text AS status,
				ts_rank(%s, %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, projectVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, project_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BookRecord, []ProjectRecord, error) {
	bookRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, file_name, user_id, coalesce(project_id, ''), status
		FROM books
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load books: %w", err)
	}
	defer bookRows.Close()

	books := make([]BookRecord, 0)
	for bookRows.Next() {
		var b BookRecord
		if err := bookRows.Scan(&b.ID, &b.Title, &b.FileName, &b.UserID, &b.ProjectID, &b.Status); err != nil {
			return nil, nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := bookRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate books: %w", err)
	}

	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, user_id
		FROM projects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var pr ProjectRecord
		if err := projectRows.Scan(&pr.ID, &pr.Name, &pr.Description, &pr.UserID); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}
	return books, projects, nil
}
