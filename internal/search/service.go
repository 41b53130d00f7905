package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) available() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexBook indexes a book (fire-and-forget to Meilisearch).
func (s *Service) IndexBook(book BookRecord) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.IndexBook(book); err != nil {
			s.logger.Warn("index book", zap.String("book_id", book.ID), zap.Error(err))
		}
	}()
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(project ProjectRecord) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.IndexProject(project); err != nil {
			s.logger.Warn("index project", zap.String("project_id", project.ID), zap.Error(err))
		}
	}()
}

// DeleteBook removes a book from the search index (fire-and-forget).
func (s *Service) DeleteBook(id string) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.DeleteBook(id); err != nil {
			s.logger.Warn("delete book from index", zap.String("book_id", id), zap.Error(err))
		}
	}()
}

// DeleteProject removes a project from the search index (fire-and-forget).
func (s *Service) DeleteProject(id string) {
	if !s.available() {
		return
	}
	go func() {
		if err := s.meili.DeleteProject(id); err != nil {
			s.logger.Warn("delete project from index", zap.String("project_id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every book and project from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.available() || s.pgfts == nil {
		return
	}
	books, projects, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexBooks(books); err != nil {
		s.logger.Warn("reindex books", zap.Error(err))
	}
	if err := s.meili.IndexProjects(projects); err != nil {
		s.logger.Warn("reindex projects", zap.Error(err))
	}
	s.logger.Info("search reindexed", zap.Int("books", len(books)), zap.Int("projects", len(projects)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
