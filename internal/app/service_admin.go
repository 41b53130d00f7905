package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"manuscript/api/internal/rbac"
	"manuscript/api/internal/search"
)

func (s *Service) requireAdmin(session Session) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return forbidden()
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, map[string]any{
			"id":            u.ID,
			"email":         u.Email,
			"displayName":   u.DisplayName,
			"role":          u.Role,
			"emailVerified": u.IsEmailVerified,
			"createdAt":     u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"users": items}, nil
}

// SetUserRole changes a user's role. Admins cannot demote themselves.
func (s *Service) SetUserRole(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Valid(role) {
		return nil, validationError("role must be user, editor or admin")
	}
	if userID == session.UserID && role != string(rbac.RoleAdmin) {
		return nil, domainError(http.StatusConflict, "SELF_DEMOTION", "You cannot remove your own admin role", nil)
	}
	if err := s.store.SetUserRole(ctx, userID, role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
		}
		return nil, err
	}
	return map[string]any{"userId": userID, "role": role}, nil
}

func (s *Service) AdminStats(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	stats, err := s.store.AdminStats(ctx)
	if err != nil {
		return nil, err
	}
	byStatus := stats.BooksByStatus
	if byStatus == nil {
		byStatus = map[string]int{}
	}
	return map[string]any{
		"users":         stats.Users,
		"projects":      stats.Projects,
		"books":         stats.Books,
		"booksByStatus": byStatus,
	}, nil
}

// Search finds books and projects. Callers without view-all rights only see
// their own.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.search == nil || q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	if !s.Can(session.Role, rbac.ActionViewAll) {
		q.UserID = session.UserID
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.search.Search(ctx, q)
}
