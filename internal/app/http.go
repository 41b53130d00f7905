package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/auth"
	"manuscript/api/internal/authpw"
	"manuscript/api/internal/reportb"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
)

const reviewerTokenHeader = "X-Reviewer-Token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/auth/") {
		s.handleAuth(w, r, strings.TrimPrefix(r.URL.Path, "/api/auth/"))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"email":         session.Email,
			"role":          session.Role,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// Reviewer callbacks authenticate with the shared reviewer token.
	if len(parts) == 5 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "executions" {
		s.handleExecutionCallback(w, r, parts[3], parts[4])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "projects":
		s.handleProjects(w, r, session, parts[2:])
		return
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "books":
		s.handleBooks(w, r, session, parts[2:])
		return
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "admin":
		s.handleAdmin(w, r, session, parts[2:])
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/search":
		q := r.URL.Query()
		response := s.service.Search(r.Context(), session, search.Query{
			Text:       q.Get("q"),
			FilterType: search.ResultType(q.Get("type")),
			ProjectID:  q.Get("projectId"),
			Limit:      queryInt(r, "limit", 20),
			Offset:     queryInt(r, "offset", 0),
		})
		writeJSON(w, http.StatusOK, response)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListProjects(r.Context(), session)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body ProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateProject(r.Context(), session, body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	projectID := rest[0]
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetProject(r.Context(), session, projectID)
		s.respond(w, http.StatusOK, payload, err)
	case http.MethodPut:
		var body ProjectPatch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateProject(r.Context(), session, projectID, body)
		s.respond(w, http.StatusOK, payload, err)
	case http.MethodDelete:
		err := s.service.DeleteProject(r.Context(), session, projectID)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleBooks(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListBooks(r.Context(), session, r.URL.Query().Get("projectId"))
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			s.handleUpload(w, r, session)
		default:
			methodNotAllowed(w)
		}
		return
	}

	bookID := rest[0]
	ctx := r.Context()

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetBook(ctx, session, bookID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			err := s.service.DeleteBook(ctx, session, bookID)
			s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch rest[1] {
	case "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateBookStatus(ctx, session, bookID, body.Status)
		s.respond(w, http.StatusOK, payload, err)

	case "report-a":
		if len(rest) == 3 && rest[2] == "export" && r.Method == http.MethodGet {
			s.handleExport(w, r, session, bookID)
			return
		}
		if len(rest) != 2 || r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveReportA(ctx, session, bookID, body.Content)
		s.respond(w, http.StatusOK, payload, err)

	case "report-b":
		s.handleReportB(w, r, session, bookID, rest[2:])

	case "lock":
		var (
			payload map[string]any
			err     error
		)
		switch r.Method {
		case http.MethodGet:
			payload, err = s.service.LockStatus(ctx, session, bookID)
		case http.MethodPost:
			payload, err = s.service.AcquireLock(ctx, session, bookID)
		case http.MethodDelete:
			payload, err = s.service.ReleaseLock(ctx, session, bookID)
		default:
			methodNotAllowed(w)
			return
		}
		s.respond(w, http.StatusOK, payload, err)

	case "extract":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		payload, err := s.service.StartExtraction(ctx, session, bookID)
		s.respond(w, http.StatusAccepted, payload, err)

	case "full-md":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		resolve := r.URL.Query().Get("resolveImages") != "false"
		payload, err := s.service.GetFullMarkdown(ctx, session, bookID, resolve)
		s.respond(w, http.StatusOK, payload, err)

	case "split":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Patterns json.RawMessage `json:"patterns"`
			Async    bool            `json:"async"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SplitContent(ctx, session, bookID, body.Patterns, body.Async)
		status := http.StatusOK
		if body.Async {
			status = http.StatusAccepted
		}
		s.respond(w, status, payload, err)

	case "splits":
		s.handleSplits(w, r, session, bookID, rest[2:])

	case "images":
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListImages(ctx, session, bookID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodDelete:
			var body struct {
				ImagePath     string   `json:"imagePath"`
				AffectedFiles []string `json:"affectedFiles"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.DeleteImage(ctx, session, bookID, body.ImagePath, body.AffectedFiles)
			s.respond(w, http.StatusOK, payload, err)
		default:
			methodNotAllowed(w)
		}

	case "detect-patterns":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		payload, err := s.service.DetectPatterns(ctx, session, bookID)
		s.respond(w, http.StatusOK, payload, err)

	case "executions":
		s.handleExecutions(w, r, session, bookID, rest[2:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	limit := s.service.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 100 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form with a file field", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MISSING_FILE", "file is required", nil)
		return
	}
	defer file.Close()

	payload, err := s.service.UploadBook(r.Context(), session, UploadInput{
		Title:     r.FormValue("title"),
		FileName:  header.Filename,
		ProjectID: r.FormValue("projectId"),
		Size:      header.Size,
		Body:      file,
	})
	s.respond(w, http.StatusCreated, payload, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, bookID string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "pdf"
	}
	result, err := s.service.ExportReportA(r.Context(), session, bookID, format)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleReportB(w http.ResponseWriter, r *http.Request, session Session, bookID string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			FileName string `json:"fileName"`
			Content  string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveReportB(ctx, session, bookID, body.FileName, body.Content)
		s.respond(w, http.StatusOK, payload, err)
		return
	}

	switch {
	case rest[0] == "issues" && len(rest) == 1 && r.Method == http.MethodGet:
		q := r.URL.Query()
		payload, err := s.service.ListIssues(ctx, session, bookID, reportb.Query{
			IssueType: q.Get("issueType"),
			Mine:      q.Get("mine") == "true",
			Page:      queryInt(r, "page", 1),
			PageSize:  queryInt(r, "pageSize", reportb.DefaultPageSize),
		})
		s.respond(w, http.StatusOK, payload, err)

	case rest[0] == "feedback" && len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			IssueID string          `json:"issueId"`
			Status  json.RawMessage `json:"status"`
			Notes   *string         `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input := FeedbackInput{IssueID: body.IssueID, Notes: body.Notes}
		if len(body.Status) > 0 {
			input.StatusSet = true
			if string(body.Status) != "null" {
				var status string
				if err := json.Unmarshal(body.Status, &status); err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be a string or null", nil)
					return
				}
				input.Status = &status
			}
		}
		payload, err := s.service.SaveFeedback(ctx, session, bookID, input)
		s.respond(w, http.StatusOK, payload, err)

	case rest[0] == "manual-issues" && len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListManualIssues(ctx, session, bookID)
			s.respond(w, http.StatusOK, payload, err)
		case http.MethodPost:
			var body ManualIssueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.AddManualIssue(ctx, session, bookID, body)
			s.respond(w, http.StatusCreated, payload, err)
		default:
			methodNotAllowed(w)
		}

	case rest[0] == "manual-issues" && len(rest) == 2 && r.Method == http.MethodDelete:
		err := s.service.DeleteManualIssue(ctx, session, bookID, rest[1])
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)

	case rest[0] == "metrics" && len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.ReviewMetrics(ctx, session, bookID, r.URL.Query().Get("all") == "true")
		s.respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSplits(w http.ResponseWriter, r *http.Request, session Session, bookID string, rest []string) {
	ctx := r.Context()
	q := r.URL.Query()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.ListSplitFiles(ctx, session, bookID)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "file" && r.Method == http.MethodGet:
		payload, err := s.service.GetSplitFile(ctx, session, bookID, q.Get("path"))
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "file" && r.Method == http.MethodPut:
		var body struct {
			FilePath string  `json:"filePath"`
			Content  *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		filePath := q.Get("path")
		if filePath == "" {
			filePath = body.FilePath
		}
		if body.Content == nil {
			writeError(w, http.StatusBadRequest, "MISSING_PARAMETERS", "bookId, filePath, content and userId are required", nil)
			return
		}
		payload, err := s.service.UpdateSplitFile(ctx, session, bookID, filePath, *body.Content)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		file := q.Get("file")
		if hash := q.Get("hash"); hash != "" {
			payload, err := s.service.FileAtRevision(ctx, session, bookID, file, hash)
			s.respond(w, http.StatusOK, payload, err)
			return
		}
		payload, err := s.service.FileHistory(ctx, session, bookID, file, queryInt(r, "limit", 50))
		s.respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExecutions(w http.ResponseWriter, r *http.Request, session Session, bookID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.ListExecutions(ctx, session, bookID)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "config" && r.Method == http.MethodPut:
		var body store.ExecutionConfig
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateExecutionConfig(ctx, session, bookID, body)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && r.Method == http.MethodPost:
		payload, err := s.service.StartExecution(ctx, session, bookID, rest[0])
		s.respond(w, http.StatusAccepted, payload, err)

	case len(rest) == 2 && rest[1] == "report" && r.Method == http.MethodGet:
		report, err := s.service.ExecutionReport(ctx, session, bookID, rest[0])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(report)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExecutionCallback(w http.ResponseWriter, r *http.Request, bookID, itemID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token := strings.TrimSpace(r.Header.Get(reviewerTokenHeader))
	expected := s.service.ReviewerToken()
	if token == "" || expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body CompletionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CompleteExecution(r.Context(), bookID, itemID, body)
	s.respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 1 && rest[0] == "users" && r.Method == http.MethodGet:
		payload, err := s.service.ListUsers(ctx, session)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 3 && rest[0] == "users" && rest[2] == "role" && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetUserRole(ctx, session, rest[1], body.Role)
		s.respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "stats" && r.Method == http.MethodGet:
		payload, err := s.service.AdminStats(ctx, session)
		s.respond(w, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, action string) {
	switch action {
	case "signup":
		s.handleAuthSignUp(w, r)
	case "signin":
		s.handleAuthSignIn(w, r)
	case "refresh":
		s.handleAuthRefresh(w, r)
	case "logout":
		s.handleAuthLogout(w, r)
	case "verify-email":
		s.handleAuthVerifyEmail(w, r)
	case "reset-password/request":
		s.handleAuthRequestReset(w, r)
	case "reset-password":
		s.handleAuthResetPassword(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// respond writes payload with status, or the mapped error when err is set.
func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		s.writeServiceError(w, nil, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		fields := []zap.Field{zap.Int("status", status), zap.Error(err)}
		if r != nil {
			fields = append(fields, zap.String("path", r.URL.Path))
		}
		s.logger.Error("request failed", fields...)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+reviewerTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Auth handlers for email/password authentication

func (s *HTTPServer) authService(w http.ResponseWriter) (*authpw.Service, bool) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return nil, false
	}
	return authSvc, true
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	authSvc, ok := s.authService(w)
	if !ok {
		return
	}
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := authSvc.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail), errors.Is(err, authpw.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		default:
			s.writeServiceError(w, r, err)
		}
		return
	}

	response := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	if s.service.SMTPConfigured() {
		s.service.SendVerification(resp.Email, body.DisplayName, resp.VerificationToken)
	} else {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	authSvc, ok := s.authService(w)
	if !ok {
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := authSvc.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), resp.User.ID)
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	authSvc, ok := s.authService(w)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := authSvc.VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully",
	})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	authSvc, ok := s.authService(w)
	if !ok {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, user, err := authSvc.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.logger.Warn("password reset request", zap.Error(err))
	}

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	if s.service.SMTPConfigured() {
		s.service.SendPasswordReset(user, token)
	} else if token != "" {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	authSvc, ok := s.authService(w)
	if !ok {
		return
	}
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := authSvc.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
