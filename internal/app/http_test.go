package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/store"
)

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/api/health", "", nil)
	payload := expectStatus(t, rr, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok health payload, got %v", payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	payload = expectStatus(t, env.do(http.MethodGet, "/api/ready", "", nil), http.StatusOK)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready status, got %v", payload["status"])
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	payload = expectStatus(t, env.do(http.MethodGet, "/api/ready", "", nil), http.StatusServiceUnavailable)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready status, got %v", payload["status"])
	}
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	expectCode(t, env.do(http.MethodGet, "/api/books", "", nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectCode(t, env.do(http.MethodGet, "/api/books", "garbage", nil), http.StatusUnauthorized, "UNAUTHORIZED")

	payload := expectStatus(t, env.do(http.MethodGet, "/api/session", "", nil), http.StatusOK)
	if payload["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", payload)
	}
}

func TestPasswordAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	payload := expectStatus(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":       "Ada@Example.com",
		"password":    "correct-horse",
		"displayName": "Ada",
	}), http.StatusCreated)
	verifyToken, _ := payload["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatalf("expected dev verification token without SMTP, got %v", payload)
	}

	expectCode(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse", "displayName": "Ada Again",
	}), http.StatusConflict, "EMAIL_EXISTS")
	expectCode(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "short@example.com", "password": "short", "displayName": "Short",
	}), http.StatusBadRequest, "SIGNUP_FAILED")

	signin := map[string]string{"email": "ada@example.com", "password": "correct-horse"}
	expectCode(t, env.do(http.MethodPost, "/api/auth/signin", "", signin), http.StatusForbidden, "EMAIL_NOT_VERIFIED")
	expectCode(t, env.do(http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "ada@example.com", "password": "wrong-password",
	}), http.StatusUnauthorized, "INVALID_CREDENTIALS")

	expectStatus(t, env.do(http.MethodPost, "/api/auth/verify-email", "", map[string]string{"token": verifyToken}), http.StatusOK)
	expectCode(t, env.do(http.MethodPost, "/api/auth/verify-email", "", map[string]string{"token": verifyToken}), http.StatusBadRequest, "VERIFICATION_FAILED")

	session := expectStatus(t, env.do(http.MethodPost, "/api/auth/signin", "", signin), http.StatusOK)
	access, _ := session["accessToken"].(string)
	refresh, _ := session["refreshToken"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("expected tokens, got %v", session)
	}
	if session["role"] != "user" || session["email"] != "ada@example.com" {
		t.Fatalf("unexpected session payload: %v", session)
	}

	me := expectStatus(t, env.do(http.MethodGet, "/api/session", access, nil), http.StatusOK)
	if me["authenticated"] != true || me["userName"] != "Ada" {
		t.Fatalf("unexpected session lookup: %v", me)
	}

	rotated := expectStatus(t, env.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh}), http.StatusOK)
	newAccess, _ := rotated["accessToken"].(string)
	if newAccess == "" || rotated["refreshToken"] == refresh {
		t.Fatalf("expected rotated refresh token, got %v", rotated)
	}
	expectCode(t, env.do(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh}), http.StatusUnauthorized, "UNAUTHORIZED")

	expectStatus(t, env.do(http.MethodPost, "/api/auth/logout", newAccess, map[string]any{"refreshToken": rotated["refreshToken"]}), http.StatusOK)
	expectCode(t, env.do(http.MethodGet, "/api/books", newAccess, nil), http.StatusUnauthorized, "UNAUTHORIZED")
	expectStatus(t, env.do(http.MethodGet, "/api/books", access, nil), http.StatusOK)
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	payload := expectStatus(t, env.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "bo@example.com", "password": "first-password", "displayName": "Bo",
	}), http.StatusCreated)
	expectStatus(t, env.do(http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": payload["devVerificationToken"]}), http.StatusOK)

	unknown := expectStatus(t, env.do(http.MethodPost, "/api/auth/reset-password/request", "", map[string]string{"email": "nobody@example.com"}), http.StatusOK)
	if _, ok := unknown["devResetToken"]; ok {
		t.Fatalf("expected no token for unknown email")
	}

	reset := expectStatus(t, env.do(http.MethodPost, "/api/auth/reset-password/request", "", map[string]string{"email": "bo@example.com"}), http.StatusOK)
	token, _ := reset["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected dev reset token, got %v", reset)
	}
	expectCode(t, env.do(http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": token, "newPassword": "tiny"}), http.StatusBadRequest, "RESET_FAILED")
	expectStatus(t, env.do(http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": token, "newPassword": "second-password"}), http.StatusOK)
	expectCode(t, env.do(http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": token, "newPassword": "third-password"}), http.StatusBadRequest, "RESET_FAILED")

	expectCode(t, env.do(http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "bo@example.com", "password": "first-password"}), http.StatusUnauthorized, "INVALID_CREDENTIALS")
	expectStatus(t, env.do(http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "bo@example.com", "password": "second-password"}), http.StatusOK)
}

func uploadRequest(t *testing.T, token, fileName, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/books", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func (e *testEnv) upload(token, fileName, content string, fields map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, uploadRequest(e.t, token, fileName, content, fields))
	return rr
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("u1", "owner@example.com", "user")
	other := env.addUser("u2", "other@example.com", "user")

	expectCode(t, env.do(http.MethodPost, "/api/projects", owner, map[string]string{"name": "  "}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	created := expectStatus(t, env.do(http.MethodPost, "/api/projects", owner, map[string]any{
		"name":        "Physics",
		"description": "Grade 9",
		"settings":    map[string]any{"allowedFileTypes": []string{".PDF"}, "maxFileSize": 1},
	}), http.StatusCreated)
	project := created["project"].(map[string]any)
	projectID := project["id"].(string)
	if !strings.HasPrefix(projectID, "prj") {
		t.Fatalf("unexpected project id %q", projectID)
	}
	settings := project["settings"].(map[string]any)
	if types := settings["allowedFileTypes"].([]any); len(types) != 1 || types[0] != "pdf" {
		t.Fatalf("expected normalized file types, got %v", settings["allowedFileTypes"])
	}

	expectCode(t, env.do(http.MethodGet, "/api/projects/"+projectID, other, nil), http.StatusForbidden, "FORBIDDEN")
	expectCode(t, env.do(http.MethodGet, "/api/projects/missing", owner, nil), http.StatusNotFound, "PROJECT_NOT_FOUND")

	listed := expectStatus(t, env.do(http.MethodGet, "/api/projects", other, nil), http.StatusOK)
	if len(listed["projects"].([]any)) != 0 {
		t.Fatalf("expected other user to see no projects")
	}

	updated := expectStatus(t, env.do(http.MethodPut, "/api/projects/"+projectID, owner, map[string]any{"name": "Physics 9"}), http.StatusOK)
	if updated["project"].(map[string]any)["name"] != "Physics 9" {
		t.Fatalf("expected renamed project, got %v", updated)
	}

	expectCode(t, env.upload(owner, "notes.txt", "text", map[string]string{"projectId": projectID}), http.StatusUnprocessableEntity, "INVALID_FILE_TYPE")
	big := strings.Repeat("x", 1024*1024+1)
	expectCode(t, env.upload(owner, "big.pdf", big, map[string]string{"projectId": projectID}), http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")

	uploaded := expectStatus(t, env.upload(owner, "chapter.pdf", "%PDF-1.7", map[string]string{"projectId": projectID, "title": "Chapter 1"}), http.StatusCreated)
	book := uploaded["book"].(map[string]any)
	bookID := book["id"].(string)
	if book["projectId"] != projectID || book["status"] != store.BookPending || book["title"] != "Chapter 1" {
		t.Fatalf("unexpected uploaded book: %v", book)
	}
	if ok, _ := env.objects.Exists(context.Background(), objectstore.UploadKey(bookID, "chapter.pdf")); !ok {
		t.Fatalf("expected pdf stored under the book prefix")
	}

	books := expectStatus(t, env.do(http.MethodGet, "/api/books?projectId="+projectID, owner, nil), http.StatusOK)
	if len(books["books"].([]any)) != 1 {
		t.Fatalf("expected one book in project, got %v", books["books"])
	}
	got := expectStatus(t, env.do(http.MethodGet, "/api/projects/"+projectID, owner, nil), http.StatusOK)
	if got["project"].(map[string]any)["bookCount"] != float64(1) {
		t.Fatalf("expected book count 1, got %v", got["project"])
	}

	expectStatus(t, env.do(http.MethodDelete, "/api/projects/"+projectID, owner, nil), http.StatusOK)
	expectCode(t, env.do(http.MethodGet, "/api/books/"+bookID, owner, nil), http.StatusNotFound, "BOOK_NOT_FOUND")
	if ok, _ := env.objects.Exists(context.Background(), objectstore.UploadKey(bookID, "chapter.pdf")); ok {
		t.Fatalf("expected project delete to purge book objects")
	}
}

func TestAutoProcessProjectStartsExtraction(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("u1", "owner@example.com", "user")
	created := expectStatus(t, env.do(http.MethodPost, "/api/projects", owner, map[string]any{
		"name":     "Auto",
		"settings": map[string]any{"autoProcess": true},
	}), http.StatusCreated)
	projectID := created["project"].(map[string]any)["id"].(string)

	uploaded := expectStatus(t, env.upload(owner, "auto.pdf", "%PDF", map[string]string{"projectId": projectID}), http.StatusCreated)
	book := uploaded["book"].(map[string]any)
	if book["status"] != store.BookProcessing {
		t.Fatalf("expected processing status, got %v", book["status"])
	}
	if len(env.extractor.calls) != 1 {
		t.Fatalf("expected extraction to run once, got %v", env.extractor.calls)
	}
	stored, _ := env.store.GetBook(context.Background(), book["id"].(string))
	if stored.ExtractionStatus != store.StageCompleted {
		t.Fatalf("expected extraction completed, got %q", stored.ExtractionStatus)
	}
}

func TestStandaloneUpload(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("u1", "owner@example.com", "user")

	expectCode(t, env.upload(owner, "notes.docx", "doc", nil), http.StatusUnprocessableEntity, "INVALID_FILE_TYPE")
	expectCode(t, env.upload(owner, "huge.pdf", strings.Repeat("x", 1<<20+10), nil), http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/books", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+owner)
	env.handler.ServeHTTP(rr, req)
	expectCode(t, rr, http.StatusBadRequest, "INVALID_BODY")

	payload := expectStatus(t, env.upload(owner, "Light and Shadow.pdf", "%PDF", nil), http.StatusCreated)
	book := payload["book"].(map[string]any)
	if book["title"] != "Light and Shadow" || book["projectId"] != nil {
		t.Fatalf("unexpected standalone book: %v", book)
	}
}

func TestBookAccessControl(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("u1", "owner@example.com", "user")
	stranger := env.addUser("u2", "stranger@example.com", "user")
	editor := env.addUser("u3", "editor@example.com", "editor")
	admin := env.addUser("u4", "admin@example.com", "admin")
	env.addBook("b1", "u1")

	expectStatus(t, env.do(http.MethodGet, "/api/books/b1", owner, nil), http.StatusOK)
	expectCode(t, env.do(http.MethodGet, "/api/books/b1", stranger, nil), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodGet, "/api/books/b1", editor, nil), http.StatusOK)
	expectCode(t, env.do(http.MethodGet, "/api/books/missing", owner, nil), http.StatusNotFound, "BOOK_NOT_FOUND")

	strangerList := expectStatus(t, env.do(http.MethodGet, "/api/books", stranger, nil), http.StatusOK)
	if len(strangerList["books"].([]any)) != 0 {
		t.Fatalf("expected stranger to list no books")
	}
	adminList := expectStatus(t, env.do(http.MethodGet, "/api/books", admin, nil), http.StatusOK)
	if len(adminList["books"].([]any)) != 1 {
		t.Fatalf("expected admin to list every book")
	}

	expectCode(t, env.do(http.MethodPut, "/api/books/b1/status", owner, map[string]string{"status": "archived"}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	updated := expectStatus(t, env.do(http.MethodPut, "/api/books/b1/status", editor, map[string]string{"status": "failed"}), http.StatusOK)
	if updated["book"].(map[string]any)["status"] != "failed" {
		t.Fatalf("expected failed status, got %v", updated)
	}

	expectCode(t, env.do(http.MethodDelete, "/api/books/b1", editor, nil), http.StatusForbidden, "FORBIDDEN")
	expectStatus(t, env.do(http.MethodDelete, "/api/books/b1", admin, nil), http.StatusOK)
	expectCode(t, env.do(http.MethodGet, "/api/books/b1", owner, nil), http.StatusNotFound, "BOOK_NOT_FOUND")
}

func TestBookLockFlow(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("u1", "owner@example.com", "user")
	editor := env.addUser("u2", "editor@example.com", "editor")
	admin := env.addUser("u3", "admin@example.com", "admin")
	env.addBook("b1", "u1")

	free := expectStatus(t, env.do(http.MethodGet, "/api/books/b1/lock", owner, nil), http.StatusOK)
	if free["isLocked"] != false || free["canEdit"] != true || free["message"] != "Book is available for editing" {
		t.Fatalf("unexpected free lock payload: %v", free)
	}

	held := expectStatus(t, env.do(http.MethodPost, "/api/books/b1/lock", owner, nil), http.StatusOK)
	if held["isLocked"] != true || held["lockedBy"] != "u1" || held["message"] != "You have editing access" {
		t.Fatalf("unexpected acquired payload: %v", held)
	}
	expectStatus(t, env.do(http.MethodPost, "/api/books/b1/lock", owner, nil), http.StatusOK)

	rr := env.do(http.MethodPost, "/api/books/b1/lock", editor, nil)
	payload := expectStatus(t, rr, http.StatusLocked)
	if payload["code"] != "BOOK_LOCKED" || payload["error"] != "Book is locked by another user: owner@example.com" {
		t.Fatalf("unexpected locked payload: %v", payload)
	}
	details := payload["details"].(map[string]any)
	if details["canEdit"] != false || details["lockedBy"] != "u1" {
		t.Fatalf("unexpected lock details: %v", details)
	}

	expectCode(t, env.do(http.MethodPut, "/api/books/b1/splits/file", editor, map[string]string{
		"filePath": "Question_output/theory.md", "content": "x",
	}), http.StatusLocked, "BOOK_LOCKED")

	expectCode(t, env.do(http.MethodDelete, "/api/books/b1/lock", editor, nil), http.StatusForbidden, "NOT_LOCK_OWNER")
	expectStatus(t, env.do(http.MethodDelete, "/api/books/b1/lock", admin, nil), http.StatusOK)

	again := expectStatus(t, env.do(http.MethodPost, "/api/books/b1/lock", editor, nil), http.StatusOK)
	if again["lockedBy"] != "u2" {
		t.Fatalf("expected editor to hold the lock, got %v", again)
	}
	expectStatus(t, env.do(http.MethodDelete, "/api/books/b1/lock", editor, nil), http.StatusOK)
	status := expectStatus(t, env.do(http.MethodGet, "/api/books/b1/lock", owner, nil), http.StatusOK)
	if status["isLocked"] != false {
		t.Fatalf("expected released lock, got %v", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addUser("u1", "admin@example.com", "admin")
	user := env.addUser("u2", "user@example.com", "user")
	env.addBook("b1", "u2")

	expectCode(t, env.do(http.MethodGet, "/api/admin/users", user, nil), http.StatusForbidden, "FORBIDDEN")

	users := expectStatus(t, env.do(http.MethodGet, "/api/admin/users", admin, nil), http.StatusOK)
	if len(users["users"].([]any)) != 2 {
		t.Fatalf("expected two users, got %v", users["users"])
	}

	expectCode(t, env.do(http.MethodPut, "/api/admin/users/u2/role", admin, map[string]string{"role": "owner"}), http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	expectCode(t, env.do(http.MethodPut, "/api/admin/users/u1/role", admin, map[string]string{"role": "user"}), http.StatusConflict, "SELF_DEMOTION")
	expectCode(t, env.do(http.MethodPut, "/api/admin/users/nobody/role", admin, map[string]string{"role": "editor"}), http.StatusNotFound, "USER_NOT_FOUND")

	expectStatus(t, env.do(http.MethodPut, "/api/admin/users/u2/role", admin, map[string]string{"role": "Editor"}), http.StatusOK)
	promoted := expectStatus(t, env.do(http.MethodGet, "/api/session", user, nil), http.StatusOK)
	if promoted["role"] != "editor" {
		t.Fatalf("expected role change to apply to existing tokens, got %v", promoted["role"])
	}

	stats := expectStatus(t, env.do(http.MethodGet, "/api/admin/stats", admin, nil), http.StatusOK)
	if stats["users"] != float64(2) || stats["books"] != float64(1) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestSearchWithoutIndexReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser("u1", "user@example.com", "user")
	payload := expectStatus(t, env.do(http.MethodGet, "/api/search?q=light", user, nil), http.StatusOK)
	if results, ok := payload["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %v", payload)
	}
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser("u1", "user@example.com", "user")
	env.addBook("b1", "u1")
	expectCode(t, env.do(http.MethodGet, "/api/nothing", user, nil), http.StatusNotFound, "NOT_FOUND")
	expectCode(t, env.do(http.MethodGet, "/api/books/b1/unknown", user, nil), http.StatusNotFound, "NOT_FOUND")
	expectCode(t, env.do(http.MethodPatch, "/api/books/b1", user, nil), http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}
