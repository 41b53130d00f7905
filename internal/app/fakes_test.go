package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"manuscript/api/internal/authpw"
	"manuscript/api/internal/booklock"
	"manuscript/api/internal/config"
	"manuscript/api/internal/dispatch"
	"manuscript/api/internal/export"
	"manuscript/api/internal/history"
	"manuscript/api/internal/jobs"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/patterndetect"
	"manuscript/api/internal/session"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
)

// fakeStore keeps every table in memory. Hooks override single methods.
type fakeStore struct {
	mu sync.Mutex

	users    map[string]store.User
	resets   map[string]string
	projects map[string]store.Project
	books    map[string]store.Book
	order    []string

	executions map[string]store.Execution
	reportsB   map[string]store.ReportB
	feedback   map[string]store.Feedback
	manual     []store.ManualIssue

	pingFn        func(context.Context) error
	adminStatsFn  func(context.Context) (store.AdminStats, error)
	setUserRoleFn func(context.Context, string, string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		resets:     map[string]string{},
		projects:   map[string]store.Project{},
		books:      map[string]store.Book{},
		executions: map[string]store.Execution{},
		reportsB:   map[string]store.ReportB{},
		feedback:   map[string]store.Feedback{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return errors.New("duplicate email")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *fakeStore) SetUserRole(ctx context.Context, userID, role string) error {
	if f.setUserRoleFn != nil {
		return f.setUserRoleFn(ctx, userID, role)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if token != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) AdminStats(ctx context.Context) (store.AdminStats, error) {
	if f.adminStatsFn != nil {
		return f.adminStatsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := store.AdminStats{Users: len(f.users), Projects: len(f.projects), Books: len(f.books), BooksByStatus: map[string]int{}}
	for _, book := range f.books {
		stats.BooksByStatus[book.Status]++
	}
	return stats, nil
}

func (f *fakeStore) InsertProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjects(_ context.Context, userID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Project{}
	for _, project := range f.projects {
		if userID == "" || project.UserID == userID {
			out = append(out, project)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateProject(_ context.Context, project store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[project.ID]; !ok {
		return sql.ErrNoRows
	}
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) DeleteProject(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.projects, projectID)
	for id, book := range f.books {
		if book.ProjectID != nil && *book.ProjectID == projectID {
			delete(f.books, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertBook(_ context.Context, book store.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[book.ID] = book
	f.order = append(f.order, book.ID)
	if book.ProjectID != nil {
		project := f.projects[*book.ProjectID]
		project.BookCount++
		f.projects[*book.ProjectID] = project
	}
	return nil
}

func (f *fakeStore) GetBook(_ context.Context, bookID string) (store.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[bookID]
	if !ok {
		return store.Book{}, sql.ErrNoRows
	}
	return book, nil
}

func (f *fakeStore) ListBooks(_ context.Context, filter store.BookFilter) ([]store.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Book{}
	for _, id := range f.order {
		book, ok := f.books[id]
		if !ok {
			continue
		}
		if filter.UserID != "" && book.UserID != filter.UserID {
			continue
		}
		if filter.ProjectID != "" && (book.ProjectID == nil || *book.ProjectID != filter.ProjectID) {
			continue
		}
		out = append(out, book)
	}
	return out, nil
}

// updateBook applies fn to a stored book.
func (f *fakeStore) updateBook(bookID string, fn func(*store.Book)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	fn(&book)
	f.books[bookID] = book
	return nil
}

func (f *fakeStore) UpdateBookStatus(_ context.Context, bookID, status string) error {
	return f.updateBook(bookID, func(b *store.Book) { b.Status = status })
}

func (f *fakeStore) DeleteBook(_ context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[bookID]
	if !ok {
		return sql.ErrNoRows
	}
	delete(f.books, bookID)
	if book.ProjectID != nil {
		project := f.projects[*book.ProjectID]
		project.BookCount--
		f.projects[*book.ProjectID] = project
	}
	return nil
}

func (f *fakeStore) SaveReportA(_ context.Context, bookID, fileName, content string) error {
	return f.updateBook(bookID, func(b *store.Book) {
		now := time.Now()
		b.ReportData, b.ReportFileName, b.ReportUploadedAt = content, fileName, &now
		b.Status = store.BookCompleted
	})
}

func (f *fakeStore) SaveReportBHTML(_ context.Context, bookID, fileName, content string) error {
	return f.updateBook(bookID, func(b *store.Book) {
		now := time.Now()
		b.ReportDataB, b.ReportBFileName, b.ReportBUploadedAt = content, fileName, &now
	})
}

func (f *fakeStore) MarkExtractionStarted(_ context.Context, bookID string) error {
	return f.updateBook(bookID, func(b *store.Book) { b.ExtractionStatus = store.StageProcessing })
}

func (f *fakeStore) SetMineruTask(_ context.Context, bookID, taskID string) error {
	return f.updateBook(bookID, func(b *store.Book) { b.MineruTaskID = taskID })
}

func (f *fakeStore) CompleteExtraction(_ context.Context, bookID string, result store.ExtractionResult) error {
	return f.updateBook(bookID, func(b *store.Book) {
		b.ExtractionStatus = store.StageCompleted
		b.FullMDPath, b.ImagesPath, b.ImageCount = result.FullMDPath, result.ImagesPath, result.ImageCount
	})
}

func (f *fakeStore) FailExtraction(_ context.Context, bookID, message string) error {
	return f.updateBook(bookID, func(b *store.Book) {
		b.ExtractionStatus, b.ExtractionError = store.StageFailed, message
	})
}

func (f *fakeStore) MarkSplittingStarted(_ context.Context, bookID string) error {
	return f.updateBook(bookID, func(b *store.Book) { b.SplittingStatus = store.StageProcessing })
}

func (f *fakeStore) CompleteSplitting(_ context.Context, bookID string, files []store.SplitFile) error {
	return f.updateBook(bookID, func(b *store.Book) {
		now := time.Now()
		b.SplittingStatus, b.SplitFiles, b.TotalFiles, b.SplitAt = store.StageCompleted, files, len(files), &now
	})
}

func (f *fakeStore) FailSplitting(_ context.Context, bookID, message string) error {
	return f.updateBook(bookID, func(b *store.Book) {
		b.SplittingStatus, b.SplittingError = store.StageFailed, message
	})
}

func (f *fakeStore) RecordModification(_ context.Context, bookID, userID string, files []string, at time.Time) error {
	return f.updateBook(bookID, func(b *store.Book) {
		b.LastModified, b.ModifiedBy = &at, userID
		b.ModifiedFiles = util.UniqueStrings(b.ModifiedFiles, files...)
	})
}

func (f *fakeStore) SetExecutionConfig(_ context.Context, bookID string, cfg store.ExecutionConfig) error {
	return f.updateBook(bookID, func(b *store.Book) { b.ExecutionConfig = cfg })
}

func execKey(bookID, itemID string) string { return bookID + "/" + itemID }

func (f *fakeStore) StartExecution(_ context.Context, execution store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := execKey(execution.BookID, execution.ItemID)
	if current, ok := f.executions[key]; ok && current.Status == store.ExecutionRunning {
		return store.ErrExecutionRunning
	}
	f.executions[key] = execution
	return nil
}

func (f *fakeStore) FinishExecution(_ context.Context, bookID, itemID, status, reportPath, errMessage string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.executions[execKey(bookID, itemID)]
	if !ok || exec.Status != store.ExecutionRunning {
		return sql.ErrNoRows
	}
	exec.Status, exec.ReportPath, exec.Error, exec.CompletedAt = status, reportPath, errMessage, &at
	f.executions[execKey(bookID, itemID)] = exec
	return nil
}

func (f *fakeStore) ListExecutions(_ context.Context, bookID string) ([]store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Execution{}
	for _, exec := range f.executions {
		if exec.BookID == bookID {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (f *fakeStore) GetExecution(_ context.Context, bookID, itemID string) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.executions[execKey(bookID, itemID)]
	if !ok {
		return store.Execution{}, sql.ErrNoRows
	}
	return exec, nil
}

func (f *fakeStore) SaveReportB(_ context.Context, report store.ReportB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportsB[report.BookID] = report
	if book, ok := f.books[report.BookID]; ok {
		book.ReportBFileName, book.ReportBUploadedAt = report.FileName, &report.UploadedAt
		f.books[report.BookID] = book
	}
	return nil
}

func (f *fakeStore) GetReportB(_ context.Context, bookID string) (store.ReportB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reportsB[bookID]
	if !ok {
		return store.ReportB{}, sql.ErrNoRows
	}
	return report, nil
}

func (f *fakeStore) UpsertFeedback(_ context.Context, id, bookID, userID, issueID string, patch store.FeedbackPatch) (store.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bookID + "/" + userID + "/" + issueID
	fb, ok := f.feedback[key]
	if !ok {
		fb = store.Feedback{ID: id, BookID: bookID, UserID: userID, IssueID: issueID, CreatedAt: time.Now()}
	}
	if patch.StatusSet {
		fb.Status = patch.Status
	}
	if patch.Notes != nil {
		fb.Notes = *patch.Notes
	}
	fb.UpdatedAt = time.Now()
	f.feedback[key] = fb
	return fb, nil
}

func (f *fakeStore) ListFeedback(_ context.Context, bookID, userID string) ([]store.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Feedback{}
	for _, fb := range f.feedback {
		if fb.BookID == bookID && (userID == "" || fb.UserID == userID) {
			out = append(out, fb)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertManualIssue(_ context.Context, issue store.ManualIssue) (store.ManualIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, issue)
	return issue, nil
}

func (f *fakeStore) ListManualIssues(_ context.Context, bookID, userID string) ([]store.ManualIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ManualIssue{}
	for _, issue := range f.manual {
		if issue.BookID == bookID && (userID == "" || issue.UserID == userID) {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (f *fakeStore) GetManualIssue(_ context.Context, bookID, issueID string) (store.ManualIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, issue := range f.manual {
		if issue.BookID == bookID && issue.ID == issueID {
			return issue, nil
		}
	}
	return store.ManualIssue{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteManualIssue(_ context.Context, bookID, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, issue := range f.manual {
		if issue.BookID == bookID && issue.ID == issueID {
			f.manual = append(f.manual[:i], f.manual[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

// syncRunner runs jobs inline so tests can observe their effects.
type syncRunner struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *syncRunner) Submit(name string, fn jobs.Func) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	_ = fn(context.Background())
	return nil
}

// fakeExtractor writes a fixed full.md the way the real extractor would.
type fakeExtractor struct {
	objects  objectstore.Store
	store    *fakeStore
	markdown string
	err      error
	calls    []string
}

func (e *fakeExtractor) Run(ctx context.Context, bookID, pdfPath string) (store.ExtractionResult, error) {
	e.calls = append(e.calls, bookID+":"+pdfPath)
	if e.err != nil {
		_ = e.store.FailExtraction(ctx, bookID, e.err.Error())
		return store.ExtractionResult{}, e.err
	}
	result := store.ExtractionResult{
		FullMDPath: objectstore.FullMarkdownKey(bookID),
		ImagesPath: objectstore.ImagesPrefix(bookID),
	}
	if err := e.objects.PutString(ctx, result.FullMDPath, e.markdown, objectstore.ContentTypeMarkdown); err != nil {
		return store.ExtractionResult{}, err
	}
	return result, e.store.CompleteExtraction(ctx, bookID, result)
}

type fakeDetector struct {
	result patterndetect.Result
	err    error
}

func (d *fakeDetector) Detect(context.Context, string) (patterndetect.Result, error) {
	return d.result, d.err
}

type fakeExporter struct {
	requests []export.Request
	err      error
}

func (e *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	e.requests = append(e.requests, req)
	if e.err != nil {
		return nil, e.err
	}
	return &export.Result{Data: []byte("%PDF-fake"), Filename: "report.pdf", MimeType: export.MimePDF}, nil
}

type testEnv struct {
	t         *testing.T
	svc       *Service
	handler   http.Handler
	store     *fakeStore
	objects   *objectstore.MemoryStore
	redis     *miniredis.Miniredis
	queue     *dispatch.Queue
	runner    *syncRunner
	extractor *fakeExtractor
	detector  *fakeDetector
	exporter  *fakeExporter
}

const testReviewerToken = "reviewer-secret"

func testConfig() config.Config {
	cfg := config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		ReviewerToken:  testReviewerToken,
		MaxUploadBytes: 1 << 20,
		AppURL:         "http://app.test",
	}
	cfg.Storage.PresignTTL = time.Hour
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs := newFakeStore()
	objects := objectstore.NewMemoryStore()
	runner := &syncRunner{}
	extractor := &fakeExtractor{objects: objects, store: fs, markdown: sampleBook}
	detector := &fakeDetector{}
	exporter := &fakeExporter{}

	queue := dispatch.NewQueue(client, "")
	authSvc := authpw.NewService(fs, nil)
	svc := New(testConfig(), Deps{
		Store:     fs,
		Sessions:  session.NewRedisStoreWithClient(client),
		Objects:   objects,
		Locks:     booklock.New(client, time.Hour),
		History:   history.New(t.TempDir()),
		Jobs:      runner,
		Extractor: extractor,
		Detector:  detector,
		Queue:     queue,
		Exporter:  exporter,
		Auth:      authSvc,
	})
	return &testEnv{
		t:         t,
		svc:       svc,
		handler:   NewHTTPServer(svc, "*", nil).Handler(),
		store:     fs,
		objects:   objects,
		redis:     mr,
		queue:     queue,
		runner:    runner,
		extractor: extractor,
		detector:  detector,
		exporter:  exporter,
	}
}

// addUser stores a verified user and returns an access token for them.
func (e *testEnv) addUser(id, email, role string) string {
	e.t.Helper()
	if err := e.store.CreateUser(context.Background(), store.User{
		ID:              id,
		Email:           email,
		DisplayName:     id,
		Role:            role,
		IsEmailVerified: true,
	}); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	sess, err := e.svc.CreateSession(context.Background(), id)
	if err != nil {
		e.t.Fatalf("create session: %v", err)
	}
	return sess.Token
}

func (e *testEnv) addBook(id, ownerID string) store.Book {
	e.t.Helper()
	book := store.Book{
		ID:         id,
		Title:      "Book " + id,
		FileName:   id + ".pdf",
		FilePath:   objectstore.UploadKey(id, id+".pdf"),
		UserID:     ownerID,
		Status:     store.BookPending,
		UploadedAt: time.Now(),
	}
	if err := e.store.InsertBook(context.Background(), book); err != nil {
		e.t.Fatalf("insert book: %v", err)
	}
	return book
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) map[string]any {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	payload := expectStatus(t, rr, status)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
}

const sampleBook = `# Chapter 1 Light
Theory text.
# Competency Focused Questions
1. What is light?
# PYQ's Marathon
# LEVEL1
1. First level one question
# LEVEL 2
1. First level two question
# ACHIEVERS' SECTION
1. Hard question
# ANSWER KEYS
# Competency Focused Questions
1. (a)
# EXPLANATIONS
# Competency Focused Questions
# 1. Correct option: (a)
Because.
`
