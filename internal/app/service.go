package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/auth"
	"manuscript/api/internal/authpw"
	"manuscript/api/internal/booklock"
	"manuscript/api/internal/config"
	"manuscript/api/internal/dispatch"
	"manuscript/api/internal/export"
	"manuscript/api/internal/history"
	"manuscript/api/internal/jobs"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/patterndetect"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
	"manuscript/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) IsAdmin() bool {
	return rbac.Normalize(s.Role) == rbac.RoleAdmin
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	SetUserRole(context.Context, string, string) error
	AdminStats(context.Context) (store.AdminStats, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, store.Project) error
	DeleteProject(context.Context, string) error

	InsertBook(context.Context, store.Book) error
	GetBook(context.Context, string) (store.Book, error)
	ListBooks(context.Context, store.BookFilter) ([]store.Book, error)
	UpdateBookStatus(context.Context, string, string) error
	DeleteBook(context.Context, string) error
	SaveReportA(context.Context, string, string, string) error
	SaveReportBHTML(context.Context, string, string, string) error

	MarkExtractionStarted(context.Context, string) error
	SetMineruTask(context.Context, string, string) error
	CompleteExtraction(context.Context, string, store.ExtractionResult) error
	FailExtraction(context.Context, string, string) error
	MarkSplittingStarted(context.Context, string) error
	CompleteSplitting(context.Context, string, []store.SplitFile) error
	FailSplitting(context.Context, string, string) error
	RecordModification(context.Context, string, string, []string, time.Time) error
	SetExecutionConfig(context.Context, string, store.ExecutionConfig) error

	StartExecution(context.Context, store.Execution) error
	FinishExecution(context.Context, string, string, string, string, string, time.Time) error
	ListExecutions(context.Context, string) ([]store.Execution, error)
	GetExecution(context.Context, string, string) (store.Execution, error)

	SaveReportB(context.Context, store.ReportB) error
	GetReportB(context.Context, string) (store.ReportB, error)
	UpsertFeedback(context.Context, string, string, string, string, store.FeedbackPatch) (store.Feedback, error)
	ListFeedback(context.Context, string, string) ([]store.Feedback, error)
	InsertManualIssue(context.Context, store.ManualIssue) (store.ManualIssue, error)
	ListManualIssues(context.Context, string, string) ([]store.ManualIssue, error)
	GetManualIssue(context.Context, string, string) (store.ManualIssue, error)
	DeleteManualIssue(context.Context, string, string) error

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type bookLocker interface {
	Acquire(ctx context.Context, bookID, userID string) (booklock.Status, error)
	Release(ctx context.Context, bookID, userID string) error
	ForceRelease(ctx context.Context, bookID string) error
	Status(ctx context.Context, bookID string) (booklock.Status, error)
}

type revisionHistory interface {
	CommitFile(bookID, relPath, content, author, message string) (history.Revision, error)
	CommitFiles(bookID string, files []history.File, author, message string) (history.Revision, error)
	FileHistory(bookID, relPath string, limit int) ([]history.Revision, error)
	FileAtRevision(bookID, relPath, hash string) (string, error)
	Remove(bookID string) error
}

type jobRunner interface {
	Submit(name string, fn jobs.Func) error
}

type pdfExtractor interface {
	Run(ctx context.Context, bookID, pdfPath string) (store.ExtractionResult, error)
}

type patternDetector interface {
	Detect(ctx context.Context, content string) (patterndetect.Result, error)
}

type executionQueue interface {
	Enqueue(ctx context.Context, job dispatch.Job) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexBook(book search.BookRecord)
	IndexProject(project search.ProjectRecord)
	DeleteBook(id string)
	DeleteProject(id string)
}

type reportExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendExtractionNotice(to, userName, bookTitle, bookURL, failure string) error
}

// Deps are the collaborators a Service is built from. Optional ones may be
// nil: the operations that need them answer 503 instead.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Objects   objectstore.Store
	Locks     bookLocker
	History   revisionHistory
	Jobs      jobRunner
	Extractor pdfExtractor
	Detector  patternDetector
	Queue     executionQueue
	Search    searchIndex
	Exporter  reportExporter
	Mailer    mailer
	Auth      *authpw.Service
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	objects   objectstore.Store
	locks     bookLocker
	history   revisionHistory
	jobs      jobRunner
	extractor pdfExtractor
	detector  patternDetector
	queue     executionQueue
	search    searchIndex
	exporter  reportExporter
	mailer    mailer
	authPW    *authpw.Service
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		objects:   deps.Objects,
		locks:     deps.Locks,
		history:   deps.History,
		jobs:      deps.Jobs,
		extractor: deps.Extractor,
		detector:  deps.Detector,
		queue:     deps.Queue,
		search:    deps.Search,
		exporter:  deps.Exporter,
		mailer:    deps.Mailer,
		authPW:    deps.Auth,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) ReviewerToken() string {
	return s.cfg.ReviewerToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// CreateSession issues tokens for a user who has just signed in.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. The role is read from the
// user row so role changes apply without waiting for the token to expire.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token", zap.Error(err))
		}
	}
	return nil
}

// SendVerification mails the verification link. Mail failures are logged;
// the account already exists.
func (s *Service) SendVerification(email, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := strings.TrimRight(s.cfg.AppURL, "/") + "/verify-email?token=" + token
	if err := s.mailer.SendVerificationEmail(email, name, link); err != nil {
		s.logger.Warn("send verification email", zap.Error(err))
	}
}

func (s *Service) SendPasswordReset(user store.User, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	link := strings.TrimRight(s.cfg.AppURL, "/") + "/reset-password?token=" + token
	if err := s.mailer.SendPasswordResetEmail(user.Email, user.DisplayName, link); err != nil {
		s.logger.Warn("send password reset email", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// canRead reports whether the session may see a resource owned by ownerID.
func canRead(session Session, ownerID string) bool {
	if session.UserID == ownerID {
		return true
	}
	return rbac.Can(rbac.Normalize(session.Role), rbac.ActionEditAny)
}

// loadBook fetches a book the caller may work on.
func (s *Service) loadBook(ctx context.Context, session Session, bookID string) (store.Book, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Book{}, domainError(http.StatusNotFound, "BOOK_NOT_FOUND", "Book not found", nil)
		}
		return store.Book{}, err
	}
	if !canRead(session, book.UserID) {
		return store.Book{}, forbidden()
	}
	return book, nil
}

// loadOwnedBook is loadBook restricted to the owner and admins.
func (s *Service) loadOwnedBook(ctx context.Context, session Session, bookID string) (store.Book, error) {
	book, err := s.loadBook(ctx, session, bookID)
	if err != nil {
		return store.Book{}, err
	}
	if book.UserID != session.UserID && !session.IsAdmin() {
		return store.Book{}, forbidden()
	}
	return book, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
