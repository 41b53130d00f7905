package store

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	BookPending    = "pending"
	BookProcessing = "processing"
	BookCompleted  = "completed"
	BookFailed     = "failed"
)

const (
	ExecutionNotStarted = "not_started"
	ExecutionRunning    = "running"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
)

// Pipeline stage states shared by extraction and splitting.
const (
	StageProcessing = "processing"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

const DefaultExecutionModel = "gemini-2.5-pro"

func ValidBookStatus(status string) bool {
	switch status {
	case BookPending, BookProcessing, BookCompleted, BookFailed:
		return true
	}
	return false
}

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type ProjectSettings struct {
	AllowedFileTypes []string `json:"allowedFileTypes"`
	MaxFileSize      int      `json:"maxFileSize"`
	AutoProcess      bool     `json:"autoProcess"`
	ReportFormat     string   `json:"reportFormat"`
}

func DefaultProjectSettings() ProjectSettings {
	return ProjectSettings{
		AllowedFileTypes: []string{"pdf", "doc", "docx", "txt"},
		MaxFileSize:      10,
		AutoProcess:      false,
		ReportFormat:     "markdown",
	}
}

// Normalize fills missing settings with defaults and lowercases file types.
func (s ProjectSettings) Normalize() ProjectSettings {
	defaults := DefaultProjectSettings()
	out := s
	types := make([]string, 0, len(s.AllowedFileTypes))
	seen := map[string]bool{}
	for _, t := range s.AllowedFileTypes {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		types = defaults.AllowedFileTypes
	}
	out.AllowedFileTypes = types
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = defaults.MaxFileSize
	}
	if strings.TrimSpace(out.ReportFormat) == "" {
		out.ReportFormat = defaults.ReportFormat
	}
	return out
}

// Allows reports whether the file extension is accepted by the project.
func (s ProjectSettings) Allows(fileName string) bool {
	dot := strings.LastIndex(fileName, ".")
	if dot < 0 {
		return false
	}
	ext := strings.ToLower(fileName[dot+1:])
	for _, t := range s.AllowedFileTypes {
		if t == ext {
			return true
		}
	}
	return false
}

type Project struct {
	ID          string
	Name        string
	Description string
	UserID      string
	Settings    ProjectSettings
	BookCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SplitFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Category string `json:"category"`
	Size     int    `json:"size"`
}

type ExecutionConfig struct {
	Model   string `json:"model"`
	Grade   string `json:"grade"`
	Board   string `json:"board"`
	Subject string `json:"subject"`
}

// Complete reports whether the fields required to start an execution are set.
func (c ExecutionConfig) Complete() bool {
	return strings.TrimSpace(c.Grade) != "" &&
		strings.TrimSpace(c.Board) != "" &&
		strings.TrimSpace(c.Subject) != ""
}

type Book struct {
	ID         string
	Title      string
	FileName   string
	FilePath   string
	UserID     string
	UserEmail  string
	ProjectID  *string
	Status     string
	UploadedAt time.Time

	ReportData        string
	ReportFileName    string
	ReportUploadedAt  *time.Time
	ReportDataB       string
	ReportBFileName   string
	ReportBUploadedAt *time.Time

	ExtractionStatus string
	ExtractionError  string
	MineruTaskID     string
	FullMDPath       string
	ImagesPath       string
	ImageCount       int
	ExtractedAt      *time.Time

	SplittingStatus string
	SplittingError  string
	SplitFiles      []SplitFile
	TotalFiles      int
	SplitAt         *time.Time

	LastModified  *time.Time
	ModifiedBy    string
	ModifiedFiles []string

	ExecutionConfig ExecutionConfig
}

// BookFilter narrows ListBooks. An empty UserID lists every owner.
type BookFilter struct {
	UserID    string
	ProjectID string
}

// ExtractionResult is recorded when an extraction finishes.
type ExtractionResult struct {
	FullMDPath string
	ImagesPath string
	ImageCount int
}

type Execution struct {
	BookID      string
	ItemID      string
	Status      string
	Config      ExecutionConfig
	Error       string
	ReportPath  string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type ReportB struct {
	BookID     string
	UploadedBy string
	FileName   string
	Data       json.RawMessage
	FileOrder  []string
	UploadedAt time.Time
}

type Feedback struct {
	ID        string
	BookID    string
	UserID    string
	IssueID   string
	Status    *string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FeedbackPatch carries only the fields a caller supplied. A nil Status with
// StatusSet clears the decision.
type FeedbackPatch struct {
	StatusSet bool
	Status    *string
	Notes     *string
}

type ManualIssue struct {
	ID               string
	BookID           string
	UserID           string
	SourceFile       string
	QuestionNumber   string
	IssueDescription string
	AddedAt          time.Time
}

type AdminStats struct {
	Users         int
	Projects      int
	Books         int
	BooksByStatus map[string]int
}
