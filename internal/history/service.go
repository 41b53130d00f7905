// Package history keeps a git repository per book so every edit of a split
// file can be listed and read back.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrNoHistory       = errors.New("file has no recorded history")
	ErrInvalidPath     = errors.New("invalid history path")
	ErrFileNotFound    = errors.New("file not found at revision")
	ErrUnknownRevision = errors.New("unknown revision")
)

const branchName = "main"

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// File is one path, relative to the book's splits folder, with its content.
type File struct {
	Path    string
	Content string
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitFile records a new version of one file.
func (s *Service) CommitFile(bookID, relPath, content, author, message string) (Revision, error) {
	return s.CommitFiles(bookID, []File{{Path: relPath, Content: content}}, author, message)
}

// CommitFiles writes all files and records them in a single commit. When
// nothing changed the current head is returned.
func (s *Service) CommitFiles(bookID string, files []File, author, message string) (Revision, error) {
	if len(files) == 0 {
		return Revision{}, fmt.Errorf("commit files: %w", ErrInvalidPath)
	}
	lock := s.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(bookID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	for _, file := range files {
		rel, err := cleanPath(file.Path)
		if err != nil {
			return Revision{}, err
		}
		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return Revision{}, fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(file.Content), 0o644); err != nil {
			return Revision{}, fmt.Errorf("write %s: %w", rel, err)
		}
		if _, err := worktree.Add(rel); err != nil {
			return Revision{}, fmt.Errorf("git add %s: %w", rel, err)
		}
	}

	if author == "" {
		author = "system"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.manuscript.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return Revision{}, fmt.Errorf("resolve head: %w", headErr)
		}
		hash, err = head.Hash(), nil
	}
	if err != nil {
		return Revision{}, fmt.Errorf("commit: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj, ""), nil
}

// FileHistory lists commits that touched relPath, newest first. limit <= 0
// returns everything.
func (s *Service) FileHistory(bookID, relPath string, limit int) ([]Revision, error) {
	rel, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}
	lock := s.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bookID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj, rel))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// FileAtRevision returns relPath as it was at hash. Abbreviated hashes are
// accepted.
func (s *Service) FileAtRevision(bookID, relPath, hash string) (string, error) {
	rel, err := cleanPath(relPath)
	if err != nil {
		return "", err
	}
	lock := s.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(bookID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrNoHistory
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return "", fmt.Errorf("read commit %s: %w", hash, ErrUnknownRevision)
	}
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", rel, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return content, nil
}

// Remove drops a book's repository.
func (s *Service) Remove(bookID string) error {
	lock := s.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(bookID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(bookID string) (*git.Repository, error) {
	repoPath := s.repoPath(bookID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(repoPath, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branchName)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(bookID string) string {
	return filepath.Join(s.baseDir, filepath.Base(bookID))
}

func (s *Service) bookLock(bookID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[bookID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[bookID] = lock
	return lock
}

func cleanPath(relPath string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(strings.TrimSpace(relPath), "/"))
	if cleaned == "." || cleaned == "" || strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.HasPrefix(cleaned, ".git") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return cleaned, nil
}

// toRevision fills Added/Removed from the stats of relPath when given.
func toRevision(commitObj *object.Commit, relPath string) Revision {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if relPath == "" {
		return rev
	}
	stats, err := commitObj.Stats()
	if err != nil {
		return rev
	}
	for _, stat := range stats {
		if stat.Name == relPath {
			rev.Added = stat.Addition
			rev.Removed = stat.Deletion
		}
	}
	return rev
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w: %v", hash, ErrUnknownRevision, err)
	}
	return *resolved, nil
}
