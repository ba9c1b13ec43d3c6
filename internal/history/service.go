package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrNotFound  = errors.New("history: not found")
	ErrUnchanged = errors.New("history: segment unchanged")
)

// Entry is the saved state of one segment as written into the project repo.
type Entry struct {
	SegmentID  string `json:"segmentId"`
	TargetText string `json:"targetText"`
	Status     string `json:"status,omitempty"`
	AuthorID   string `json:"authorId"`
}

type Revision struct {
	Hash       string    `json:"hash"`
	Message    string    `json:"message"`
	Author     string    `json:"author"`
	AuthorID   string    `json:"authorId"`
	TargetText string    `json:"targetText"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Service keeps one git repository per project under baseDir. Every save of a
// segment becomes a commit touching segments/<id>.json.
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

// Record commits entry as the new revision of its segment. It returns
// ErrUnchanged when the stored text and status are already identical.
func (s *Service) Record(projectID string, entry Entry, author string, when time.Time) (Revision, error) {
	if projectID == "" || entry.SegmentID == "" {
		return Revision{}, errors.New("record revision: project and segment are required")
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal entry: %w", err)
	}
	payload = append(payload, '\n')

	rel := segmentPath(entry.SegmentID)
	full := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if existing, err := os.ReadFile(full); err == nil && bytes.Equal(existing, payload) {
		return Revision{}, ErrUnchanged
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create segments dir: %w", err)
	}
	if err := os.WriteFile(full, payload, 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Revision{}, fmt.Errorf("git add %s: %w", rel, err)
	}

	if when.IsZero() {
		when = time.Now()
	}
	message := fmt.Sprintf("Save segment %s", entry.SegmentID)
	if entry.Status != "" {
		message += fmt.Sprintf(" (%s)", entry.Status)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.segcat.dev", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit segment: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("load commit: %w", err)
	}
	return toRevision(commitObj, entry), nil
}

// History lists the revisions of a segment, newest first. A project or
// segment that was never saved has an empty history.
func (s *Service) History(projectID, segmentID string, limit int) ([]Revision, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Revision, 0)
	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	rel := segmentPath(segmentID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		entry, err := readEntry(commitObj, rel)
		if err != nil {
			return err
		}
		items = append(items, toRevision(commitObj, entry))
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

// At returns the segment as it was stored in the given commit. hash may be
// abbreviated.
func (s *Service) At(projectID, segmentID, hash string) (Revision, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Revision{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Revision{}, fmt.Errorf("commit %s: %w", hash, ErrNotFound)
	}
	rel := segmentPath(segmentID)
	entry, err := readEntry(commitObj, rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return Revision{}, fmt.Errorf("segment %s at %s: %w", segmentID, hash, ErrNotFound)
	}
	if err != nil {
		return Revision{}, err
	}
	return toRevision(commitObj, entry), nil
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	dir := s.repoPath(projectID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, "project-"+url.PathEscape(projectID))
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func segmentPath(segmentID string) string {
	return path.Join("segments", url.PathEscape(segmentID)+".json")
}

func readEntry(commitObj *object.Commit, rel string) (Entry, error) {
	file, err := commitObj.File(rel)
	if err != nil {
		return Entry{}, fmt.Errorf("load %s from commit: %w", rel, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Entry{}, fmt.Errorf("open entry reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Entry{}, fmt.Errorf("read entry bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func toRevision(commitObj *object.Commit, entry Entry) Revision {
	return Revision{
		Hash:       commitObj.Hash.String()[:7],
		Message:    commitObj.Message,
		Author:     commitObj.Author.Name,
		AuthorID:   entry.AuthorID,
		TargetText: entry.TargetText,
		Status:     entry.Status,
		CreatedAt:  commitObj.Author.When,
	}
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
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
