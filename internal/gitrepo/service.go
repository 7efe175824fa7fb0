// Package gitrepo keeps the revision history of documents: every explicit
// flush commits the saved HTML and tree to a per-document git repository.
package gitrepo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"docsync/live/internal/store"
)

const (
	contentFile = "content.json"
	mainBranch  = "main"
)

var ErrRevisionNotFound = errors.New("revision not found")

// Content is what a revision records of a document.
type Content struct {
	HTML string          `json:"html"`
	Doc  json.RawMessage `json:"doc,omitempty"`
}

// Revision describes one commit of a document.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// Commit records content as the newest revision of key. The repository
// is created on first use. When content equals the current head nothing
// is committed and the head revision is returned with changed=false.
func (s *Service) Commit(key store.DocumentKey, content Content, author, message string) (rev Revision, changed bool, err error) {
	lock := s.documentLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := s.openOrInit(key)
	if err != nil {
		return Revision{}, false, err
	}

	if !created {
		head, err := headCommit(repo)
		if err != nil {
			return Revision{}, false, err
		}
		if head != nil {
			current, err := readContentFromCommit(head)
			if err != nil {
				return Revision{}, false, err
			}
			if !HasChanges(current, content) {
				return toRevision(head), false, nil
			}
		}
	}

	hash, err := commitContent(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	if created {
		if err := pointHeadAtMain(repo, hash); err != nil {
			return Revision{}, false, err
		}
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// History lists revisions of key, newest first. A document that was never
// committed has no history.
func (s *Service) History(key store.DocumentKey, limit int) ([]Revision, error) {
	lock := s.documentLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return []Revision{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
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

// Get returns the content recorded by a revision. hash may be abbreviated.
func (s *Service) Get(key store.DocumentKey, hash string) (Content, Revision, error) {
	lock := s.documentLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Content{}, Revision{}, ErrRevisionNotFound
	}
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, Revision{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return Content{}, Revision{}, ErrRevisionNotFound
	}
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// repoPath encodes the key into a single directory name so that no key
// component can escape baseDir.
func (s *Service) repoPath(key store.DocumentKey) string {
	return filepath.Join(s.baseDir, base64.RawURLEncoding.EncodeToString([]byte(key.String())))
}

func (s *Service) documentLock(key store.DocumentKey) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	id := key.String()
	lock, ok := s.locks[id]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *Service) openOrInit(key store.DocumentKey) (*git.Repository, bool, error) {
	path := s.repoPath(key)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func pointHeadAtMain(repo *git.Repository, hash plumbing.Hash) error {
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func commitContent(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	if author == "" {
		author = "docsync"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@live.docsync.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// HasChanges compares two contents, ignoring formatting of the tree JSON.
func HasChanges(from, to Content) bool {
	if from.HTML != to.HTML {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
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

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	return *resolved, nil
}
