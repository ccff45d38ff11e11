package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MemoryStore is an in-memory implementation of the FileStore interface.
// Every write produces a new revision marker, and conditional writes against
// a stale marker are rejected exactly as a real repository host would.
// This implementation is suitable for development and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]memoryFile // path -> file
	users   map[string]User       // token -> user
	commits []Commit
	seq     uint64
}

type memoryFile struct {
	content  string
	revision string
}

// Commit records one accepted write.
type Commit struct {
	Path      string
	Revision  string
	Message   string
	Author    string
	Timestamp time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]memoryFile),
		users: make(map[string]User),
	}
}

// PutFile seeds or replaces a file unconditionally and returns its revision.
func (m *MemoryStore) PutFile(path, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(normalizePath(path), content)
}

// LoadDir copies every regular file below dir into the store, keyed by its
// slash-separated path relative to dir, and returns how many were loaded.
// A .git directory is skipped.
func (m *MemoryStore) LoadDir(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m.PutFile(filepath.ToSlash(rel), string(content))
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("load %s: %w", dir, err)
	}
	return n, nil
}

// AddUser registers the identity returned for a token.
func (m *MemoryStore) AddUser(token string, user User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[token] = user
}

// Commits returns a copy of the accepted writes in order.
func (m *MemoryStore) Commits() []Commit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Commit, len(m.commits))
	copy(out, m.commits)
	return out
}

// File returns the current content of a file.
func (m *MemoryStore) File(path string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[normalizePath(path)]
	return f.content, ok
}

// WithToken binds a caller credential to the store.
func (m *MemoryStore) WithToken(token string) FileStore {
	return &memoryView{store: m, token: token}
}

// storeLocked must be called with m.mu held for writing.
func (m *MemoryStore) storeLocked(path, content string) string {
	m.seq++
	revision := fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s\x00%d\x00%s", path, m.seq, content)))
	m.files[path] = memoryFile{content: content, revision: revision}
	return revision
}

// memoryView is a MemoryStore bound to one credential.
type memoryView struct {
	store *MemoryStore
	token string
}

func (v *memoryView) WithToken(token string) FileStore {
	return &memoryView{store: v.store, token: token}
}

func (v *memoryView) ProjectID(ctx context.Context) (string, error) {
	return "memory", nil
}

func (v *memoryView) FileMetadata(ctx context.Context, path string) (FileMeta, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	path = normalizePath(path)
	f, ok := v.store.files[path]
	if !ok {
		return FileMeta{}, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	return FileMeta{Path: path, Revision: f.revision}, nil
}

func (v *memoryView) RawFile(ctx context.Context, path string) (string, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	path = normalizePath(path)
	f, ok := v.store.files[path]
	if !ok {
		return "", fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	return f.content, nil
}

func (v *memoryView) UpdateFile(ctx context.Context, update FileUpdate) error {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	path := normalizePath(update.Path)
	f, ok := v.store.files[path]
	if !ok {
		return fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if f.revision != update.ExpectedRevision {
		return &ConflictError{Path: path, ExpectedRevision: update.ExpectedRevision}
	}

	revision := v.store.storeLocked(path, update.Content)
	v.store.commits = append(v.store.commits, Commit{
		Path:      path,
		Revision:  revision,
		Message:   update.CommitMessage,
		Author:    v.store.users[v.token].Username,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (v *memoryView) ListTree(ctx context.Context, dir string) ([]TreeEntry, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	dir = normalizePath(dir)
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	children := make(map[string]string) // name -> type
	for path := range v.store.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			children[name] = EntryTree
		} else if _, seen := children[name]; !seen {
			children[name] = EntryBlob
		}
	}
	if dir != "" && len(children) == 0 {
		return nil, fmt.Errorf("directory %s: %w", dir, ErrNotFound)
	}

	entries := make([]TreeEntry, 0, len(children))
	for name, typ := range children {
		entries = append(entries, TreeEntry{Name: name, Path: prefix + name, Type: typ})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (v *memoryView) CurrentUser(ctx context.Context) (User, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	user, ok := v.store.users[v.token]
	if !ok {
		return User{}, &RemoteError{Op: "current user", StatusCode: 401, Body: `{"message":"401 Unauthorized"}`}
	}
	return user, nil
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}
