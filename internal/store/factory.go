package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures a remote FileStore.
type Options struct {
	APIBase     string        // e.g. https://gitlab.com/api/v4
	ProjectPath string        // path_with_namespace of the flags repository
	Branch      string        // tracked branch
	Timeout     time.Duration // per-request timeout

	// memory only
	SeedDir string            // directory copied into the store as the repository tree
	Users   map[string]string // token -> username
}

// Factory builds a FileStore for a store type.
type Factory func(opts Options) (FileStore, error)

var factories = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{m: map[string]Factory{}}

// Register makes a store type available to NewFileStore.
// Backends register themselves from their package init.
func Register(storeType string, factory Factory) {
	storeType = normalizeStoreType(storeType)
	if storeType == "" || factory == nil {
		return
	}
	factories.mu.Lock()
	defer factories.mu.Unlock()
	factories.m[storeType] = factory
}

// NewFileStore creates a new store based on the given store type.
// "memory" is always available; other types must be registered.
func NewFileStore(storeType string, opts Options) (FileStore, error) {
	storeType = normalizeStoreType(storeType)
	if storeType == "memory" {
		return newSeededMemoryStore(opts)
	}

	factories.mu.RLock()
	factory, ok := factories.m[storeType]
	factories.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
	return factory(opts)
}

func normalizeStoreType(storeType string) string {
	return strings.ToLower(strings.TrimSpace(storeType))
}

func newSeededMemoryStore(opts Options) (FileStore, error) {
	m := NewMemoryStore()
	if opts.SeedDir != "" {
		if _, err := m.LoadDir(opts.SeedDir); err != nil {
			return nil, err
		}
	}
	tokens := make([]string, 0, len(opts.Users))
	for token := range opts.Users {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for i, token := range tokens {
		username := opts.Users[token]
		m.AddUser(token, User{ID: int64(i + 1), Username: username, Name: username})
	}
	return m.WithToken(""), nil
}
