package owners

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TimurManjosov/flaggate/internal/store"
)

// DefaultPath is the repository-root location of the manifest.
const DefaultPath = "CODEOWNERS"

const defaultCacheSize = 16

// Resolver fetches the manifest from a FileStore. Parsed manifests are cached
// by revision marker, so only the metadata call is paid while the file is
// unchanged.
type Resolver struct {
	path  string
	cache *lru.Cache[string, Manifest]
}

// NewResolver creates a resolver for the manifest at path.
func NewResolver(path string) (*Resolver, error) {
	if path == "" {
		path = DefaultPath
	}
	cache, err := lru.New[string, Manifest](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("owners: create cache: %w", err)
	}
	return &Resolver{path: path, cache: cache}, nil
}

// Path returns the manifest location.
func (r *Resolver) Path() string {
	return r.path
}

// Resolve returns the current manifest. A repository without a manifest yields
// an empty Manifest, which authorizes nobody.
func (r *Resolver) Resolve(ctx context.Context, fs store.FileStore) (Manifest, error) {
	meta, err := fs.FileMetadata(ctx, r.path)
	if errors.Is(err, store.ErrNotFound) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("owners: manifest metadata: %w", err)
	}
	if m, ok := r.cache.Get(meta.Revision); ok {
		return m, nil
	}

	text, err := fs.RawFile(ctx, r.path)
	if err != nil {
		return Manifest{}, fmt.Errorf("owners: manifest content: %w", err)
	}
	m := Parse(text)
	r.cache.Add(meta.Revision, m)
	return m, nil
}
