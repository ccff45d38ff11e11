package store

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by every FileStore implementation.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("revision conflict")
	ErrForbidden = errors.New("forbidden")
)

// ConflictError reports a conditional write rejected because the document
// changed after ExpectedRevision was read.
type ConflictError struct {
	Path             string
	ExpectedRevision string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s (expected revision %s)", e.Path, e.ExpectedRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RemoteError carries an unexpected upstream status and body for diagnosis.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
}

// FileStore defines the operations the flag repository needs from a
// version-controlled file host. Implementations must be thread-safe.
type FileStore interface {
	// WithToken returns a view of the store that authenticates every call
	// with the given caller credential.
	WithToken(token string) FileStore

	// ProjectID resolves the identifier of the flags repository.
	ProjectID(ctx context.Context) (string, error)

	// FileMetadata returns the current revision marker of a file.
	// Returns ErrNotFound if the file does not exist on the tracked branch.
	FileMetadata(ctx context.Context, path string) (FileMeta, error)

	// RawFile returns the file content as text.
	RawFile(ctx context.Context, path string) (string, error)

	// UpdateFile writes new content only if the file is still at
	// ExpectedRevision. A stale revision yields an error matching ErrConflict.
	UpdateFile(ctx context.Context, update FileUpdate) error

	// ListTree lists the direct children of a directory ("" for the root).
	ListTree(ctx context.Context, dir string) ([]TreeEntry, error)

	// CurrentUser returns the identity behind the bound credential.
	CurrentUser(ctx context.Context) (User, error)
}

// FileMeta describes a file at the tracked branch head.
type FileMeta struct {
	Path     string `json:"path"`
	Revision string `json:"revision"`
}

// FileUpdate contains the parameters of a conditional write.
type FileUpdate struct {
	Path             string
	Content          string
	ExpectedRevision string
	CommitMessage    string
}

// Entry types returned by ListTree.
const (
	EntryTree = "tree"
	EntryBlob = "blob"
)

// TreeEntry is one child of a listed directory.
type TreeEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// User identifies the owner of a credential.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}
