// Package gitlab implements store.FileStore on top of the GitLab v4 REST API.
//
// Only the handful of repository endpoints the flag repository needs are
// covered: project lookup, file metadata, raw content, conditional file
// updates, tree listing and the current user. Calls are synchronous and never
// retried here; retry policy belongs to the caller.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TimurManjosov/flaggate/internal/store"
)

const (
	// DefaultAPIBase is the public GitLab API root.
	DefaultAPIBase = "https://gitlab.com/api/v4"
	// DefaultBranch is the branch flag files are read from and committed to.
	DefaultBranch = "master"

	perPage = 100
	// maxPages bounds tree pagination against a misbehaving upstream.
	maxPages = 1000
	// maxErrorBody limits how much of an upstream error body is kept.
	maxErrorBody = 4096
)

func init() {
	store.Register("gitlab", func(opts store.Options) (store.FileStore, error) {
		return New(opts)
	})
}

// Client talks to one flags repository on a GitLab instance.
// A Client is bound to at most one caller credential; use WithToken to derive
// a view for another caller. Views share the HTTP client and the project id.
type Client struct {
	baseURL     string
	projectPath string
	branch      string
	token       string
	httpClient  *http.Client
	project     *projectCache
}

type projectCache struct {
	mu sync.Mutex
	id string
}

// New creates a client for the repository described by opts.
func New(opts store.Options) (*Client, error) {
	if strings.TrimSpace(opts.ProjectPath) == "" {
		return nil, fmt.Errorf("gitlab: project path is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("gitlab: invalid api base %q: %w", base, err)
	}
	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     base,
		projectPath: strings.Trim(opts.ProjectPath, "/"),
		branch:      branch,
		httpClient:  &http.Client{Timeout: timeout},
		project:     &projectCache{},
	}, nil
}

// WithToken returns a view of the client authenticating as token.
func (c *Client) WithToken(token string) store.FileStore {
	cp := *c
	cp.token = token
	return &cp
}

// ProjectID resolves the numeric id of the flags repository. The first
// successful lookup is cached for the lifetime of the process.
func (c *Client) ProjectID(ctx context.Context) (string, error) {
	c.project.mu.Lock()
	defer c.project.mu.Unlock()
	if c.project.id != "" {
		return c.project.id, nil
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.doJSON(ctx, "resolve project", http.MethodGet, "/projects/"+encodePath(c.projectPath), nil, nil, &out); err != nil {
		return "", err
	}
	c.project.id = strconv.FormatInt(out.ID, 10)
	return c.project.id, nil
}

// FileMetadata fetches the metadata of path on the tracked branch. The
// revision marker is the file's last_commit_id.
func (c *Client) FileMetadata(ctx context.Context, path string) (store.FileMeta, error) {
	endpoint, err := c.filesEndpoint(ctx, path)
	if err != nil {
		return store.FileMeta{}, err
	}
	var out struct {
		FilePath     string `json:"file_path"`
		LastCommitID string `json:"last_commit_id"`
	}
	q := url.Values{"ref": {c.branch}}
	if err := c.doJSON(ctx, "file metadata", http.MethodGet, endpoint, q, nil, &out); err != nil {
		return store.FileMeta{}, err
	}
	if out.LastCommitID == "" {
		return store.FileMeta{}, &store.RemoteError{Op: "file metadata", StatusCode: http.StatusOK, Body: "response has no last_commit_id"}
	}
	return store.FileMeta{Path: strings.Trim(path, "/"), Revision: out.LastCommitID}, nil
}

// RawFile fetches the raw content of path on the tracked branch.
func (c *Client) RawFile(ctx context.Context, path string) (string, error) {
	endpoint, err := c.filesEndpoint(ctx, path)
	if err != nil {
		return "", err
	}
	q := url.Values{"ref": {c.branch}}
	body, err := c.do(ctx, "raw file", http.MethodGet, endpoint+"/raw", q, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// UpdateFile commits new content to path, conditioned on ExpectedRevision.
func (c *Client) UpdateFile(ctx context.Context, update store.FileUpdate) error {
	endpoint, err := c.filesEndpoint(ctx, update.Path)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"branch":         c.branch,
		"content":        update.Content,
		"commit_message": update.CommitMessage,
		"last_commit_id": update.ExpectedRevision,
	}
	_, err = c.do(ctx, "update file", http.MethodPut, endpoint, nil, payload)
	if isStaleRevision(err) {
		return &store.ConflictError{Path: strings.Trim(update.Path, "/"), ExpectedRevision: update.ExpectedRevision}
	}
	return err
}

// ListTree lists the direct children of dir, following pagination until the
// upstream returns an empty page.
func (c *Client) ListTree(ctx context.Context, dir string) ([]store.TreeEntry, error) {
	id, err := c.ProjectID(ctx)
	if err != nil {
		return nil, err
	}
	dir = strings.Trim(dir, "/")

	var entries []store.TreeEntry
	for page := 1; page <= maxPages; page++ {
		q := url.Values{
			"ref":      {c.branch},
			"per_page": {strconv.Itoa(perPage)},
			"page":     {strconv.Itoa(page)},
		}
		if dir != "" {
			q.Set("path", dir)
		}
		var batch []store.TreeEntry
		if err := c.doJSON(ctx, "list tree", http.MethodGet, "/projects/"+id+"/repository/tree", q, nil, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		entries = append(entries, batch...)
	}
	return entries, nil
}

// CurrentUser returns the user owning the bound token.
func (c *Client) CurrentUser(ctx context.Context) (store.User, error) {
	var user store.User
	err := c.doJSON(ctx, "current user", http.MethodGet, "/user", nil, nil, &user)
	return user, err
}

func (c *Client) filesEndpoint(ctx context.Context, path string) (string, error) {
	id, err := c.ProjectID(ctx)
	if err != nil {
		return "", err
	}
	return "/projects/" + id + "/repository/files/" + encodePath(strings.Trim(path, "/")), nil
}

func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, query url.Values, body, out any) error {
	payload, err := c.do(ctx, op, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return payload, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", op, endpoint, store.ErrNotFound)
	default:
		return nil, &store.RemoteError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(payload), maxErrorBody)}
	}
}

// isStaleRevision reports whether an update was refused because the file
// moved past last_commit_id. GitLab answers 409, or 400 with a
// "changed since" message depending on the version.
func isStaleRevision(err error) bool {
	var remote *store.RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	if remote.StatusCode == http.StatusConflict {
		return true
	}
	return remote.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(remote.Body), "has changed since")
}

// encodePath escapes a repository path the way GitLab expects in URL
// segments: every "/" becomes "%2F".
func encodePath(path string) string {
	return url.PathEscape(path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
