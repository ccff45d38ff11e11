// Package client is a typed HTTP client for the flaggate API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/TimurManjosov/flaggate/internal/flagdoc"
)

// Client is an HTTP client for the flaggate API
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     map[string]string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d", e.StatusCode)
	if e.Code != "" {
		msg += ", " + e.Code
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		msg += fmt.Sprintf("\n  %s: %s", field, e.Fields[field])
	}
	return msg
}

// UpdateResult is the gateway's answer to a write.
type UpdateResult struct {
	Status        string `json:"status"`
	CommitMessage string `json:"commit_message,omitempty"`
	Attempts      int    `json:"attempts"`
}

// NewClient creates a new API client
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// ListProjects returns the projects visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var projects []string
	err := c.do(ctx, http.MethodGet, "/projects", nil, &projects)
	return projects, err
}

// ListEnvs returns the environments of project visible to the caller.
func (c *Client) ListEnvs(ctx context.Context, project string) ([]string, error) {
	var envs []string
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(project)+"/envs", nil, &envs)
	return envs, err
}

// GetFlags returns the flags of an environment.
func (c *Client) GetFlags(ctx context.Context, project, env string) (map[string]flagdoc.Definition, error) {
	var flags map[string]flagdoc.Definition
	err := c.do(ctx, http.MethodGet, flagsPath(project, env), nil, &flags)
	return flags, err
}

// UpdateFlags sets flags in an environment.
func (c *Client) UpdateFlags(ctx context.Context, project, env string, updates map[string]flagdoc.Definition) (*UpdateResult, error) {
	var res UpdateResult
	if err := c.do(ctx, http.MethodPut, flagsPath(project, env), updates, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AddFlags sets flags in the project-root document.
func (c *Client) AddFlags(ctx context.Context, project string, updates map[string]flagdoc.Definition) (*UpdateResult, error) {
	var res UpdateResult
	if err := c.do(ctx, http.MethodPost, "/flags/"+url.PathEscape(project), updates, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func flagsPath(project, env string) string {
	return "/flags/" + url.PathEscape(project) + "/" + url.PathEscape(env)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Message   string            `json:"message"`
		Code      string            `json:"code"`
		Fields    map[string]string `json:"fields"`
		RequestID string            `json:"request_id"`
	}
	if err := json.Unmarshal(bodyBytes, &payload); err == nil && (payload.Message != "" || payload.Code != "") {
		apiErr.Message = payload.Message
		apiErr.Code = payload.Code
		apiErr.Fields = payload.Fields
		apiErr.RequestID = payload.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(bodyBytes))
	return apiErr
}
