// Package client is a Go client for the orchestrator's HTTP API.
//
// Client wraps the REST endpoints. Poller follows a dispatched task until it
// reaches a terminal status and then re-reads the owning project so callers
// observe the advanced step.
package client

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
	"time"

	"github.com/google/uuid"
)

// Sentinel errors matched by APIError.
var (
	ErrBadRequest   = errors.New("client: bad request")
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrForbidden    = errors.New("client: forbidden")
	ErrNotFound     = errors.New("client: not found")
	ErrConflict     = errors.New("client: conflict")
	ErrRateLimited  = errors.New("client: rate limited")
	ErrServer       = errors.New("client: server error")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is set from the Retry-After header of a 429 answer.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code to one of the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return ErrBadRequest
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrServer
	default:
		return nil
	}
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:8080".
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds a single request. Default: 30 seconds.
	Timeout time.Duration
	// UserAgent defaults to "research-orchestrator-client/1.0".
	UserAgent string
	// HTTPClient overrides the underlying client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client calls the orchestrator API. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	token     string
	userAgent string
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported URL scheme %q", base.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "research-orchestrator-client/1.0"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{http: hc, baseURL: base, token: cfg.Token, userAgent: cfg.UserAgent}, nil
}

// StartStage dispatches stage for the project. params may be nil to use the
// stage defaults. A zero deadline leaves the server default in place.
func (c *Client) StartStage(ctx context.Context, projectID uuid.UUID, stage string, params any, deadline time.Duration) (*StartedTask, error) {
	q := url.Values{}
	if deadline > 0 {
		q.Set("deadline_seconds", strconv.Itoa(int(deadline.Seconds())))
	}
	var out StartedTask
	path := "/api/v1/projects/" + projectID.String() + "/stages/" + url.PathEscape(stage)
	if err := c.do(ctx, http.MethodPost, path, q, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns the task record.
func (c *Client) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask requests cooperative cancellation. The returned status is the
// one observed when the request was recorded.
func (c *Client) CancelTask(ctx context.Context, taskID uuid.UUID) (*CancelledTask, error) {
	var out CancelledTask
	if err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProject returns the project status view.
func (c *Client) GetProject(ctx context.Context, projectID uuid.UUID) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+projectID.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns one page of tasks. Scoped tokens must set ProjectID.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (*TaskPage, error) {
	var out TaskPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
