package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown or expired job ids.
var ErrNotFound = errors.New("job not found")

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to a running analyticsd over HTTP
type Client struct {
	baseURL  string
	basePath string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // server root, e.g. http://localhost:8000
	BasePath string // API prefix, e.g. /api/v1
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://localhost:8000",
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

// New creates a new analyticsd API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	bp := strings.TrimRight(strings.TrimSpace(config.BasePath), "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		basePath: bp,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
	}
}

func (c *Client) api(p string) string { return c.baseURL + c.basePath + p }

// IsReachable checks if the service answers /ready at all, ready or not
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Service unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Service reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Submit starts an async job and returns its id. params may be nil.
func (c *Client) Submit(ctx context.Context, kind string, params any) (string, error) {
	req := SubmitRequest{Kind: kind}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("Submitting job", "kind", kind)

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, c.api("/jobs"), data, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	c.logger.Debug("Job accepted", "kind", kind, "id", out.ID)
	return out.ID, nil
}

// Status returns the current state of a job
func (c *Client) Status(ctx context.Context, id string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, c.api("/jobs/"+url.PathEscape(id)), nil, &out, http.StatusOK)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return out, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return out, err
}

// Wait polls Status every interval until the job is done or ctx ends
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil || st.Done() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// Jobs lists all queryable jobs
func (c *Client) Jobs(ctx context.Context) ([]JobStatus, error) {
	var out []JobStatus
	err := c.do(ctx, http.MethodGet, c.api("/jobs"), nil, &out, http.StatusOK)
	return out, err
}

// Schedules lists the periodic jobs
func (c *Client) Schedules(ctx context.Context) ([]ScheduleStatus, error) {
	var out []ScheduleStatus
	err := c.do(ctx, http.MethodGet, c.api("/schedules"), nil, &out, http.StatusOK)
	return out, err
}

// Health fetches /health. The document is decoded for both 200 and 503;
// the returned code lets callers distinguish them.
func (c *Client) Health(ctx context.Context) (HealthStatus, int, error) {
	var out HealthStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return out, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return out, 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, resp.StatusCode, c.errorFrom(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, resp.StatusCode, fmt.Errorf("decode health: %w", err)
	}
	return out, resp.StatusCode, nil
}

// do performs HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any, want int) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorFrom handles HTTP error responses
func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
