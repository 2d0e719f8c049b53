// Package client is a Go client for the jobs service HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
)

const maxErrorBody = 4096

// Client calls the jobs API on behalf of one caller.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUserID names the caller through the X-User-Id header. Only honoured
// by services running without token verification.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx answer from the service. It unwraps to the
// matching apperrors sentinel so callers can classify it with errors.Is.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Field, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return apperrors.ErrValidation
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthenticated
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrConflict
	case http.StatusBadGateway:
		return apperrors.ErrSubmission
	default:
		return apperrors.ErrInternal
	}
}

// StartJob starts a training job. A non-empty idempotencyKey is sent as the
// Idempotency-Key header. On a submission failure the returned *APIError
// carries the ID of the job that was created.
func (c *Client) StartJob(ctx context.Context, req *job.StartRequest, idempotencyKey string) (*job.StartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}

	var resp job.StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", header, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob returns the status of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Status, error) {
	var status job.Status
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelJob cancels a job and returns its resulting status.
func (c *Client) CancelJob(ctx context.Context, id string) (*job.Status, error) {
	var status job.Status
	if err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListJobs returns the caller's jobs, newest first. A zero limit uses the
// service default.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]job.Status, error) {
	var resp job.ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs"+limitQuery(limit), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetArtifacts returns the records derived from a completed job.
func (c *Client) GetArtifacts(ctx context.Context, id string) (*job.DerivedArtifact, error) {
	var artifacts job.DerivedArtifact
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/artifacts", nil, nil, &artifacts); err != nil {
		return nil, err
	}
	return &artifacts, nil
}

// Performance returns the caller's recent accuracy history.
func (c *Client) Performance(ctx context.Context, limit int) ([]job.PerformancePoint, error) {
	var resp struct {
		History []job.PerformancePoint `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/performance"+limitQuery(limit), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// Ready calls the readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil, nil)
}

// WaitForTerminal polls a job every interval until it is completed or
// failed, or ctx ends. When ctx ends the last status seen is returned with
// ctx's error. onChange is called whenever the state changes and may be nil.
func (c *Client) WaitForTerminal(ctx context.Context, id string, interval time.Duration, onChange func(*job.Status)) (*job.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last    job.State
		current *job.Status
	)
	for {
		status, err := c.GetJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			return nil, err
		}
		current = status
		if status.State != last {
			last = status.State
			if onChange != nil {
				onChange(status)
			}
		}
		if status.State.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
