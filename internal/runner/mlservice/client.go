// Package mlservice is the job.Runner for the external ML training service.
//
// The service exposes POST /train to start a run and GET /status/{id} to
// report on it. Calls go through a circuit breaker so an unavailable service
// fails fast instead of tying up scheduler workers.
package mlservice

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

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
	"trainingjobs/internal/runner"
	"trainingjobs/pkg/circuitbreaker"
)

const maxErrorBody = 512

// Client talks to the ML service.
type Client struct {
	baseURL    string
	apiKey     string
	healthPath string
	http       *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// New creates a client for the service at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid ML service URL %q", cfg.BaseURL)
	}

	logger := slog.With("component", "mlservice", "url", cfg.BaseURL)
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		healthPath: cfg.HealthPath,
		http:       &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(loggedBreaker(cfg.Breaker, logger)),
		logger:     logger,
	}, nil
}

// loggedBreaker names the breaker and logs its transitions ahead of any
// hook the caller configured.
func loggedBreaker(cfg circuitbreaker.Config, logger *slog.Logger) circuitbreaker.Config {
	if cfg.Name == "" {
		cfg.Name = "mlservice"
	}
	next := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		level := slog.LevelInfo
		if to == circuitbreaker.Open {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		if next != nil {
			next(name, from, to)
		}
	}
	return cfg
}

type trainRequest struct {
	JobID           string         `json:"jobId"`
	ModelType       string         `json:"modelType"`
	Dataset         string         `json:"dataset"`
	UserID          string         `json:"userId"`
	ABTesting       bool           `json:"abTesting"`
	AutoTuning      bool           `json:"autoTuning"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
}

type trainResponse struct {
	JobID string `json:"jobId"`
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// retriable reports whether a later attempt may succeed.
func (e *statusError) retriable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout
}

// countable decides which errors trip the breaker. Client errors mean the
// service is up and answering.
func countable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.retriable()
	}
	return true
}

// Submit starts a training run and returns the service's job ID.
func (c *Client) Submit(ctx context.Context, req *job.SubmitRequest) (string, error) {
	body, err := json.Marshal(trainRequest{
		JobID:           req.JobID,
		ModelType:       req.Payload.ModelType,
		Dataset:         req.Payload.Dataset,
		UserID:          req.UserID,
		ABTesting:       req.Payload.ABTesting,
		AutoTuning:      req.Payload.AutoTuning,
		Hyperparameters: req.Payload.Hyperparameters,
	})
	if err != nil {
		return "", apperrors.Submission("mlservice.submit", err)
	}

	var resp trainResponse
	err = c.breaker.Execute(func() error {
		return c.do(ctx, http.MethodPost, "/train", body, &resp)
	}, countable)
	if err != nil {
		return "", apperrors.Submission("mlservice.submit", err)
	}
	if resp.JobID == "" {
		return "", apperrors.Submission("mlservice.submit", errors.New("response carried no jobId"))
	}

	c.logger.Debug("Run submitted", "jobId", req.JobID, "externalId", resp.JobID)
	return resp.JobID, nil
}

// PollStatus fetches the status of a run.
func (c *Client) PollStatus(ctx context.Context, externalID string) (*job.RunStatus, error) {
	var doc runner.StatusDocument
	err := c.breaker.Execute(func() error {
		return c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(externalID), nil, &doc)
	}, countable)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && !se.retriable() {
			return nil, apperrors.Poll("mlservice.status", err)
		}
		return nil, apperrors.TransientPoll("mlservice.status", err)
	}

	rs, err := doc.RunStatus()
	if err != nil {
		return nil, apperrors.Poll("mlservice.status", err)
	}
	return rs, nil
}

// Ready fails while the breaker is open, and probes the health endpoint when
// one is configured.
func (c *Client) Ready(ctx context.Context) error {
	if c.breaker.State() == circuitbreaker.Open {
		return fmt.Errorf("ML service circuit is open after %d failures", c.breaker.Failures())
	}
	if c.healthPath == "" {
		return nil
	}
	return c.do(ctx, http.MethodGet, c.healthPath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
