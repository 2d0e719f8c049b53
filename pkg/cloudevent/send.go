package cloudevent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "trainingjobs-notifier/1"

// Sender posts CloudEvents in structured mode.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls how a CloudEvent is sent.
type SendOptions struct {
	SigningKey string // HMAC key; empty sends unsigned
}

// Send posts event to url. Any non-2xx answer is an *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Ce-Id", event.ID)
	req.Header.Set("Ce-Type", event.Type)
	req.Header.Set("Ce-Subject", event.Subject)
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, Sign(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// HTTPError is a non-2xx answer from the receiver.
type HTTPError struct {
	StatusCode int
	Body       string // leading part of the response body
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports a 4xx answer that retrying will not fix.
// 408 and 429 are retryable.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
