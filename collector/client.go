// Package collector implements the client side of the ingestion boundary:
// batches of events are POSTed as JSON and acknowledged per batch, not per
// event. Storage, aggregation, and dashboards live behind the boundary and
// are not this module's concern.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/costlens/meter-sdk-go/event"
)

const defaultTimeout = 30 * time.Second

// APIKeyHeader carries the opaque collector credential.
const APIKeyHeader = "X-API-Key"

// Client posts event batches to the collector ingestion endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The replacement must
// not itself be instrumented, or delivery would observe its own traffic.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New creates an ingestion client for the given endpoint URL.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("collector endpoint is required")
	}
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RetryableError marks a delivery failure the flusher may retry; anything
// else is terminal for the batch.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	if e.err == nil {
		return "retryable delivery failure"
	}
	return e.err.Error()
}

func (e *RetryableError) Unwrap() error { return e.err }

// Retryable wraps err so the flusher treats it as transient. Exposed for
// alternative Sender implementations and tests.
func Retryable(err error) error {
	return &RetryableError{err: err}
}

// IsRetryable reports whether a SendBatch error is worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// SendBatch delivers one batch of events. Transport errors and 5xx
// responses are retryable; 4xx responses are terminal (the batch will never
// be accepted as-is).
func (c *Client) SendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/events/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{err: fmt.Errorf("ingest request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RetryableError{err: fmt.Errorf("collector returned %d: %s", resp.StatusCode, detail)}
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("collector rejected batch with %d: %s", resp.StatusCode, detail)
	}
	return nil
}
