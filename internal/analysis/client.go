package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Default client settings.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultMaxRetries = 3
	retryBaseWait     = time.Second
)

// StatusError is a non-2xx response from the analysis service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// shouldRetry reports whether a status is worth another attempt.
func shouldRetry(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Client calls the external analysis service.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxRetries int
	baseWait   time.Duration
	logger     *slog.Logger
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryWait sets the base backoff between attempts.
func WithRetryWait(d time.Duration) ClientOption {
	return func(c *Client) { c.baseWait = d }
}

// NewClient creates a client for the service at endpoint.
func NewClient(endpoint string, timeout time.Duration, maxRetries int, logger *slog.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseWait:   retryBaseWait,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeRequest struct {
	RepositoryURL string `json:"repository_url"`
}

// Analyze asks the service to analyze repoURL.
func (c *Client) Analyze(ctx context.Context, repoURL string) (*Result, error) {
	if c.endpoint == "" {
		return nil, errors.New("analysis endpoint is not configured")
	}
	body, err := json.Marshal(analyzeRequest{RepositoryURL: repoURL})
	if err != nil {
		return nil, err
	}

	var result *Result
	err = c.withRetry(ctx, func() error {
		r, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository analysis failed: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("repository analysis failed: %w", err)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("invalid analysis response: %w", err)
	}
	return &result, nil
}

// withRetry runs f up to maxRetries times with exponential backoff and
// jitter. Status errors that are not retryable end the loop at once.
func (c *Client) withRetry(ctx context.Context, f func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := f()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) && !shouldRetry(se.Code) {
			return err
		}
		if attempt < c.maxRetries-1 {
			c.logger.Warn("analysis request failed, retrying", "attempt", attempt+1, "error", err)
		}
	}
	return lastErr
}
