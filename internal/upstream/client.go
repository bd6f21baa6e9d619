// Package upstream implements the single outbound client for the
// GitHub Copilot API: model listing, chat completions, and model probes,
// with retry, timeout and streaming pass-through.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the Copilot API endpoint.
	DefaultBaseURL = "https://api.githubcopilot.com"

	// DefaultTimeout bounds one request attempt up to response headers.
	DefaultTimeout = 15 * time.Second

	// VerifyTimeout bounds a model probe.
	VerifyTimeout = 6 * time.Second

	// DefaultMaxRetries is the retry budget for transient failures.
	DefaultMaxRetries = 2
)

// Error is a non-2xx upstream response.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// ModelDescriptor is one entry of the upstream GET /models listing.
type ModelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Client is the shared outbound connection to the Copilot API. It owns
// no per-request state and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	timeout    time.Duration
	logger     *zap.Logger
}

// Option adjusts a Client.
type Option func(*Client)

// WithBaseURL points the client at a different upstream, used by tests.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithMaxRetries overrides the transient-failure retry budget.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = n } }

// NewClient builds the upstream client.
func NewClient(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatus reports whether a response status warrants a retry.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusTooEarly:
		return true
	}
	return status >= 500
}

// backoff returns the delay before the given retry attempt.
func backoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << attempt
	if d > 1500*time.Millisecond {
		d = 1500 * time.Millisecond
	}
	return d
}

// cancelBody ties an attempt's cancel function to the response body so
// the timeout timer stops bounding reads once the caller owns the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Do issues one upstream request with the fixed Copilot header set,
// retrying transient failures. The returned response may be any status;
// the caller owns the body. Caller-initiated cancellation is surfaced
// immediately and never retried.
func (c *Client) Do(ctx context.Context, method, path, token string, payload interface{}, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		resp, err := c.attempt(ctx, method, path, token, body, headers, timeout)
		if err != nil {
			if ctx.Err() != nil {
				// Caller cancellation, not ours to retry.
				return nil, ctx.Err()
			}
			lastErr = err
			c.logger.Debug("upstream attempt failed",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if retryableStatus(resp.StatusCode) {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &Error{Status: resp.StatusCode, Body: string(b)}
			c.logger.Debug("upstream returned retryable status",
				zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			if attempt < c.maxRetries {
				continue
			}
			// Budget exhausted: the transient surfaces as an error.
			return nil, lastErr
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, path, token string, body []byte, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	req.Header.Set("User-Agent", "copilot-cli/1.0")
	req.Header.Set("Editor-Version", "vscode/1.85.0")
	req.Header.Set("Editor-Plugin-Version", "copilot-chat/0.11.0")
	req.Header.Set("Openai-Organization", "github-copilot")
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Caller-supplied headers are merged last and may override.
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	// Headers arrived; stop bounding the body read. The cancel is owed
	// to the body's Close.
	timer.Stop()
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// ListModels fetches the upstream model listing.
func (c *Client) ListModels(ctx context.Context, token string) ([]ModelDescriptor, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/models", token, nil,
		map[string]string{"Accept": "application/json"}, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		Data []ModelDescriptor `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding models listing: %w", err)
	}

	models := make([]ModelDescriptor, 0, len(out.Data))
	for _, m := range out.Data {
		if m.ID == "" {
			continue
		}
		if m.Object == "" {
			m.Object = "model"
		}
		if m.Created == 0 {
			m.Created = time.Now().Unix()
		}
		if m.OwnedBy == "" {
			m.OwnedBy = "github-copilot"
		}
		models = append(models, m)
	}
	return models, nil
}

// PostChatCompletion sends a chat completion request and returns the raw
// response. The caller decides whether to parse it as JSON or stream the
// body; it must close the body either way. Extra headers are merged last
// and may override the fixed set.
func (c *Client) PostChatCompletion(ctx context.Context, token string, payload interface{}, headers map[string]string) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, "/chat/completions", token, payload, headers, 0)
}

// VerifyModel probes whether the account can call a model by issuing a
// minimal completion. Returns true only on a 2xx response; the body is
// always drained and closed.
func (c *Client) VerifyModel(ctx context.Context, token, modelID string) bool {
	payload := map[string]interface{}{
		"model":       modelID,
		"messages":    []map[string]string{{"role": "user", "content": "hi"}},
		"max_tokens":  5,
		"temperature": 0,
		"stream":      false,
	}
	resp, err := c.Do(ctx, http.MethodPost, "/chat/completions", token, payload, nil, VerifyTimeout)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// IsCancellation reports whether an error stems from context
// cancellation rather than an upstream failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
