// Package backend provides the HTTP client for the business backend that the
// domain executors (order, address, auth, pricing, wallet, search) call.
//
// The engine only consumes {success, data, errorCode}-shaped responses and
// never interprets business error codes beyond mapping them to the generic
// executor-failure path.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one backend call.
const DefaultTimeout = 8 * time.Second

// Envelope is the uniform business-backend response shape.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// Opts holds configuration options for the backend client.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the backend client.
type Option func(*Opts)

// WithBaseURL sets the business backend base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects an HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a synchronous request/response client for the business backend.
// Bearer-token auth is forwarded per call from the session context.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client from options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Debug("Backend client configured", "base_url", cfg.BaseURL, "timeout", cfg.Timeout)
	return &Client{baseURL: cfg.BaseURL, http: httpClient}, nil
}

// Call posts the payload to the given backend path and decodes the envelope.
// A non-2xx status or an undecodable body is a transport error; a decoded
// envelope with Success=false is returned to the caller for the generic
// failure path, not treated as a transport error.
func (c *Client) Call(ctx context.Context, path, bearerToken string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	slog.Debug("Backend call", "path", path, "payload_length", len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Backend call transport error", "error", err, "path", path)
		return nil, fmt.Errorf("backend call to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Backend call returned non-2xx status", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("backend call to %s returned status %d", path, resp.StatusCode)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		slog.Error("Backend response decode failed", "error", err, "path", path)
		return nil, fmt.Errorf("failed to decode backend response from %s: %w", path, err)
	}

	slog.Debug("Backend call completed", "path", path, "success", env.Success, "error_code", env.ErrorCode)
	return &env, nil
}
