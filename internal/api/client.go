// ABOUTME: HTTP client for the chat backend's request/response endpoints
// ABOUTME: Attaches the bearer credential, decodes JSON, and surfaces backend errors unchanged

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/aura-chat/internal/chaterr"
	"github.com/2389/aura-chat/internal/config"
	"github.com/2389/aura-chat/internal/session"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// Credentials supplies the bearer token and receives the credential issued
// by login and register. *session.Store satisfies it.
type Credentials interface {
	Token() string
	Set(cred session.Credential) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRequestTimeout bounds every call. Expiry surfaces as ErrTimeout.
// Zero means no timeout beyond the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client performs one HTTP round trip per operation. It never retries.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a client for the backend at baseURL. creds may be nil for
// unauthenticated use, in which case login results are not stored.
func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		creds:   creds,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c
}

// NewFromConfig creates a client from the api config section.
func NewFromConfig(cfg config.APIConfig, creds Credentials, logger *slog.Logger) *Client {
	return New(cfg.BaseURL, creds,
		WithRequestTimeout(cfg.RequestTimeout),
		WithLogger(logger),
	)
}

// errorBody is the JSON error shape returned by the backend. Either field may be set.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// call sends in (if non-nil) as JSON and decodes the response into out (if non-nil).
func (c *Client) call(ctx context.Context, method, path string, authed bool, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", chaterr.ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := ""
		if c.creds != nil {
			token = c.creds.Token()
		}
		if token == "" {
			return fmt.Errorf("%w: %v", chaterr.ErrAuthentication, session.ErrNoCredential)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return chaterr.FromTransport(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return chaterr.FromTransport(ctx.Err())
		}
		return fmt.Errorf("%w: decoding %s %s response: %v", chaterr.ErrNetwork, method, path, err)
	}
	return nil
}

// statusError extracts the backend's message from a non-2xx response.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Message != "" {
			return chaterr.FromStatus(resp.StatusCode, eb.Message)
		}
		if eb.Error != "" {
			return chaterr.FromStatus(resp.StatusCode, eb.Error)
		}
	}
	return chaterr.FromStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
}
