package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/internal/retry"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// DefaultRequestTimeout bounds individual REST calls. The SSE stream is not
// subject to it.
const DefaultRequestTimeout = 30 * time.Second

// HTTPClient talks to an OpenCode server over its REST endpoints.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
	headers map[string]string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithRetryPolicy sets the policy applied to read calls.
func WithRetryPolicy(p retry.Policy) HTTPOption {
	return func(c *HTTPClient) { c.retry = p }
}

// WithHeader adds a header to every request, e.g. an authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(c *HTTPClient) { c.headers[key] = value }
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultRequestTimeout},
		retry:   retry.Default(),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client was built with.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// CreateSession creates a new session on the server.
func (c *HTTPClient) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}

	var session types.Session
	if err := c.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches a session by id. Returns ErrSessionNotFound for 404s.
func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	err := c.doWithRetry(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &session)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return &session, nil
}

// CreateMessage sends a prompt into a session. The assistant's reply arrives
// out-of-band on the event stream; this call only acknowledges acceptance.
// It is deliberately not retried: a duplicate send would start a second
// exchange.
func (c *HTTPClient) CreateMessage(ctx context.Context, sessionID string, payload MessagePayload) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", payload, nil)
}

// GetMessage fetches a full message with its parts.
func (c *HTTPClient) GetMessage(ctx context.Context, sessionID, messageID string) (*types.MessageWithParts, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message/" + url.PathEscape(messageID)

	var msg types.MessageWithParts
	if err := c.doWithRetry(ctx, http.MethodGet, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AbortSession asks the server to stop the session's in-flight exchange.
func (c *HTTPClient) AbortSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

// RespondToPermission answers a pending permission request. Fire-and-forget
// from the exchange's perspective; failures are reported but never retried.
func (c *HTTPClient) RespondToPermission(ctx context.Context, sessionID, permissionID string, reply PermissionReply) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, http.MethodPost, path, reply, nil)
}

// doWithRetry wraps do with the transient-failure retry policy. Only used for
// idempotent reads.
func (c *HTTPClient) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	return c.retry.Run(ctx, func() error {
		return c.do(ctx, method, path, body, out)
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	requestID := ulid.Make().String()
	req.Header.Set("x-request-id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.Debug().
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Msg("api call failed")

		return &StatusError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
