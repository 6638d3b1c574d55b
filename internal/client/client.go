// Package client implements the back office HTTP and SSE clients.
//
// The client handles the request/response side of the live chat:
//   - GET  /api/chat/threads - history snapshot (every thread with recent messages)
//   - POST <hub>/invoke      - outbound hub invocations for the SSE transport
//
// Pushed events arrive through SSE (see sse.go).
package client

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

	"github.com/shopdesk/deskchat/internal/chat"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// maxResponseSize limits response body reads to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// ThreadsPath is the history endpoint path.
const ThreadsPath = "/api/chat/threads"

// Client is the back office HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string // API key for Bearer auth
}

// New creates a new client without credentials.
func New(baseURL string) *Client {
	return NewWithAPIKey(baseURL, "")
}

// NewWithAPIKey creates a new client with API key authentication.
// When an API key is set, all requests include an Authorization: Bearer header.
func NewWithAPIKey(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		apiKey: apiKey,
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Threads fetches the history snapshot: every thread of the authenticated
// operator, each with its recent messages. Records are returned as sent;
// normalization is the caller's job.
func (c *Client) Threads(ctx context.Context) ([]chat.ThreadRecord, error) {
	var resp []chat.ThreadRecord
	if err := c.get(ctx, ThreadsPath, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InvokeRequest is the request body for a hub invocation over HTTP.
type InvokeRequest struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// InvokeResponse is the response from a hub invocation over HTTP.
type InvokeResponse struct {
	InvocationID string          `json:"invocationId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Invoke posts a hub invocation to url (absolute, not relative to baseURL).
// A server-side invocation error is returned as an error.
func (c *Client) Invoke(ctx context.Context, url string, req *InvokeRequest) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.postURL(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("invoking %s: %s", req.Target, resp.Error)
	}
	return &resp, nil
}

// Error represents an HTTP error response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401/403 from the server.
func IsUnauthorized(err error) bool {
	var httpErr *Error
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
}

// postURL sends a POST request to an absolute URL and decodes the JSON response.
func (c *Client) postURL(ctx context.Context, url string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, respBody)
}

// get sends a GET request relative to baseURL and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, respBody)
}

func (c *Client) do(req *http.Request, respBody any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read maxResponseSize+1 to detect oversized responses while still accepting
	// responses exactly at the limit.
	respBodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if int64(len(respBodyBytes)) > maxResponseSize {
		return fmt.Errorf("response exceeds maximum size of %d bytes", maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			StatusCode: resp.StatusCode,
			Body:       string(respBodyBytes),
		}
	}

	// Invocations may answer 202/204 with no body.
	if len(bytes.TrimSpace(respBodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBodyBytes, respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
