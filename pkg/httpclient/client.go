// Package httpclient is a thin JSON-over-HTTP client, generalized from the
// teacher's be-lib-common/httpclient call shape (client.Get(ctx, path, &out),
// client.Post(ctx, path, body, &out)) so the Identity and Patient lookup
// collaborators can be consumed the same way the teacher consumes Vendors.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a base-URL-scoped JSON client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client with a default timeout. Use NewClientWithTimeout
// to override it.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 10*time.Second)
}

// NewClientWithTimeout returns a Client whose requests are bounded by timeout
// unless overridden by the caller's context.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Get issues a GET to path and decodes the JSON response body into out. A
// nil out discards the body after checking the status code.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, nil)
}

// GetWithHeaders is Get with caller-supplied request headers, for
// collaborators that authenticate via a header rather than a query param or
// body field.
func (c *Client) GetWithHeaders(ctx context.Context, path string, headers map[string]string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, headers)
}

// Post issues a POST of body (JSON-encoded) to path and decodes the JSON
// response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("httpclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}
