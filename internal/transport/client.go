// Package transport defines the HTTP delivery collaborator used by the
// sync engine, plus the default net/http implementation. The interface is
// deliberately small so tests can inject fakes and hosts can reuse their
// own instrumented client.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the outcome of one delivery attempt. OK mirrors a 2xx
// status.
type Response struct {
	OK     bool
	Status int
	Body   []byte
}

// Client sends one request to the backend. A non-nil error means the
// request never completed (network failure, timeout); HTTP-level failures
// come back as a Response with OK=false.
type Client interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error)
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	Inner *http.Client
}

// NewHTTPClient builds a client with a sane delivery timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{Inner: &http.Client{Timeout: timeout}}
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	inner := c.Inner
	if inner == nil {
		inner = http.DefaultClient
	}
	resp, err := inner.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   respBody,
	}, nil
}
