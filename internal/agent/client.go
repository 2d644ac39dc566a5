// Package agent is a minimal HTTP client for an external agent
// endpoint: one-shot invocation plus chunked streaming of partial
// output. Agent calls can suspend for tens of seconds; every method is
// context-bound and never blocks past its deadline.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskgate/internal/router"
)

// Client talks to one agent endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// HTTPError wraps non-2xx responses. It reports its status through
// HTTPStatus so the error unifier can map it without importing this
// package.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return resp, nil
}

// Invoke runs the agent to completion and returns the full result.
func (c *Client) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := c.post(ctx, "/invoke", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Stream starts the agent and returns its output incrementally, one
// line per chunk. The channel closes when the agent finishes or the
// context ends; a terminal failure arrives as the last chunk's Err.
func (c *Client) Stream(ctx context.Context, payload []byte) (<-chan router.Chunk, error) {
	resp, err := c.post(ctx, "/stream", payload)
	if err != nil {
		return nil, err
	}
	out := make(chan router.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			select {
			case out <- router.Chunk{Data: line}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- router.Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
