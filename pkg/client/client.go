// Package client is the Go SDK for the spillq HTTP transport.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Push one message
//	n, err := c.Push(ctx, []byte("hello"))
//
//	// Pop one message (at most 1 KiB of it)
//	body, err := c.Pop(ctx, 1024)
//	if client.IsEmpty(err) {
//	    // nothing queued
//	}
//
//	// Move the 10 newest resident messages to disk, now or in the background.
//	// A partly failed spill returns its count and an ErrPartialSpill error.
//	spilled, err := c.SpillSync(ctx, 10)
//	err = c.SpillAsync(ctx, 10)
//
// # Error handling
//
// Non-2xx responses are returned as *APIError. Back-pressure responses
// (queue full, spill already running) also match ErrFull and
// ErrSpillInProgress with errors.Is, and an empty queue is reported as
// ErrEmpty. All three wrap iox.ErrWouldBlock, so iox.IsWouldBlock(err)
// identifies every "try again later" outcome. PushWait and PopWait retry
// those with backoff.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"code.hybscloud.com/iox"
)

// Control operation codes understood by POST /queue/control.
const (
	OpSpillSync  = 1000
	OpSpillAsync = 1001
)

// ─── Error type ───────────────────────────────────────────────────────────────

// Sentinel errors for the server's back-pressure responses.
var (
	ErrEmpty           = fmt.Errorf("spillq: queue empty: %w", iox.ErrWouldBlock)
	ErrFull            = fmt.Errorf("spillq: queue full: %w", iox.ErrWouldBlock)
	ErrSpillInProgress = fmt.Errorf("spillq: spill in progress: %w", iox.ErrWouldBlock)
	ErrTooLarge        = errors.New("spillq: message too large")

	// ErrPartialSpill means a synchronous spill moved some messages but the
	// backing store rejected others. SpillSync still returns the count.
	ErrPartialSpill = errors.New("spillq: spill partially failed")
)

// APIError is returned when the spillq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Code       string // "code" field from the JSON response body
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spillq: server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the server's error code onto the package sentinels.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusMultiStatus {
		return ErrPartialSpill
	}
	switch e.Code {
	case "capacity":
		return ErrFull
	case "spill_in_progress":
		return ErrSpillInProgress
	case "too_large":
		return ErrTooLarge
	}
	return nil
}

// IsEmpty reports whether err means the queue had nothing to pop.
func IsEmpty(err error) bool { return errors.Is(err, ErrEmpty) }

// IsFull reports whether err means the queue was at capacity.
func IsFull(err error) bool { return errors.Is(err, ErrFull) }

// IsSpillInProgress reports whether err means another spill campaign holds
// the slot.
func IsSpillInProgress(err error) bool { return errors.Is(err, ErrSpillInProgress) }

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the spillq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the spillq server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://spillq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Stats is a snapshot of the server's queue.
type Stats struct {
	Size          int `json:"size"`
	Capacity      int `json:"capacity"`
	Resident      int `json:"resident"`
	Spilled       int `json:"spilled"`
	ResidentBytes int `json:"resident_bytes"`
	SpilledBytes  int `json:"spilled_bytes"`
	PendingSpill  int `json:"pending_spill"`
	InFlight      int `json:"in_flight"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status    string
	QueueSize int
	Uptime    time.Duration
	Version   string
}

// ─── Queue operations ─────────────────────────────────────────────────────────

// Push enqueues body as one message and returns the number of bytes the
// server accepted. An empty body is accepted as a no-op.
func (c *Client) Push(ctx context.Context, body []byte) (int, error) {
	var resp struct {
		Bytes int `json:"bytes"`
	}
	err := c.do(ctx, http.MethodPost, "/queue", "application/octet-stream", bytes.NewReader(body), &resp)
	if err != nil {
		return 0, err
	}
	return resp.Bytes, nil
}

// Pop dequeues one message and returns at most maxLen bytes of it. An empty
// queue returns ErrEmpty.
func (c *Client) Pop(ctx context.Context, maxLen int) ([]byte, error) {
	path := "/queue/pop?max_len=" + strconv.Itoa(maxLen)
	httpResp, err := c.send(ctx, http.MethodPost, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, ErrEmpty
	}
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("spillq: read response body: %w", err)
	}
	if err := checkStatus(httpResp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// PushWait is Push, retrying with backoff while the queue is full.
func (c *Client) PushWait(ctx context.Context, body []byte) (int, error) {
	backoff := iox.Backoff{}
	for {
		n, err := c.Push(ctx, body)
		if !IsFull(err) {
			return n, err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		backoff.Wait()
	}
}

// PopWait is Pop, retrying with backoff while the queue is empty.
func (c *Client) PopWait(ctx context.Context, maxLen int) ([]byte, error) {
	backoff := iox.Backoff{}
	for {
		body, err := c.Pop(ctx, maxLen)
		if !IsEmpty(err) {
			return body, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		backoff.Wait()
	}
}

// SpillSync moves up to n of the newest resident messages to the backing
// store and returns how many were moved.
//
// When some messages moved and others failed, the count is returned together
// with an *APIError that matches ErrPartialSpill.
func (c *Client) SpillSync(ctx context.Context, n int) (int, error) {
	var resp struct {
		Spilled int    `json:"spilled"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := c.doJSON(ctx, "/queue/control", controlPayload{Op: OpSpillSync, Count: n}, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return resp.Spilled, &APIError{StatusCode: http.StatusMultiStatus, Code: resp.Code, Message: resp.Error}
	}
	return resp.Spilled, nil
}

// SpillAsync asks the server's background worker to move up to n messages
// and returns without waiting for it.
func (c *Client) SpillAsync(ctx context.Context, n int) error {
	return c.doJSON(ctx, "/queue/control", controlPayload{Op: OpSpillAsync, Count: n}, nil)
}

// Stats returns a snapshot of the server's queue.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/queue/stats", "", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status    string `json:"status"`
		QueueSize int    `json:"queue_size"`
		UptimeMs  int64  `json:"uptime_ms"`
		Version   string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:    resp.Status,
		QueueSize: resp.QueueSize,
		Uptime:    time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:   resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// doJSON POSTs body as JSON to path and decodes the response into resp.
func (c *Client) doJSON(ctx context.Context, path string, body, resp any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("spillq: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(data), resp)
}

// do performs a single HTTP request and decodes a JSON response into resp
// when resp is non-nil. A 204 No Content response is treated as success
// with no body.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, resp any) error {
	httpResp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("spillq: read response body: %w", err)
	}
	if err := checkStatus(httpResp.StatusCode, respBody); err != nil {
		return err
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("spillq: decode response: %w", err)
		}
	}
	return nil
}

// send builds and issues one request.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("spillq: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spillq: request %s %s: %w", method, path, err)
	}
	return httpResp, nil
}

// checkStatus turns a non-2xx response into an *APIError.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Code: errResp.Code, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type controlPayload struct {
	Op    int `json:"op"`
	Count int `json:"count"`
}
