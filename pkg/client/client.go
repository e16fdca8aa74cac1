// Package client is the HTTP client for a running minder daemon's control
// API. The CLI is its main consumer; host editors can embed it directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client communicates with the minder daemon's control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional logger for client operations
}

// DefaultConfig returns default client configuration. The daemon binds
// loopback only, so there is no TLS surface to configure.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8420/api",
		Timeout: 15 * time.Second,
	}
}

// New creates a new minder API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8420/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Status fetches the supervisor's current view of the companion.
func (c *Client) Status(ctx context.Context) (CompanionStatus, error) {
	var st CompanionStatus
	err := c.getJSON(ctx, c.baseURL+"/status", &st)
	return st, err
}

// Start asks the daemon to bring the companion up and waits up to wait for
// the outcome. A StartResult with OK false and a nil error means the launch
// is still in flight; poll Status or call WaitReady.
func (c *Client) Start(ctx context.Context, wait time.Duration) (StartResult, error) {
	url := c.baseURL + "/start"
	if wait > 0 {
		url += "?wait=" + wait.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return StartResult{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return StartResult{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		var out StartResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return StartResult{}, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	default:
		return StartResult{}, c.apiError(resp)
	}
}

// Stop terminates the companion and disables automatic restarts.
func (c *Client) Stop(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/stop", nil)
}

// Reset clears the restart counters and leaves the degraded state.
func (c *Client) Reset(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/reset", nil)
}

// Request forwards one debug request to the companion through the
// supervisor's queue and returns the companion's response.
func (c *Client) Request(ctx context.Context, dr DispatchRequest) (DispatchResponse, error) {
	data, err := json.Marshal(dr)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/request", bytes.NewReader(data))
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return DispatchResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return DispatchResponse{}, c.apiError(resp)
	}
	var out DispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DispatchResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Journal fetches the most recent persisted lifecycle events.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalRecord, error) {
	url := c.baseURL + "/journal"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	var recs []JournalRecord
	if err := c.getJSON(ctx, url, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// WaitReady polls Status until the companion accepts requests, the
// supervisor degrades, or timeout elapses. It returns false with a nil error
// on timeout.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		switch st.State {
		case "ready":
			return true, nil
		case "degraded":
			return false, fmt.Errorf("supervision degraded: %s", st.LastError)
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// doRequest performs an HTTP request whose only interesting outcome is
// success or an API error.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError turns a non-200 response into an error carrying the server's
// message when one is present.
func (c *Client) apiError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
