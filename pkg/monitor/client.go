package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/pwm"
)

// Client calls the monitoring API of a running daemon.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for endpoint, e.g. http://localhost:8080.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the base URL of the daemon.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Status returns the current snapshot.
func (c *Client) Status(ctx context.Context) (pwm.Snapshot, error) {
	var s pwm.Snapshot
	err := c.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

// Settings returns the configuration the loop runs with.
func (c *Client) Settings(ctx context.Context) (loop.Settings, error) {
	var s loop.Settings
	err := c.do(ctx, http.MethodGet, "/config", nil, &s)
	return s, err
}

// Diagnostics returns the snapshot with output details and recent transitions.
func (c *Client) Diagnostics(ctx context.Context) (loop.Diagnostics, error) {
	var d loop.Diagnostics
	err := c.do(ctx, http.MethodGet, "/diagnostics", nil, &d)
	return d, err
}

// Reset clears the fault latch and returns the snapshot after the reset.
func (c *Client) Reset(ctx context.Context) (pwm.Snapshot, error) {
	var s pwm.Snapshot
	err := c.do(ctx, http.MethodPost, "/reset", nil, &s)
	return s, err
}

// Trip raises a fault with reason.
func (c *Client) Trip(ctx context.Context, reason string) (TripResponse, error) {
	var resp TripResponse
	err := c.do(ctx, http.MethodPost, "/trip", TripRequest{Reason: reason}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+"/api/v1"+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
