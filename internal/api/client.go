// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"energy-monitor/internal/data"
	"energy-monitor/internal/session"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
// Callers must treat it as a forced logout.
var ErrUnauthorized = errors.New("request unauthorized")

// TokenSource supplies the bearer token for authorized calls. The session
// manager implements it.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to a TokenSource. Useful when the
// client must be constructed before the session manager it draws from.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Client talks to the monitoring backend's REST interface. All methods
// take a context; the engine passes its view-lifetime context so teardown
// aborts in-flight requests instead of letting stale responses land later.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient builds a client for the given base URL. A request timeout is
// always set; the zero-timeout default would hang the dashboard forever
// on an unresponsive backend.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Role        string `json:"role"`
	Username    string `json:"username"`
}

// Login authenticates with the backend. It is the only unauthorized call.
// Implements session.Authenticator.
func (c *Client) Login(ctx context.Context, username, password string) (token, role, user string, err error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return "", "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", "", session.ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", "", "", fmt.Errorf("failed to decode login response: %w", err)
	}
	return lr.AccessToken, lr.Role, lr.Username, nil
}

// Summary fetches the backend-owned dashboard aggregate.
func (c *Client) Summary(ctx context.Context) (data.DashboardSummary, error) {
	var s data.DashboardSummary
	err := c.getJSON(ctx, "/api/dashboard/summary", &s)
	return s, err
}

// Devices fetches the equipment metadata set.
func (c *Client) Devices(ctx context.Context) ([]data.Device, error) {
	var devices []data.Device
	err := c.getJSON(ctx, "/api/devices", &devices)
	return devices, err
}

// Alerts fetches the currently unacknowledged alerts, newest first.
func (c *Client) Alerts(ctx context.Context) ([]data.Alert, error) {
	var alerts []data.Alert
	err := c.getJSON(ctx, "/api/alerts?acknowledged=false", &alerts)
	return alerts, err
}

// Readings fetches recent sensor readings, newest first. The caller
// truncates to the feed capacity.
func (c *Client) Readings(ctx context.Context) ([]data.SensorReading, error) {
	var readings []data.SensorReading
	err := c.getJSON(ctx, "/api/metrics", &readings)
	return readings, err
}

// Acknowledge confirms an optimistic alert acknowledgment with the backend.
func (c *Client) Acknowledge(ctx context.Context, alertID string) error {
	body, err := json.Marshal(map[string]string{"alert_id": alertID})
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/api/alerts/acknowledge", body)
}

// StartSimulation asks the backend to start generating telemetry.
func (c *Client) StartSimulation(ctx context.Context) error {
	return c.postJSON(ctx, "/api/simulation/start", nil)
}

// StopSimulation asks the backend to stop generating telemetry.
func (c *Client) StopSimulation(ctx context.Context) error {
	return c.postJSON(ctx, "/api/simulation/stop", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.doAuthorized(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doAuthorized(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// doAuthorized attaches the bearer token, performs the request and maps
// status codes to the client error taxonomy.
func (c *Client) doAuthorized(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.tokens.Token())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}
