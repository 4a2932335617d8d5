package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL matches the default API base path on localhost.
const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client talks to the appvisor management API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string
	token    string
}

// Config holds client configuration. Token takes precedence over Username and
// Password; both are only needed when the server has api.auth enabled.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	Username string
	Password string
	Token    string
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a new API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		// stop and restart block for up to kill_timeout
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
		username: config.Username,
		password: config.Password,
		token:    config.Token,
	}
}

// IsReachable checks if the supervisor API answers its health check.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) List(ctx context.Context) ([]Status, error) {
	var out []Status
	return out, c.do(ctx, http.MethodGet, "/apps", &out)
}

func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	return out, c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(name), &out)
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.action(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.action(ctx, name, "stop")
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return c.action(ctx, name, "restart")
}

// Runs returns the newest recorded runs of an app; limit <= 0 uses the server default.
func (c *Client) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	path := "/apps/" + url.PathEscape(name) + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Run
	return out, c.do(ctx, http.MethodGet, path, &out)
}

// Login exchanges the configured username and password for a Bearer token.
// Later requests from c use the token.
func (c *Client) Login(ctx context.Context) (Token, error) {
	var out Token
	if c.username == "" {
		return out, errors.New("login needs a username")
	}
	if err := c.send(ctx, http.MethodPost, "/auth/login", func(r *http.Request) {
		r.SetBasicAuth(c.username, c.password)
	}, &out); err != nil {
		return out, err
	}
	c.token = out.Value
	return out, nil
}

func (c *Client) action(ctx context.Context, name, verb string) error {
	c.logger.Debug("Sending app command", "name", name, "action", verb)
	return c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/"+verb, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	return c.send(ctx, method, path, c.authorize, out)
}

func (c *Client) authorize(r *http.Request) {
	switch {
	case c.token != "":
		r.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		r.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) send(ctx context.Context, method, path string, prepare func(*http.Request), out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	prepare(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", body.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
