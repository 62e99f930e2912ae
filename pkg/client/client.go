package client

import (
	"bytes"
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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a running sidecar's IPC surface.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	Token   string       // Optional bearer token
}

// APIError is a non-2xx response from the sidecar.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sidecar api error (status %d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:18800/ipc",
		Timeout: 10 * time.Second,
	}
}

// New creates a new sidecar IPC client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		token:   config.Token,
	}
}

// SetToken replaces the bearer token sent with every request.
func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IsReachable checks if the sidecar is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/backend/ready", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Sidecar unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Login exchanges the launch secret for a token and uses it from then on.
func (c *Client) Login(ctx context.Context, secret string) (*Token, error) {
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"secret": secret}, &tok); err != nil {
		return nil, err
	}
	c.SetToken(tok.Value)
	return &tok, nil
}

// BackendURL returns the backend HTTP API base URL.
func (c *Client) BackendURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, "/backend/url", nil, &out)
	return out.URL, err
}

// BackendWSURL returns the backend WebSocket base URL.
func (c *Client) BackendWSURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, "/backend/ws-url", nil, &out)
	return out.URL, err
}

// BackendReady asks the sidecar to probe the backend.
func (c *Client) BackendReady(ctx context.Context) (bool, error) {
	var out struct {
		Ready bool `json:"ready"`
	}
	err := c.do(ctx, http.MethodGet, "/backend/ready", nil, &out)
	return out.Ready, err
}

func (c *Client) BackendState(ctx context.Context) (*BackendState, error) {
	var st BackendState
	if err := c.do(ctx, http.MethodGet, "/backend/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunCommand executes a command on the sidecar host. A non-zero exit is
// reported through RunResult, not as an error.
func (c *Client) RunCommand(ctx context.Context, req RunRequest) (*RunResult, error) {
	var res RunResult
	if err := c.do(ctx, http.MethodPost, "/command/run", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Which resolves an executable on the sidecar host.
func (c *Client) Which(ctx context.Context, executable string) (string, bool, error) {
	var out struct {
		Path *string `json:"path"`
	}
	if err := c.do(ctx, http.MethodGet, "/command/which?executable="+url.QueryEscape(executable), nil, &out); err != nil {
		return "", false, err
	}
	if out.Path == nil {
		return "", false, nil
	}
	return *out.Path, true, nil
}

func (c *Client) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.do(ctx, http.MethodGet, "/node/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// OpenPreferences opens a system preferences pane on the sidecar host.
func (c *Client) OpenPreferences(ctx context.Context, pane string) error {
	return c.do(ctx, http.MethodPost, "/system/preferences/"+url.PathEscape(pane), nil, nil)
}

// Quit sends the tray quit trigger.
func (c *Client) Quit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/app/quit", nil, nil)
}

// WindowDestroyed sends the window destruction trigger.
func (c *Client) WindowDestroyed(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/app/window-destroyed", nil, nil)
}

// EventHistory returns up to limit recent events, oldest first.
func (c *Client) EventHistory(ctx context.Context, limit int) ([]Event, error) {
	path := "/events/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var evs []Event
	if err := c.do(ctx, http.MethodGet, path, nil, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Subscribe streams events until ctx is cancelled or the connection drops;
// the returned channel is closed then. replay > 0 first delivers that many
// buffered events.
func (c *Client) Subscribe(ctx context.Context, replay int) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if replay > 0 {
		q.Set("replay", strconv.Itoa(replay))
	}
	if tok := c.bearer(); tok != "" {
		q.Set("access_token", tok)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, c.handleErrorResponse(resp)
		}
		return nil, fmt.Errorf("dial events: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("event stream closed", "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if err := json.Unmarshal(b, &errResp); err == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
