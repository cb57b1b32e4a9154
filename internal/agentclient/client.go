// Package agentclient implements the Agent Client (spec §4.E): the HTTP
// boundary between the session-processing core and the external agent
// service that owns conversation state and produces assistant text.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// sessionIDPattern matches the agent's recognizable session id format
// (spec §4.E: "e.g. ses_ + hex/alphanumerics").
var sessionIDPattern = regexp.MustCompile(`^ses_[A-Za-z0-9]+$`)

// LooksLikeSessionID reports whether id matches the agent's expected
// session id shape.
func LooksLikeSessionID(id string) bool { return sessionIDPattern.MatchString(id) }

// SessionInfo is the agent's session handle.
type SessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Part is one piece of a prompt request or response (text only, per
// spec §4.G's resolvedInput/assistant-text shapes).
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ModelRef selects the provider+model pair the agent should use for one turn.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptBody is the request body for Prompt (spec §4.G).
type PromptBody struct {
	System    string   `json:"system,omitempty"`
	Model     ModelRef `json:"model"`
	Tools     []string `json:"tools,omitempty"`
	Parts     []Part   `json:"parts"`
	MessageID string   `json:"messageID,omitempty"`
}

// MessageInfo carries the agent's per-message metadata.
type MessageInfo struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Created time.Time `json:"time.created"`
}

// Message is one entry as returned by ListMessages.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// PromptResult is the synchronous response to one agent turn.
type PromptResult struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Client talks to the external agent HTTP service. Every request carries
// a "directory" header equal to the session's workspace path, plus
// optional basic auth (spec §6).
type Client struct {
	baseURL     string
	username    string
	password    string
	httpClient  *http.Client
	waitTimeout time.Duration
	retryConfig RetryConfig
}

// Option configures a Client.
type Option func(*Client)

func WithBasicAuth(username, password string) Option {
	return func(c *Client) { c.username, c.password = username, password }
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retryConfig = cfg }
}

// New creates a Client. requestTimeout bounds each individual HTTP call;
// waitTimeout bounds the overall prompt turn (spec §6's
// OPENCODE_SERVER_WAIT_TIMEOUT_MS).
func New(baseURL string, requestTimeout, waitTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: requestTimeout},
		waitTimeout: waitTimeout,
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateSession asks the agent to open a new session rooted at directory.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (SessionInfo, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var out SessionInfo
	err := c.do(ctx, http.MethodPost, "/session", directory, body, &out)
	return out, err
}

// GetSession fetches session info, returning (nil, nil) on a 404.
func (c *Client) GetSession(ctx context.Context, directory, sessionID string) (*SessionInfo, error) {
	var out SessionInfo
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID, directory, nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// DeleteSession deletes a session, returning false if it did not exist.
func (c *Client) DeleteSession(ctx context.Context, directory, sessionID string) (bool, error) {
	err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, directory, nil, nil)
	if err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.NotFound() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListMessages returns every message recorded for sessionID, used only
// for timeout recovery (spec §4.G).
func (c *Client) ListMessages(ctx context.Context, directory, sessionID string) ([]Message, error) {
	var out []Message
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/message", directory, nil, &out)
	return out, err
}

// Prompt runs one synchronous agent turn, retried per cfg (spec §4.G:
// "up to 3 attempts for network/5xx/timeout").
func (c *Client) Prompt(ctx context.Context, directory, sessionID string, body PromptBody) (PromptResult, error) {
	if c.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.waitTimeout)
		defer cancel()
	}
	return RetryDo(ctx, c.retryConfig, func() (PromptResult, error) {
		var out PromptResult
		err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", directory, body, &out)
		return out, err
	})
}

func (c *Client) do(ctx context.Context, method, path, directory string, reqBody, out interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("agentclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agentclient: create request: %w", err)
	}
	req.Header.Set("directory", directory)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agentclient: decode response: %w", err)
	}
	return nil
}
