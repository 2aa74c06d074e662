package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

var (
	// ErrSessionNotFound is returned when the agent API reports 404 for a
	// session id. Callers treat it as a recoverable signal, not a failure.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrAgentAPI wraps any other non-2xx response from the agent API.
	ErrAgentAPI = errors.New("agent API error")
)

const (
	defaultPageSize   = 20
	defaultHTTPTimout = 30 * time.Second
)

// Client talks to the task-agent REST API.
type Client struct {
	baseURL string
	apiKey  config.Secret
	http    *http.Client
	log     *logging.Logger
}

// NewClient builds a Client from configuration. The base URL must include
// the API version prefix (e.g. ".../v1alpha").
func NewClient(cfg config.AgentConfig, log *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL is required")
	}
	if cfg.APIKey.Value() == "" {
		return nil, fmt.Errorf("agent API key is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: defaultHTTPTimout},
		log:     log.Named("agent"),
	}, nil
}

type listSessionsResponse struct {
	Sessions      []Session `json:"sessions"`
	NextPageToken string    `json:"nextPageToken,omitempty"`
}

// ListSessions returns up to pageSize sessions, newest first. A pageSize
// of zero or less uses the default.
func (c *Client) ListSessions(ctx context.Context, pageSize int) ([]Session, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	q := url.Values{"pageSize": {strconv.Itoa(pageSize)}}
	var resp listSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/sessions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	var s Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type createSessionRequest struct {
	Prompt         string        `json:"prompt"`
	SourceContext  sourceContext `json:"sourceContext"`
	AutomationMode string        `json:"automationMode"`
	Title          string        `json:"title,omitempty"`
}

type sourceContext struct {
	Source            string            `json:"source"`
	GithubRepoContext githubRepoContext `json:"githubRepoContext"`
}

type githubRepoContext struct {
	StartingBranch string `json:"startingBranch"`
}

// CreateSession starts a new agent session against the given repository
// branch. The agent opens its own pull request when the work is done.
func (c *Client) CreateSession(ctx context.Context, owner, repo, branch, prompt string) (*Session, error) {
	if owner == "" || repo == "" || branch == "" {
		return nil, fmt.Errorf("owner, repo and branch are required")
	}
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	req := createSessionRequest{
		Prompt: prompt,
		SourceContext: sourceContext{
			Source:            fmt.Sprintf("sources/github/%s/%s", owner, repo),
			GithubRepoContext: githubRepoContext{StartingBranch: branch},
		},
		AutomationMode: "AUTO_CREATE_PR",
	}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	c.log.Info(ctx, "created agent session",
		zap.String("session", s.ID()),
		zap.String("branch", branch))
	return &s, nil
}

type sendMessageRequest struct {
	Prompt string `json:"prompt"`
}

// SendMessage posts a user message into an existing session.
func (c *Client) SendMessage(ctx context.Context, id, text string) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if text == "" {
		return fmt.Errorf("message text is required")
	}
	path := "/sessions/" + url.PathEscape(id) + ":sendMessage"
	return c.do(ctx, http.MethodPost, path, sendMessageRequest{Prompt: text}, nil)
}

// Status lists sessions and reduces them to an aggregate status.
func (c *Client) Status(ctx context.Context) (StatusSummary, error) {
	sessions, err := c.ListSessions(ctx, defaultPageSize)
	if err != nil {
		return StatusSummary{}, err
	}
	summary := Summarize(sessions)
	c.log.Debug(ctx, "agent status",
		zap.String("status", string(summary.Status)),
		zap.Int("sessions", len(sessions)),
		zap.Int("blocked", summary.BlockedCount))
	return summary, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey.Value())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAgentAPI, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrSessionNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s",
			ErrAgentAPI, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAgentAPI, err)
	}
	return nil
}
