// Package tracker files issues in Jira on behalf of chat users. Each
// workspace carries its own Jira credentials; a missing configuration
// is an expected state surfaced to the user, never an error page.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"deskmate/internal/kv"
)

// ErrNotConfigured means the workspace has no Jira credentials saved.
var ErrNotConfigured = errors.New("jira not configured for this workspace")

// NotConfiguredMessage is what the user sees on the ticket path when no
// tracker is connected.
const NotConfiguredMessage = "⚠️ Jira is not configured for this workspace. Please set it up in the App Home first."

// configTTL keeps saved workspace credentials for a year.
const configTTL = 365 * 24 * time.Hour

// Config is one workspace's Jira connection.
type Config struct {
	BaseURL          string `json:"base_url"`
	Email            string `json:"email"`
	APIToken         string `json:"api_token"`
	DefaultProject   string `json:"default_project"`
	DefaultIssueType string `json:"default_issue_type"`
}

func (c Config) valid() bool {
	return c.BaseURL != "" && c.Email != "" && c.APIToken != "" && c.DefaultProject != ""
}

// Ticket is an issue request extracted from a conversation.
type Ticket struct {
	Summary     string
	Description string
	Priority    string
	IssueType   string
	Labels      []string
}

// Created identifies a filed issue.
type Created struct {
	Key     string
	URL     string
	Summary string
}

// Client files tickets against per-workspace Jira instances.
type Client struct {
	httpClient *http.Client
	kv         *kv.Store
	static     Config
	log        *zap.Logger
}

// NewClient creates a tracker client. static, when valid, serves as the
// fallback for workspaces without saved credentials.
func NewClient(db *kv.Store, static Config, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		kv:         db,
		static:     static,
		log:        log,
	}
}

func configKey(team string) string { return "jira:" + team }

// ConfigFor resolves the workspace's Jira connection: saved credentials
// first, then the statically configured fallback.
func (c *Client) ConfigFor(ctx context.Context, team string) (Config, error) {
	var cfg Config
	err := c.kv.Get(configKey(team), &cfg)
	switch {
	case err == nil && cfg.valid():
		return cfg, nil
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		c.log.Warn("jira config lookup failed", zap.String("team", team), zap.Error(err))
	}
	if c.static.valid() {
		return c.static, nil
	}
	return Config{}, ErrNotConfigured
}

// SaveConfig stores workspace credentials.
func (c *Client) SaveConfig(ctx context.Context, team string, cfg Config) error {
	if !cfg.valid() {
		return fmt.Errorf("jira config incomplete: base URL, email, token and project are required")
	}
	if err := c.kv.SetTTL(configKey(team), cfg, configTTL); err != nil {
		return fmt.Errorf("saving jira config: %w", err)
	}
	c.log.Info("jira config saved",
		zap.String("team", team),
		zap.String("base_url", cfg.BaseURL),
		zap.String("project", cfg.DefaultProject))
	return nil
}

// TestConnection verifies credentials by fetching the authenticated
// user, and project access when a default project is set.
func (c *Client) TestConnection(ctx context.Context, cfg Config) error {
	if err := c.get(ctx, cfg, "/rest/api/2/myself", nil); err != nil {
		return fmt.Errorf("jira auth check: %w", err)
	}
	if cfg.DefaultProject != "" {
		if err := c.get(ctx, cfg, "/rest/api/2/project/"+cfg.DefaultProject, nil); err != nil {
			return fmt.Errorf("jira project access: %w", err)
		}
	}
	return nil
}

// CreateTicket files t in the workspace's tracker. Transient failures
// (429, 5xx) are retried with exponential backoff; 4xx responses carry
// Jira's own field errors back to the caller.
func (c *Client) CreateTicket(ctx context.Context, team string, t Ticket) (Created, error) {
	cfg, err := c.ConfigFor(ctx, team)
	if err != nil {
		return Created{}, err
	}

	issueType := cfg.DefaultIssueType
	if issueType == "" {
		issueType = t.IssueType
	}
	if issueType == "" {
		issueType = "Task"
	}

	fields := map[string]any{
		"project":     map[string]string{"key": cfg.DefaultProject},
		"summary":     t.Summary,
		"description": t.Description,
		"issuetype":   map[string]string{"name": issueType},
	}
	if t.Priority != "" {
		fields["priority"] = map[string]string{"name": t.Priority}
	}
	if len(t.Labels) > 0 {
		fields["labels"] = t.Labels
	}
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return Created{}, fmt.Errorf("encoding issue: %w", err)
	}

	var out struct {
		Key string `json:"key"`
	}
	op := func() error {
		return c.post(ctx, cfg, "/rest/api/2/issue", payload, &out)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Created{}, err
	}

	created := Created{
		Key:     out.Key,
		URL:     strings.TrimRight(cfg.BaseURL, "/") + "/browse/" + out.Key,
		Summary: t.Summary,
	}
	c.log.Info("jira ticket created",
		zap.String("team", team),
		zap.String("key", created.Key))
	return created, nil
}

func (c *Client) get(ctx context.Context, cfg Config, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, cfg, out)
}

func (c *Client) post(ctx context.Context, cfg Config, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, cfg, out); err != nil {
		var he *httpError
		if errors.As(err, &he) && !he.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("jira returned %d: %s", e.status, e.detail)
	}
	return fmt.Sprintf("jira returned %d", e.status)
}

func (e *httpError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func (c *Client) do(req *http.Request, cfg Config, out any) error {
	req.SetBasicAuth(cfg.Email, cfg.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode, detail: extractAPIError(body)}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding jira response: %w", err)
		}
	}
	return nil
}

// extractAPIError pulls Jira's structured error messages out of an
// error response body.
func extractAPIError(body []byte) string {
	var apiErr struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(body, &apiErr) != nil {
		return ""
	}
	parts := append([]string(nil), apiErr.ErrorMessages...)
	for field, msg := range apiErr.Errors {
		parts = append(parts, field+": "+msg)
	}
	return strings.Join(parts, ", ")
}
