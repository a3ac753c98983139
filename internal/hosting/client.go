// Package hosting talks to the hosting platform that reports failed
// deployments: its REST API and its failed-deployment webhooks.
package hosting

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
	"strings"
	"time"
)

const defaultBaseURL = "https://api.vercel.com"

// maxLogLines caps how much of a build log is kept for analysis.
const maxLogLines = 400

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL defaults to "https://api.vercel.com".
	BaseURL string
	Token   string
	// TeamID scopes every request to a team when set.
	TeamID string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a typed client for the hosting platform's REST API.
type Client struct {
	baseURL    string
	token      string
	teamID     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("hosting: no API token configured")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		teamID:     cfg.TeamID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// APIError is a non-2xx response from the hosting API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hosting: HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("hosting: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the hosting API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Project is a hosting-platform project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Link struct {
		Type             string `json:"type"`
		Org              string `json:"org"`
		Repo             string `json:"repo"`
		ProductionBranch string `json:"productionBranch"`
	} `json:"link"`
}

// RepoFullName returns "owner/repo" for a GitHub-linked project.
func (p *Project) RepoFullName() string {
	if p.Link.Type != "github" || p.Link.Org == "" || p.Link.Repo == "" {
		return ""
	}
	return p.Link.Org + "/" + p.Link.Repo
}

// Deployment is a hosting-platform deployment.
type Deployment struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Name       string `json:"name"`
	ProjectID  string `json:"projectId"`
	ReadyState string `json:"readyState"`
	Target     string `json:"target"`
	Meta       struct {
		Ref string `json:"githubCommitRef"`
		SHA string `json:"githubCommitSha"`
	} `json:"meta"`
}

// Failed reports whether the deployment ended in a build error.
func (d *Deployment) Failed() bool {
	return d.ReadyState == "ERROR"
}

// Event is one build-log event.
type Event struct {
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Payload struct {
		Text string `json:"text"`
	} `json:"payload"`
}

// Webhook is a registered webhook subscription.
type Webhook struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// ListProjects returns the projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/v9/projects", url.Values{"limit": {"100"}}, nil, &out); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return out.Projects, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(id), nil, nil, &d); err != nil {
		return nil, fmt.Errorf("getting deployment %s: %w", id, err)
	}
	return &d, nil
}

// GetDeploymentEvents fetches a deployment's build-log events.
func (c *Client) GetDeploymentEvents(ctx context.Context, id string) ([]Event, error) {
	var events []Event
	q := url.Values{"builds": {"1"}, "limit": {"-1"}}
	if err := c.do(ctx, http.MethodGet, "/v3/deployments/"+url.PathEscape(id)+"/events", q, nil, &events); err != nil {
		return nil, fmt.Errorf("getting events for deployment %s: %w", id, err)
	}
	return events, nil
}

// BuildLog returns the tail of a deployment's build output as text.
func (c *Client) BuildLog(ctx context.Context, deploymentID string) (string, error) {
	events, err := c.GetDeploymentEvents(ctx, deploymentID)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, ev := range events {
		if ev.Type != "stdout" && ev.Type != "stderr" && ev.Type != "command" {
			continue
		}
		for _, line := range strings.Split(ev.Payload.Text, "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
	}
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// CreateWebhook subscribes url to failed-deployment events of the projects.
func (c *Client) CreateWebhook(ctx context.Context, endpoint string, projectIDs []string) (*Webhook, error) {
	body := map[string]any{
		"url":        endpoint,
		"events":     []string{"deployment.error"},
		"projectIds": projectIDs,
	}
	var hook Webhook
	if err := c.do(ctx, http.MethodPost, "/v1/webhooks", nil, body, &hook); err != nil {
		return nil, fmt.Errorf("creating webhook: %w", err)
	}
	c.logger.Info("hosting webhook created", "webhook_id", hook.ID, "projects", projectIDs)
	return &hook, nil
}

// DeleteWebhook removes a webhook. Deleting one that no longer exists succeeds.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(id), nil, nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("deleting webhook %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.teamID != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("teamId", c.teamID)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
