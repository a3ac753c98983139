package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
	"github.com/jxucoder/autopatch/internal/server"
)

// apiClient talks to a running autopatch server.
type apiClient struct {
	base  string
	owner string
	http  *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(serverURL, "/"),
		owner: ownerID,
		http:  http.DefaultClient,
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.owner != "" {
		req.Header.Set(server.OwnerHeader, c.owner)
	}
	return req, nil
}

// do sends a JSON request and decodes a 2xx response into out, which may be nil.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: autopatch serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func serverError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// ruleUploader stores rules through the API.
type ruleUploader struct {
	client *apiClient
}

func (u ruleUploader) CreateRule(ctx context.Context, r *model.FixRule) error {
	req := map[string]any{
		"name":          r.Name,
		"pattern":       r.Pattern,
		"error_type":    r.ErrorType,
		"skip_fix":      r.SkipFix,
		"custom_prompt": r.CustomPrompt,
		"priority":      r.Priority,
		"enabled":       r.Enabled,
	}
	var created model.FixRule
	if err := u.client.do(ctx, http.MethodPost, "/api/subscriptions/"+r.SubscriptionID+"/rules", req, &created); err != nil {
		return err
	}
	*r = created
	return nil
}
