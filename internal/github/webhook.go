package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PullRequestEvent is a parsed pull_request webhook.
type PullRequestEvent struct {
	Action     string
	Repo       string // "owner/repo"
	Number     int
	HTMLURL    string
	HeadBranch string
	Merged     bool
}

// MergedClose reports whether the event closed the PR by merging it.
func (e *PullRequestEvent) MergedClose() bool {
	return e.Action == "closed" && e.Merged
}

// ParseWebhook parses a GitHub webhook request. If secret is non-empty, the
// request signature is verified. It returns nil for events other than
// pull_request.
func ParseWebhook(r *http.Request, secret string) (*PullRequestEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			return nil, fmt.Errorf("missing webhook signature")
		}
		if !VerifySignature(body, sig, secret) {
			return nil, fmt.Errorf("invalid webhook signature")
		}
	}

	if r.Header.Get("X-GitHub-Event") != "pull_request" {
		return nil, nil
	}

	var payload struct {
		Action      string `json:"action"`
		Number      int    `json:"number"`
		PullRequest struct {
			HTMLURL string `json:"html_url"`
			Merged  bool   `json:"merged"`
			Head    struct {
				Ref string `json:"ref"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing pull_request payload: %w", err)
	}

	return &PullRequestEvent{
		Action:     payload.Action,
		Repo:       payload.Repository.FullName,
		Number:     payload.Number,
		HTMLURL:    payload.PullRequest.HTMLURL,
		HeadBranch: payload.PullRequest.Head.Ref,
		Merged:     payload.PullRequest.Merged,
	}, nil
}

// VerifySignature checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(decoded, expected)
}

// Sign returns the "sha256=<hex>" signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
