// Package github provides GitHub API integration: pull requests, repository
// metadata and port detection.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// Client talks to GitHub with a per-call token, since tokens are resolved per owner.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a client for api.github.com.
func NewClient() *Client {
	return &Client{}
}

// NewClientWithBaseURL creates a client for a GitHub Enterprise or test API endpoint.
func NewClientWithBaseURL(baseURL string) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Client{baseURL: u}, nil
}

func (c *Client) gh(token string) *gogh.Client {
	cl := gogh.NewClient(c.httpClient).WithAuthToken(token)
	if c.baseURL != nil {
		cl.BaseURL = c.baseURL
	}
	return cl
}

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo" or a github.com URL
	Branch string // source branch
	Base   string // target branch (default: the repository's default branch)
	Title  string
	Body   string
}

// PRResult is the outcome of CreatePullRequest.
type PRResult struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	// AlreadyExists is set when an open PR for the branch was found instead of created.
	AlreadyExists bool `json:"already_exists"`
}

// CreatePullRequest opens a pull request for opts.Branch, or reports the open
// one that already exists for it.
func (c *Client) CreatePullRequest(ctx context.Context, token string, opts PROptions) (*PRResult, error) {
	owner, repo, err := ParseRepo(opts.Repo)
	if err != nil {
		return nil, err
	}
	gh := c.gh(token)

	if existing, err := findPR(ctx, gh, owner, repo, opts.Branch); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	base := opts.Base
	if base == "" {
		base, err = defaultBranch(ctx, gh, owner, repo)
		if err != nil {
			return nil, err
		}
	}

	pr, _, err := gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		// Lost a race with another creator; report theirs.
		if isAlreadyExists(err) {
			if existing, ferr := findPR(ctx, gh, owner, repo, opts.Branch); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	return &PRResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

func findPR(ctx context.Context, gh *gogh.Client, owner, repo, branch string) (*PRResult, error) {
	prs, _, err := gh.PullRequests.List(ctx, owner, repo, &gogh.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRResult{URL: prs[0].GetHTMLURL(), Number: prs[0].GetNumber(), AlreadyExists: true}, nil
}

func isAlreadyExists(err error) bool {
	var er *gogh.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(er.Message, "already exists") {
		return true
	}
	for _, e := range er.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}

// DefaultBranch returns the default branch for a repository.
func (c *Client) DefaultBranch(ctx context.Context, token, repoURL string) (string, error) {
	owner, repo, err := ParseRepo(repoURL)
	if err != nil {
		return "", err
	}
	return defaultBranch(ctx, c.gh(token), owner, repo)
}

func defaultBranch(ctx context.Context, gh *gogh.Client, owner, repo string) (string, error) {
	r, _, err := gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}
	if r.GetDefaultBranch() == "" {
		return "main", nil
	}
	return r.GetDefaultBranch(), nil
}

// ParseRepo accepts "owner/repo", "github.com/owner/repo" or an https/ssh
// clone URL and returns its owner and name.
func ParseRepo(s string) (owner, repo string, err error) {
	full := strings.TrimSpace(s)
	full = strings.TrimSuffix(full, ".git")
	full = strings.TrimSuffix(full, "/")
	for _, prefix := range []string{"https://github.com/", "http://github.com/", "git@github.com:", "github.com/"} {
		full = strings.TrimPrefix(full, prefix)
	}
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, expected \"owner/repo\"", s)
	}
	return parts[0], parts[1], nil
}

// FullName normalizes a repository reference to "owner/repo".
func FullName(s string) (string, error) {
	owner, repo, err := ParseRepo(s)
	if err != nil {
		return "", err
	}
	return owner + "/" + repo, nil
}

// CloneURL returns the HTTPS clone URL for a repository reference.
func CloneURL(s string) (string, error) {
	full, err := FullName(s)
	if err != nil {
		return "", err
	}
	return "https://github.com/" + full + ".git", nil
}
