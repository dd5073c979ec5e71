// Package forge implements the GitHub-backed pull-request client the
// scheduler's create_pr/post_review_comment/merge_pr steps drive, built on
// net/http behind the same circuit-breaker transport the store adapter
// uses rather than pulling in a full GitHub SDK for four endpoints.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	schederrors "github.com/maxthelion/octopoid/internal/errors"
	"github.com/maxthelion/octopoid/internal/httpclient"
	"github.com/maxthelion/octopoid/internal/logging"
	"github.com/maxthelion/octopoid/internal/task"
)

const maxResponseBytes = 2 << 20 // 2MiB

const breakerGitHub = "forge-github"

// GitHubClient talks to the GitHub REST API for one owner/repo. It
// satisfies internal/steps.PRClient.
type GitHubClient struct {
	owner string
	repo  string
	token string

	baseURL string
	client  *http.Client
	logger  logging.Logger
}

// Option customizes a GitHubClient.
type Option func(*GitHubClient)

// WithBaseURL overrides the API base, for GitHub Enterprise or test servers.
func WithBaseURL(url string) Option {
	return func(c *GitHubClient) { c.baseURL = url }
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(c *GitHubClient) { c.logger = logging.OrNop(logger) }
}

// WithTimeout overrides the per-call HTTP timeout (default 15s).
func WithTimeout(timeout time.Duration) Option {
	return func(c *GitHubClient) {
		c.client = httpclient.NewWithCircuitBreaker(timeout, c.logger, breakerGitHub)
	}
}

// NewGitHubClient builds a client for owner/repo, authenticating with
// token.
func NewGitHubClient(owner, repo, token string, opts ...Option) *GitHubClient {
	c := &GitHubClient{
		owner:   owner,
		repo:    repo,
		token:   token,
		baseURL: "https://api.github.com",
		logger:  logging.Nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = httpclient.NewWithCircuitBreaker(15*time.Second, c.logger, breakerGitHub)
	}
	return c
}

type pullRequest struct {
	Number    int    `json:"number"`
	HTMLURL   string `json:"html_url"`
	Mergeable *bool  `json:"mergeable"`
	State     string `json:"state"`
}

// EnsurePR opens a pull request for t.Branch against the "main" branch,
// titled from the task, and returns its number and URL.
// Idempotent: an open PR already tracking the branch is returned as-is
// rather than duplicated.
func (c *GitHubClient) EnsurePR(ctx context.Context, t *task.Task) (int, string, error) {
	if t.Branch == "" {
		return 0, "", fmt.Errorf("task %s has no branch to open a PR from", t.ID)
	}

	var existing []pullRequest
	listPath := fmt.Sprintf("/repos/%s/%s/pulls?head=%s:%s&state=open", c.owner, c.repo, c.owner, t.Branch)
	if err := c.doJSON(ctx, http.MethodGet, listPath, nil, &existing); err != nil {
		return 0, "", fmt.Errorf("list pull requests for branch %s: %w", t.Branch, err)
	}
	if len(existing) > 0 {
		return existing[0].Number, existing[0].HTMLURL, nil
	}

	payload := map[string]any{
		"title": prTitle(t),
		"head":  t.Branch,
		"base":  "main",
		"body":  t.Prompt,
	}
	var pr pullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &pr); err != nil {
		return 0, "", fmt.Errorf("create pull request for task %s: %w", t.ID, err)
	}
	return pr.Number, pr.HTMLURL, nil
}

// PostComment adds a review comment to prNumber.
func (c *GitHubClient) PostComment(ctx context.Context, prNumber int, body string) error {
	if body == "" {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, prNumber)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"body": body}, nil)
}

// Mergeable reports whether prNumber is currently free of merge conflicts.
// GitHub computes mergeability asynchronously; a nil mergeable field is
// treated as mergeable (unknown, not blocked) — the scheduler's
// PRMergeable guard caches this result in the store adapter's LRU and
// reuses it for later evaluations in the same process.
func (c *GitHubClient) Mergeable(ctx context.Context, prNumber int) (bool, error) {
	var pr pullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, prNumber)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return false, fmt.Errorf("fetch pull request %d: %w", prNumber, err)
	}
	if pr.Mergeable == nil {
		return true, nil
	}
	return *pr.Mergeable, nil
}

// Merge merges prNumber using the default merge method.
func (c *GitHubClient) Merge(ctx context.Context, prNumber int) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", c.owner, c.repo, prNumber)
	return c.doJSON(ctx, http.MethodPut, path, map[string]any{"merge_method": "squash"}, nil)
}

func (c *GitHubClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return schederrors.NewTransientError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return schederrors.NewPermanentError(fmt.Errorf("read response: %w", err))
		}
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func prTitle(t *task.Task) string {
	if t.Title != "" {
		return t.Title
	}
	return fmt.Sprintf("octopoid: task %s", t.ID)
}
