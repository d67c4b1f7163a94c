package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"jira2github/internal/ratelimit"
)

// NewClient creates a new GitHub client for the given repository slug
// ("owner/repo").
func NewClient(token, repoSlug string) *Client {
	return &Client{
		Token:    token,
		RepoSlug: repoSlug,
		BaseURL:  DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		Limiter: ratelimit.NewLimiter(ratelimit.DefaultInterval),
	}
}

// WithBaseURL returns a client pointed at a custom base URL (tests, GitHub
// Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	out := *c
	out.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &out
}

// StatusError is a non-2xx response from the GitHub API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github API returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the GitHub API.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

// repoURL builds a URL under /repos/{slug}.
func (c *Client) repoURL(path string) string {
	return c.BaseURL + "/repos/" + c.RepoSlug + path
}

// doRequest performs one authenticated request. A permit is acquired from
// the shared limiter immediately before the call; GitHub's write limit is
// per credential, and routing reads through the same gate keeps the client
// strictly inside it.
func (c *Client) doRequest(ctx context.Context, method, urlStr, accept string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.Token)
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Limiter.Acquire()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	const maxResponseSize = 50 * 1024 * 1024
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// DeleteRepository deletes the destination repository. Callers tolerate 404
// via IsNotFound.
func (c *Client) DeleteRepository(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, c.repoURL(""), "", nil); err != nil {
		return fmt.Errorf("delete repository %s: %w", c.RepoSlug, err)
	}
	return nil
}

// CreateRepository creates the destination repository under its org.
func (c *Client) CreateRepository(ctx context.Context) error {
	parts := strings.SplitN(c.RepoSlug, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid repository slug %q", c.RepoSlug)
	}
	body := map[string]interface{}{
		"name":    parts[1],
		"private": true,
	}
	urlStr := c.BaseURL + "/orgs/" + parts[0] + "/repos"
	if _, err := c.doRequest(ctx, http.MethodPost, urlStr, "", body); err != nil {
		return fmt.Errorf("create repository %s: %w", c.RepoSlug, err)
	}
	return nil
}

// ListMilestones returns all milestones (open and closed), paginated.
func (c *Client) ListMilestones(ctx context.Context) ([]Milestone, error) {
	var all []Milestone
	for page := 1; page <= MaxPages; page++ {
		urlStr := c.repoURL(fmt.Sprintf("/milestones?state=all&per_page=%d&page=%d", MaxPageSize, page))
		respBody, err := c.doRequest(ctx, http.MethodGet, urlStr, "", nil)
		if err != nil {
			return nil, fmt.Errorf("list milestones: %w", err)
		}
		var milestones []Milestone
		if err := json.Unmarshal(respBody, &milestones); err != nil {
			return nil, fmt.Errorf("parse milestones response: %w", err)
		}
		if len(milestones) == 0 {
			return all, nil
		}
		all = append(all, milestones...)
	}
	return nil, fmt.Errorf("pagination limit exceeded listing milestones")
}

// CreateMilestone creates a milestone. dueOn is an RFC 3339 timestamp or
// empty.
func (c *Client) CreateMilestone(ctx context.Context, title, state, dueOn string) (*Milestone, error) {
	body := map[string]interface{}{
		"title": title,
		"state": state,
	}
	if dueOn != "" {
		body["due_on"] = dueOn
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, c.repoURL("/milestones"), "", body)
	if err != nil {
		return nil, fmt.Errorf("create milestone %q: %w", title, err)
	}
	var milestone Milestone
	if err := json.Unmarshal(respBody, &milestone); err != nil {
		return nil, fmt.Errorf("parse milestone response: %w", err)
	}
	return &milestone, nil
}

// ListLabels returns all labels in the repository.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	urlStr := c.repoURL(fmt.Sprintf("/labels?per_page=%d", MaxPageSize))
	respBody, err := c.doRequest(ctx, http.MethodGet, urlStr, "", nil)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	var labels []Label
	if err := json.Unmarshal(respBody, &labels); err != nil {
		return nil, fmt.Errorf("parse labels response: %w", err)
	}
	return labels, nil
}

// CreateLabel creates one label.
func (c *Client) CreateLabel(ctx context.Context, label Label) error {
	if _, err := c.doRequest(ctx, http.MethodPost, c.repoURL("/labels"), "", label); err != nil {
		return fmt.Errorf("create label %q: %w", label.Name, err)
	}
	return nil
}

// SubmitImport starts an asynchronous issue import and returns the response
// carrying the opaque status-check URL.
func (c *Client) SubmitImport(ctx context.Context, req *ImportRequest) (*ImportResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, c.repoURL("/import/issues"), ImportMediaType, req)
	if err != nil {
		return nil, fmt.Errorf("submit import %q: %w", req.Issue.Title, err)
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("submit import %q: empty response body", req.Issue.Title)
	}
	var response ImportResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("parse import response: %w", err)
	}
	return &response, nil
}

// CheckImport polls an import's status-check URL.
func (c *Client) CheckImport(ctx context.Context, statusURL string) (*ImportStatus, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, statusURL, ImportMediaType, nil)
	if err != nil {
		return nil, fmt.Errorf("check import: %w", err)
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("check import: empty response body")
	}
	var status ImportStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("parse import status: %w", err)
	}
	return &status, nil
}

// PatchNotPlanned sets an issue's close reason to not_planned. issueURL is
// the API URL of the issue.
func (c *Client) PatchNotPlanned(ctx context.Context, issueURL string) error {
	body := map[string]string{
		"state":        "closed",
		"state_reason": "not_planned",
	}
	if _, err := c.doRequest(ctx, http.MethodPatch, issueURL, "", body); err != nil {
		return fmt.Errorf("patch state reason: %w", err)
	}
	return nil
}

// IssueURL returns the API URL of an issue by number.
func (c *Client) IssueURL(number int) string {
	return c.repoURL("/issues/" + strconv.Itoa(number))
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, c.IssueURL(number), "", nil)
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return &issue, nil
}

// ListComments returns the comments of an issue or pull request.
func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, error) {
	urlStr := c.IssueURL(number) + "/comments"
	respBody, err := c.doRequest(ctx, http.MethodGet, urlStr, "", nil)
	if err != nil {
		return nil, fmt.Errorf("list comments for #%d: %w", number, err)
	}
	var comments []Comment
	if err := json.Unmarshal(respBody, &comments); err != nil {
		return nil, fmt.Errorf("parse comments response: %w", err)
	}
	return comments, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	payload := map[string]string{"body": body}
	urlStr := c.IssueURL(number) + "/comments"
	if _, err := c.doRequest(ctx, http.MethodPost, urlStr, "", payload); err != nil {
		return fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return nil
}

// FetchAllIssues retrieves every issue in the repository (all states),
// skipping pull requests. Used by the mapping-repair mode.
func (c *Client) FetchAllIssues(ctx context.Context) ([]Issue, error) {
	var all []Issue
	for page := 1; page <= MaxPages; page++ {
		urlStr := c.repoURL(fmt.Sprintf("/issues?state=all&per_page=%d&page=%d", MaxPageSize, page))
		respBody, err := c.doRequest(ctx, http.MethodGet, urlStr, "", nil)
		if err != nil {
			return nil, fmt.Errorf("fetch issues page %d: %w", page, err)
		}
		var issues []Issue
		if err := json.Unmarshal(respBody, &issues); err != nil {
			return nil, fmt.Errorf("parse issues response: %w", err)
		}
		if len(issues) == 0 {
			return all, nil
		}
		for i := range issues {
			if issues[i].PullRequest == nil {
				all = append(all, issues[i])
			}
		}
	}
	return nil, fmt.Errorf("pagination limit exceeded fetching issues")
}
