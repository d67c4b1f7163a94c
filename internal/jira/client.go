package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// searchFields is the set of fields requested in search queries.
const searchFields = "summary,description,created,updated,reporter,assignee," +
	"resolution,status,priority,issuetype,fixVersions,versions,comment," +
	"issuelinks,attachment,parent,subtasks,watches,security"

// maxTransientRetries bounds retries of read requests that fail with
// network errors or 5xx responses.
const maxTransientRetries = 3

// Client provides read-only HTTP access to a Jira instance.
type Client struct {
	URL        string
	Username   string
	APIToken   string
	HTTPClient *http.Client
}

// NewClient creates a new Jira client.
func NewClient(url, username, apiToken string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(url, "/"),
		Username: username,
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// searchResult is a page of a JQL search response.
type searchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// FindProject fetches a project with its versions.
func (c *Client) FindProject(ctx context.Context, id string) (*Project, error) {
	apiURL := fmt.Sprintf("%s/rest/api/2/project/%s", c.URL, url.PathEscape(id))

	body, err := c.get(ctx, apiURL)
	if err != nil {
		return nil, fmt.Errorf("find project %s: %w", id, err)
	}

	var project Project
	if err := json.Unmarshal(body, &project); err != nil {
		return nil, fmt.Errorf("parse project response: %w", err)
	}
	return &project, nil
}

// FindIssues queries Jira using JQL and returns all matching issues in
// stable order, handling pagination. Re-querying is safe and idempotent.
func (c *Client) FindIssues(ctx context.Context, jql string) ([]Issue, error) {
	var allIssues []Issue
	startAt := 0
	maxResults := 100

	for {
		params := url.Values{
			"jql":        {jql},
			"fields":     {searchFields},
			"startAt":    {fmt.Sprintf("%d", startAt)},
			"maxResults": {fmt.Sprintf("%d", maxResults)},
		}

		apiURL := fmt.Sprintf("%s/rest/api/2/search?%s", c.URL, params.Encode())

		body, err := c.get(ctx, apiURL)
		if err != nil {
			return nil, fmt.Errorf("search issues: %w", err)
		}

		var result searchResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("parse search response: %w", err)
		}

		allIssues = append(allIssues, result.Issues...)

		if startAt+len(result.Issues) >= result.Total || len(result.Issues) == 0 {
			break
		}
		startAt += len(result.Issues)
	}

	return allIssues, nil
}

// FindIssuesVotesAndCommits runs FindIssues and enriches the result with
// vote counts, remote links, and commit URLs. The filter trims the list
// before the per-issue enrichment requests, so already-imported issues cost
// nothing extra.
func (c *Client) FindIssuesVotesAndCommits(ctx context.Context, jql string, filter func([]Issue) []Issue) ([]Issue, error) {
	issues, err := c.FindIssues(ctx, jql)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		issues = filter(issues)
	}

	for i := range issues {
		if err := c.enrich(ctx, &issues[i]); err != nil {
			return nil, fmt.Errorf("enrich %s: %w", issues[i].Key, err)
		}
	}
	return issues, nil
}

// enrich loads votes and remote links for one issue and derives commit URLs
// from remote links pointing at commits.
func (c *Client) enrich(ctx context.Context, issue *Issue) error {
	votesURL := fmt.Sprintf("%s/rest/api/2/issue/%s/votes", c.URL, url.PathEscape(issue.Key))
	body, err := c.get(ctx, votesURL)
	if err != nil {
		return fmt.Errorf("votes: %w", err)
	}
	var votes votesResult
	if err := json.Unmarshal(body, &votes); err != nil {
		return fmt.Errorf("parse votes response: %w", err)
	}
	issue.Votes = votes.Votes

	links, err := c.remoteLinks(ctx, issue.Key)
	if err != nil {
		return fmt.Errorf("remote links: %w", err)
	}
	issue.RemoteLinks = links

	for _, link := range links {
		if strings.Contains(link.URL, "/commit/") {
			issue.CommitURLs = append(issue.CommitURLs, link.URL)
		}
	}
	return nil
}

// remoteLinkEntry is the wire shape of one remote link; the interesting
// parts are nested under "object".
type remoteLinkEntry struct {
	Object struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"object"`
}

// remoteLinks fetches the remote links for an issue key.
func (c *Client) remoteLinks(ctx context.Context, key string) ([]RemoteLink, error) {
	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s/remotelink", c.URL, url.PathEscape(key))

	body, err := c.get(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	var entries []remoteLinkEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse remote links response: %w", err)
	}

	links := make([]RemoteLink, 0, len(entries))
	for _, e := range entries {
		links = append(links, RemoteLink{URL: e.Object.URL, Title: e.Object.Title})
	}
	return links, nil
}

// transientError marks a response worth retrying.
type transientError struct {
	status int
	body   string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.status, e.body)
}

// get executes an authenticated GET and returns the response body, retrying
// transient failures with exponential backoff.
func (c *Client) get(ctx context.Context, apiURL string) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}

	var result []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		c.setAuth(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "jira2github/1.0")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return &transientError{status: resp.StatusCode, body: string(body)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("jira API returned %d: %s", resp.StatusCode, string(body)))
		}

		result = body
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// setAuth sets the appropriate authentication header on the request.
// Older self-hosted instances use basic auth; token-only setups use bearer.
func (c *Client) setAuth(req *http.Request) {
	if c.APIToken == "" {
		return
	}
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
}
