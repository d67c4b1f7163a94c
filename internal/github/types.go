// Package github provides the write client for the destination GitHub
// repository, including the asynchronous bulk-import protocol.
//
// Every request goes through the shared rate limiter: GitHub enforces its
// write limits per credential, so the client never issues two calls less
// than the limiter's interval apart regardless of caller behavior.
package github

import (
	"net/http"
	"time"

	"jira2github/internal/ratelimit"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// ImportMediaType is the preview media type required by the async
	// issue-import API.
	ImportMediaType = "application/vnd.github.golden-comet-preview+json"

	// MaxPageSize is the page size used for list endpoints.
	MaxPageSize = 100

	// MaxPages bounds pagination loops against malformed responses.
	MaxPages = 1000
)

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Token      string             // personal access token
	RepoSlug   string             // "owner/repo"
	BaseURL    string             // API base URL (default: https://api.github.com)
	HTTPClient *http.Client       // optional custom HTTP client
	Limiter    *ratelimit.Limiter // shared write-rate governor
}

// ImportRequest is the payload for one issue import, plus the pull-request
// references carried alongside for the post-import linking pass (they are
// not part of the wire format).
type ImportRequest struct {
	Issue    ImportIssue     `json:"issue"`
	Comments []ImportComment `json:"comments,omitempty"`

	PullRequests []PullRef `json:"-"`
}

// ImportIssue is the issue portion of an import payload.
type ImportIssue struct {
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Closed    bool       `json:"closed"`
	Assignee  string     `json:"assignee,omitempty"`
	Milestone int        `json:"milestone,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
}

// ImportComment is one comment in an import payload.
type ImportComment struct {
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Body      string     `json:"body"`
}

// PullRef references a pull request by destination issue number.
type PullRef struct {
	Number int
}

// ImportResponse is the immediate result of submitting an import.
type ImportResponse struct {
	ID     int           `json:"id"`
	Status string        `json:"status"`
	URL    string        `json:"url"` // opaque status-check URL
	Errors []ImportError `json:"errors,omitempty"`
}

// ImportStatus is the result of polling an import's status-check URL.
type ImportStatus struct {
	ID       int           `json:"id"`
	Status   string        `json:"status"` // "pending", "imported", "failed"
	IssueURL string        `json:"issue_url,omitempty"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ImportError is one validation error reported by the import API.
type ImportError struct {
	Code     string `json:"code"`
	Field    string `json:"field"`
	Location string `json:"location"`
	Resource string `json:"resource"`
	Value    string `json:"value"`
}

// Milestone represents a GitHub milestone.
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"` // "open" or "closed"
	DueOn  string `json:"due_on,omitempty"`
}

// Label represents a GitHub label.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Issue is the subset of a GitHub issue the migration reads back.
type Issue struct {
	Number      int      `json:"number"`
	Title       string   `json:"title"`
	State       string   `json:"state"`
	HTMLURL     string   `json:"html_url"`
	PullRequest *PullDoc `json:"pull_request,omitempty"` // non-nil if this is a PR
}

// PullDoc marks an issues-endpoint entry as a pull request.
type PullDoc struct {
	URL string `json:"url,omitempty"`
}

// Comment is one issue comment read back from the destination.
type Comment struct {
	ID   int    `json:"id"`
	Body string `json:"body"`
}
