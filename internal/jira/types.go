// Package jira provides the read-only client and data model for the source
// Jira instance. Issues are fetched once per run; nothing here writes back.
package jira

import (
	"fmt"
	"strings"
	"time"
)

// Project describes a Jira project, as much of it as the migration needs.
type Project struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Name     string    `json:"name"`
	Versions []Version `json:"versions"`
}

// Version is a Jira project version (fix version), the source of GitHub
// milestones.
type Version struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Released    bool   `json:"released"`
	ReleaseDate string `json:"releaseDate,omitempty"` // YYYY-MM-DD
}

// Issue is an immutable snapshot of one Jira issue.
type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Self   string `json:"self"`
	Fields Fields `json:"fields"`

	// Enriched out-of-band (extra requests per issue, see
	// Client.FindIssuesVotesAndCommits).
	Votes       int          `json:"-"`
	CommitURLs  []string     `json:"-"`
	RemoteLinks []RemoteLink `json:"-"`
}

// Fields holds the issue's field values.
type Fields struct {
	Summary        string       `json:"summary"`
	Description    string       `json:"description"`
	Created        Time         `json:"created"`
	Updated        Time         `json:"updated"`
	Reporter       *User        `json:"reporter"`
	Assignee       *User        `json:"assignee"`
	Resolution     *Resolution  `json:"resolution"`
	Status         *Status      `json:"status"`
	Priority       *Priority    `json:"priority"`
	IssueType      IssueType    `json:"issuetype"`
	FixVersions    []Version    `json:"fixVersions"`
	Versions       []Version    `json:"versions"` // affected versions
	Comment        CommentPage  `json:"comment"`
	IssueLinks     []IssueLink  `json:"issuelinks"`
	Attachments    []Attachment `json:"attachment"`
	Parent         *IssueRef    `json:"parent"`
	Subtasks       []IssueRef   `json:"subtasks"`
	Watches        Watches      `json:"watches"`
	Security       *Security    `json:"security"`
	ReferenceURL   string       `json:"customfield_10600,omitempty"`
	PullRequestURL string       `json:"customfield_10684,omitempty"`
}

// User is a Jira user reference.
type User struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Self        string `json:"self"`
}

// Resolution is the field whose presence means the issue is closed.
type Resolution struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Priority is the issue priority (Blocker, Critical, Major, ...).
type Priority struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Status is the workflow status. It plays no role in the open/closed
// decision (that is the resolution's job) but feeds labels.
type Status struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueType names the issue type (Bug, Improvement, Backport, ...).
type IssueType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommentPage is the comment container Jira nests under fields.
type CommentPage struct {
	Comments []Comment `json:"comments"`
}

// Comment is one issue comment. A non-empty visibility restriction hides it
// from anonymous users, so it must not be copied to the destination.
type Comment struct {
	ID         string      `json:"id"`
	Author     User        `json:"author"`
	Body       string      `json:"body"`
	Created    Time        `json:"created"`
	Visibility *Visibility `json:"visibility"`
}

// Visibility restricts a comment to a role or group.
type Visibility struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Restricted reports whether the comment is hidden from anonymous users.
func (c Comment) Restricted() bool {
	return c.Visibility != nil
}

// VisibleComments returns the comments safe to copy, in order.
func (p CommentPage) VisibleComments() []Comment {
	var out []Comment
	for _, c := range p.Comments {
		if !c.Restricted() {
			out = append(out, c)
		}
	}
	return out
}

// HasRestrictedComments reports whether any comment was withheld.
func (p CommentPage) HasRestrictedComments() bool {
	for _, c := range p.Comments {
		if c.Restricted() {
			return true
		}
	}
	return false
}

// IssueLink is a typed, directional link between two issues. Exactly one of
// OutwardIssue and InwardIssue is set, depending on which end this issue is.
type IssueLink struct {
	Type         LinkType  `json:"type"`
	OutwardIssue *IssueRef `json:"outwardIssue"`
	InwardIssue  *IssueRef `json:"inwardIssue"`
}

// LinkType carries the direction-specific human descriptions of a link.
type LinkType struct {
	Name    string `json:"name"`
	Inward  string `json:"inward"`
	Outward string `json:"outward"`
}

// IssueRef is a shallow reference to another issue (parent, subtask, link
// target).
type IssueRef struct {
	ID     string    `json:"id"`
	Key    string    `json:"key"`
	Fields RefFields `json:"fields"`
}

// RefFields is the subset of fields Jira embeds in an issue reference.
type RefFields struct {
	Summary string `json:"summary"`
}

// Attachment is attachment metadata; content stays on the Jira server.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // download URL
	Size     int64  `json:"size"`
}

// SizeToDisplay renders the attachment size for humans.
func (a Attachment) SizeToDisplay() string {
	const kb, mb = 1024, 1024 * 1024
	switch {
	case a.Size >= mb:
		return fmt.Sprintf("%.2f MB", float64(a.Size)/mb)
	case a.Size >= kb:
		return fmt.Sprintf("%.2f kB", float64(a.Size)/kb)
	default:
		return fmt.Sprintf("%d bytes", a.Size)
	}
}

// Watches carries the watcher count.
type Watches struct {
	WatchCount int `json:"watchCount"`
}

// Security marks an issue as access-restricted. Restricted issues are not
// migrated; their keys are redacted from link and subtask lists.
type Security struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RemoteLink is an arbitrary URL attached to an issue. Pull requests are
// detected from these.
type RemoteLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Votes payload of the votes sub-resource.
type votesResult struct {
	Votes int `json:"votes"`
}

// Public reports whether the issue carries no security restriction.
func (i *Issue) Public() bool {
	return i.Fields.Security == nil
}

// FixVersion returns the primary fix version: the first one listed.
// Remaining fix versions are treated as backports.
func (i *Issue) FixVersion() *Version {
	if len(i.Fields.FixVersions) == 0 {
		return nil
	}
	return &i.Fields.FixVersions[0]
}

// BackportVersions returns every fix version other than the primary one.
func (i *Issue) BackportVersions() []Version {
	if len(i.Fields.FixVersions) < 2 {
		return nil
	}
	return i.Fields.FixVersions[1:]
}

// BrowserURL returns the human-facing URL of this issue.
func (i *Issue) BrowserURL() string {
	return browseURL(i.Self, i.Key)
}

// BrowserURLFor returns the human-facing URL for another key on the same
// Jira instance.
func (i *Issue) BrowserURLFor(key string) string {
	return browseURL(i.Self, key)
}

// browseURL derives https://host/browse/KEY from a REST self URL.
func browseURL(self, key string) string {
	if idx := strings.Index(self, "/rest/"); idx != -1 {
		return self[:idx] + "/browse/" + key
	}
	return self
}

// BrowserURL returns the user's profile page.
func (u *User) BrowserURL() string {
	if idx := strings.Index(u.Self, "/rest/"); idx != -1 {
		return u.Self[:idx] + "/secure/ViewProfile.jspa?name=" + u.Name
	}
	return u.Self
}

// Time wraps time.Time with Jira's JSON timestamp formats.
type Time struct {
	time.Time
}

// UnmarshalJSON accepts Jira's ISO 8601 variants.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON renders the canonical Jira format.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format("2006-01-02T15:04:05.000-0700") + `"`), nil
}

// ParseTimestamp parses Jira's timestamp format into a time.Time.
// Jira uses ISO 8601 with timezone: 2024-01-15T10:30:00.000+0000 or 2024-01-15T10:30:00.000Z
func ParseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	formats := []string{
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05Z",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %s", ts)
}
