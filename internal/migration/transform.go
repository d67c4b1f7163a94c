package migration

import (
	"fmt"
	"strconv"
	"strings"

	"jira2github/internal/github"
	"jira2github/internal/jira"
	"jira2github/internal/markup"
)

// Link types whose annotation adds nothing over the link itself.
var suppressedLinkTypes = map[string]bool{
	"relates to":    true,
	"is related to": true,
}

// Transformer turns one Jira issue into a GitHub import request. All steps
// are deterministic functions of the issue snapshot, the confirmed milestone
// index, and the restricted-key set.
type Transformer struct {
	Markup    *markup.Manager
	Labels    LabelHandler
	Processor IssueProcessor

	// Jira user key to GitHub username, for assignees.
	Users map[string]string

	RepoSlug string

	// Both false in delete-create (test) mode: test repositories have no
	// real contributors, and PR references generate timeline events on the
	// live pull requests.
	ApplyAssignees         bool
	IncludePullRequestRefs bool
}

// Prepare builds the import request for one issue. Missing optional data
// (description, parent, attachments) is legal; only a structurally invalid
// snapshot fails, and then only for that issue.
func (t *Transformer) Prepare(issue *jira.Issue, milestones map[string]github.Milestone, restricted map[string]bool) (*github.ImportRequest, error) {
	if issue.Key == "" {
		return nil, fmt.Errorf("issue %s has no key", issue.ID)
	}
	if issue.Fields.Summary == "" {
		return nil, fmt.Errorf("issue %s has no summary", issue.Key)
	}
	if issue.Fields.Reporter == nil {
		return nil, fmt.Errorf("issue %s has no reporter", issue.Key)
	}

	if t.Processor != nil {
		t.Processor.BeforeConversion(issue)
	}

	req := &github.ImportRequest{
		Issue:        t.buildIssue(issue, milestones, restricted),
		Comments:     t.buildComments(issue),
		PullRequests: PullRequestRefs(issue),
	}

	if t.Processor != nil {
		t.Processor.BeforeImport(issue, req)
	}
	return req, nil
}

func (t *Transformer) buildIssue(issue *jira.Issue, milestones map[string]github.Milestone, restricted map[string]bool) github.ImportIssue {
	fields := issue.Fields
	engine := t.Markup.Engine(fields.Created.Time)

	reporterLink := engine.Link(fields.Reporter.DisplayName, fields.Reporter.BrowserURL())
	issueLink := engine.Link(issue.Key, issue.BrowserURL()+"?redirect=false")

	var body strings.Builder
	body.WriteString("**" + reporterLink + "** opened **" + issueLink + "**")
	if fields.Comment.HasRestrictedComments() {
		body.WriteString("*")
	}
	body.WriteString(" and commented\n")

	if description := stripTrailingRule(fields.Description); description != "" {
		body.WriteString("\n" + engine.Convert(description))
	}

	details := t.buildDetails(issue, engine, milestones, restricted)
	body.WriteString("\n\n---\n")
	if strings.TrimSpace(details) != "" {
		body.WriteString(details)
	} else {
		body.WriteString("No further details from " + issueLink)
	}

	out := github.ImportIssue{
		Title:     "[" + issue.Key + "] " + fields.Summary,
		Body:      body.String(),
		CreatedAt: &fields.Created.Time,
		UpdatedAt: &fields.Updated.Time,
	}

	// Jira's documented open/closed semantics: an issue is closed iff its
	// resolution is set, regardless of status.
	if fields.Resolution != nil {
		out.Closed = true
		out.ClosedAt = &fields.Updated.Time
	}

	if t.ApplyAssignees && fields.Assignee != nil {
		if username, ok := t.Users[fields.Assignee.Key]; ok {
			out.Assignee = username
		}
	}

	if fixVersion := issue.FixVersion(); fixVersion != nil {
		if milestone, ok := milestones[fixVersion.Name]; ok {
			out.Milestone = milestone.Number
		}
	}

	if t.Labels != nil {
		out.Labels = append(out.Labels, t.Labels.LabelsFor(issue)...)
	}
	return out
}

// stripTrailingRule removes a trailing "----" horizontal-rule artifact that
// some descriptions carry after signature blocks.
func stripTrailingRule(description string) string {
	index := strings.LastIndex(description, "----")
	if index == -1 {
		return description
	}
	if strings.TrimSpace(description[index+4:]) == "" {
		return description[:index]
	}
	return description
}

func (t *Transformer) buildDetails(issue *jira.Issue, engine markup.Engine, milestones map[string]github.Milestone, restricted map[string]bool) string {
	fields := issue.Fields
	var details strings.Builder

	if len(fields.Versions) > 0 {
		names := make([]string, len(fields.Versions))
		for i, v := range fields.Versions {
			names[i] = v.Name
		}
		details.WriteString("\n**Affects:** " + strings.Join(names, ", ") + "\n")
	}

	if fields.ReferenceURL != "" {
		details.WriteString("\n**Reference URL:** " + fields.ReferenceURL + "\n")
	}

	if len(fields.Attachments) > 0 {
		details.WriteString("\n**Attachments:**\n")
		for i, a := range fields.Attachments {
			if i > 0 {
				details.WriteString("\n")
			}
			details.WriteString("- " + engine.Link(a.Filename, a.Content) + " (_" + a.SizeToDisplay() + "_)")
		}
		details.WriteString("\n")
	}

	if parent := fields.Parent; parent != nil {
		subTaskType := "sub-task"
		if strings.EqualFold(fields.IssueType.Name, "Backport") {
			subTaskType = "backport sub-task"
		}
		details.WriteString("\nThis issue is a " + subTaskType + " of " +
			engine.Link(parent.Key, issue.BrowserURLFor(parent.Key)) + "\n")
	}

	var subtasks []string
	for _, subtask := range fields.Subtasks {
		if restricted[subtask.Key] {
			continue
		}
		// Convert escapes annotations colliding with GitHub mentions.
		summary := engine.Convert(subtask.Fields.Summary)
		subtasks = append(subtasks, "- "+engine.Link(subtask.Key, issue.BrowserURLFor(subtask.Key))+" "+summary)
	}
	if len(subtasks) > 0 {
		details.WriteString("\n**Sub-tasks:**\n" + strings.Join(subtasks, "\n") + "\n")
	}

	var links []string
	for _, link := range fields.IssueLinks {
		target := link.OutwardIssue
		linkType := link.Type.Outward
		if target == nil {
			target = link.InwardIssue
			linkType = link.Type.Inward
		}
		if target == nil || restricted[target.Key] {
			continue
		}
		title := engine.Convert(target.Fields.Summary)
		line := "- " + engine.Link(target.Key, issue.BrowserURLFor(target.Key)) + " " + title
		if !suppressedLinkTypes[linkType] {
			line += " (_**\"" + linkType + "\"**_)"
		}
		links = append(links, line)
	}
	if len(links) > 0 {
		details.WriteString("\n**Issue Links:**\n" + strings.Join(links, "\n") + "\n")
	}

	if len(issue.RemoteLinks) > 0 {
		var lines []string
		for _, link := range issue.RemoteLinks {
			lines = append(lines, "- "+engine.Link(engine.Convert(link.Title), link.URL))
		}
		details.WriteString("\n**Remote Links:**\n" + strings.Join(lines, "\n") + "\n")
	}

	var references []string
	if fields.PullRequestURL != "" && t.IncludePullRequestRefs {
		references = append(references, "pull request "+fields.PullRequestURL)
	}
	if len(issue.CommitURLs) > 0 {
		references = append(references, "commits "+strings.Join(issue.CommitURLs, ", "))
	}
	if len(references) > 0 {
		details.WriteString("\n**Referenced from:** " + strings.Join(references, ", and ") + "\n")
	}

	if backports := issue.BackportVersions(); len(backports) > 0 {
		var rendered []string
		for _, version := range backports {
			if milestone, ok := milestones[version.Name]; ok {
				url := fmt.Sprintf("https://github.com/%s/milestone/%d?closed=1", t.RepoSlug, milestone.Number)
				rendered = append(rendered, engine.Link(version.Name, url))
			} else {
				rendered = append(rendered, version.Name)
			}
		}
		details.WriteString("\n**Backported to:** " + strings.Join(rendered, ", ") + "\n")
	}

	watchCount := fields.Watches.WatchCount
	if issue.Votes > 0 || watchCount >= 5 {
		details.WriteString(fmt.Sprintf("\n%d votes, %d watchers\n", issue.Votes, watchCount))
	}
	return details.String()
}

func (t *Transformer) buildComments(issue *jira.Issue) []github.ImportComment {
	engine := t.Markup.Engine(issue.Fields.Created.Time)
	var comments []github.ImportComment
	for _, c := range issue.Fields.Comment.VisibleComments() {
		body := "**" + engine.Link(c.Author.DisplayName, c.Author.BrowserURL()) + "** commented\n\n" +
			engine.Convert(c.Body)
		created := c.Created.Time
		comments = append(comments, github.ImportComment{CreatedAt: &created, Body: body})
	}
	return comments
}

// PullRequestRefs derives pull-request references from an issue's remote
// links: a "pull" path segment followed by an integer segment.
func PullRequestRefs(issue *jira.Issue) []github.PullRef {
	var refs []github.PullRef
	for _, link := range issue.RemoteLinks {
		segments := strings.Split(strings.TrimRight(link.URL, "/"), "/")
		for i := 0; i < len(segments)-1; i++ {
			if segments[i] != "pull" {
				continue
			}
			if number, err := strconv.Atoi(segments[i+1]); err == nil {
				refs = append(refs, github.PullRef{Number: number})
				break
			}
		}
	}
	return refs
}
