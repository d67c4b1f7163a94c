package migration

import (
	"fmt"
	"sort"
	"strings"

	"jira2github/internal/github"
	"jira2github/internal/jira"
	"jira2github/internal/markup"
)

// BackportGroup collects the issues backported to one milestone. The group
// becomes a single holder issue, milestone-scoped rather than issue-scoped,
// so it never enters the key-based mapping tables.
type BackportGroup struct {
	Milestone github.Milestone
	Issues    []jira.Issue
}

// CollectBackports groups issues under the milestones of their backport
// versions. Only the versions after the primary fix version count; a version
// with no confirmed milestone is skipped. Groups come back ordered by
// milestone number so holder creation is deterministic.
func CollectBackports(issues []jira.Issue, milestones map[string]github.Milestone) []BackportGroup {
	byNumber := map[int]*BackportGroup{}
	for _, issue := range issues {
		for _, version := range issue.BackportVersions() {
			milestone, ok := milestones[version.Name]
			if !ok {
				continue
			}
			group := byNumber[milestone.Number]
			if group == nil {
				group = &BackportGroup{Milestone: milestone}
				byNumber[milestone.Number] = group
			}
			group.Issues = append(group.Issues, issue)
		}
	}

	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := make([]BackportGroup, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, *byNumber[n])
	}
	return out
}

// BuildBackportHolder synthesizes the holder request for one group: titled
// after the milestone, dated from its due date, closed iff the milestone is
// closed, body listing each grouped issue's summary and destination number.
// A group member with no recorded destination number is reported through the
// context but does not stop the holder.
func BuildBackportHolder(group BackportGroup, mk *markup.Manager, ctx *Context) (*github.ImportRequest, error) {
	milestone := group.Milestone
	issue := github.ImportIssue{
		Title:     milestone.Title + " Backported Issues",
		Milestone: milestone.Number,
	}
	if milestone.DueOn != "" {
		dueOn, err := jira.ParseTimestamp(milestone.DueOn)
		if err != nil {
			return nil, fmt.Errorf("milestone %q due date: %w", milestone.Title, err)
		}
		issue.CreatedAt = &dueOn
		if milestone.State == "closed" {
			issue.ClosedAt = &dueOn
		}
	}
	if milestone.State == "closed" {
		issue.Closed = true
	}

	lines := make([]string, 0, len(group.Issues))
	for _, backported := range group.Issues {
		line := "- " + backported.Fields.Summary
		if number, ok := ctx.IssueNumber(backported.Key); ok {
			line += fmt.Sprintf(" #%d", number)
		} else if err := ctx.AddFailureMessage(milestone.Title +
			" backport issues holder is missing the GitHub issue id for " + backported.Key); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	// Convert escapes annotations colliding with GitHub mentions.
	engine := mk.Engine(group.Issues[0].Fields.Created.Time)
	issue.Body = engine.Convert(strings.Join(lines, "\n"))

	return &github.ImportRequest{Issue: issue}, nil
}
