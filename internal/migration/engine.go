package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"jira2github/internal/github"
	"jira2github/internal/jira"
	"jira2github/internal/markup"
)

// Default engine tuning, matching the destination's import-API guidance.
const (
	DefaultMaxPollRetries = 5
	DefaultBatchSize      = 100
)

// Resolutions mapped to GitHub's not_planned close reason.
var notPlannedResolutions = map[string]bool{
	"Won't Fix":        true,
	"Won't Do":         true,
	"Abandoned":        true,
	"Not A Bug":        true,
	"Not A Problem":    true,
	"Cannot Reproduce": true,
}

// ImportedIssue tracks one submitted import through to its outcome. Source
// is nil for backport holders, which carry their milestone instead.
type ImportedIssue struct {
	Source    *jira.Issue
	Milestone *github.Milestone
	Request   *github.ImportRequest
	Response  *github.ImportResponse

	IssueNumber int
	Failure     string
}

// RunStats summarizes one CreateIssues run.
type RunStats struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Engine drives the migration: milestone and label setup, the
// submit-and-poll import loop, pull-request linking, and backport holders.
// It processes one issue at a time in list order; the shared rate limiter
// inside the GitHub client is the only pacing mechanism.
type Engine struct {
	GitHub  *github.Client
	Context *Context

	Transformer *Transformer
	Markup      *markup.Manager

	Filter          IssueFilter
	MilestoneFilter MilestoneFilter

	MaxPollRetries int
	BatchSize      int

	// False in delete-create (test) mode: linking comments generate events
	// on the live pull requests.
	LinkPullRequests bool

	OnMessage func(string)
	OnWarning func(string)
}

func (e *Engine) message(format string, args ...interface{}) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(format string, args ...interface{}) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) maxPollRetries() int {
	if e.MaxPollRetries > 0 {
		return e.MaxPollRetries
	}
	return DefaultMaxPollRetries
}

func (e *Engine) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return DefaultBatchSize
}

// CreateMilestones creates one milestone per Jira version that passes the
// milestone filter and does not already exist. Released versions become
// closed milestones dated from their release date.
func (e *Engine) CreateMilestones(ctx context.Context, versions []jira.Version) error {
	existing, err := e.GitHub.ListMilestones(ctx)
	if err != nil {
		return fmt.Errorf("list milestones: %w", err)
	}
	existingTitles := map[string]bool{}
	for _, m := range existing {
		existingTitles[m.Title] = true
	}
	e.message("%d existing milestones", len(existing))

	var wanted []jira.Version
	for _, version := range versions {
		if e.MilestoneFilter != nil && !e.MilestoneFilter.Keep(version) {
			continue
		}
		if existingTitles[version.Name] {
			continue
		}
		wanted = append(wanted, version)
	}

	e.message("creating %d milestones", len(wanted))
	for _, version := range wanted {
		state := "open"
		if version.Released {
			state = "closed"
		}
		dueOn := ""
		if version.ReleaseDate != "" {
			dueOn = version.ReleaseDate + "T00:00:00Z"
		}
		if _, err := e.GitHub.CreateMilestone(ctx, version.Name, state, dueOn); err != nil {
			return fmt.Errorf("create milestone %q: %w", version.Name, err)
		}
	}
	return nil
}

// CreateLabels creates every label the label handler can produce that the
// repository does not already have.
func (e *Engine) CreateLabels(ctx context.Context) error {
	if e.Transformer == nil || e.Transformer.Labels == nil {
		return nil
	}
	existing, err := e.GitHub.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	existingNames := map[string]bool{}
	for _, l := range existing {
		existingNames[l.Name] = true
	}

	var wanted []github.Label
	for _, label := range e.Transformer.Labels.AllLabels() {
		if !existingNames[label.Name] {
			wanted = append(wanted, label)
		}
	}
	e.message("creating %d labels", len(wanted))
	for _, label := range wanted {
		if err := e.GitHub.CreateLabel(ctx, label); err != nil {
			return fmt.Errorf("create label %q: %w", label.Name, err)
		}
	}
	return nil
}

// CreateIssues runs the main import loop over the public issues. Issues
// already present in the mapping tables are skipped before any network
// traffic; a structurally invalid issue is skipped with a warning. When any
// import fails, pull-request linking and backport holders are withheld so
// the operator can fix and re-run.
func (e *Engine) CreateIssues(ctx context.Context, publicIssues []jira.Issue, restrictedKeys []string) (*RunStats, error) {
	stats := &RunStats{}

	e.message("collecting users from all issues")
	e.Markup.ConfigureUserLookup(collectUsers(publicIssues))

	e.message("retrieving milestones")
	milestones, err := e.milestoneIndex(ctx)
	if err != nil {
		return nil, err
	}

	// Backports are collected over the full public list, not just this
	// run's remainder; a holder must list issues imported by earlier runs.
	backports := CollectBackports(publicIssues, milestones)

	restricted := map[string]bool{}
	for _, key := range restrictedKeys {
		restricted[key] = true
	}

	remaining := e.Context.FilterRemaining(publicIssues)
	if e.Filter != nil {
		var kept []jira.Issue
		for _, issue := range remaining {
			if e.Filter.Keep(&issue) {
				kept = append(kept, issue)
			}
		}
		remaining = kept
	}

	e.message("preparing %d issues for import", len(remaining))
	var prepared []*ImportedIssue
	for i := range remaining {
		issue := &remaining[i]
		req, err := e.Transformer.Prepare(issue, milestones, restricted)
		if err != nil {
			stats.Skipped++
			e.warn("skipping %s: %v", issue.Key, err)
			continue
		}
		prepared = append(prepared, &ImportedIssue{Source: issue, Request: req})
	}

	e.message("importing %d issues", len(prepared))
	batch := e.batchSize()
	for i, item := range prepared {
		e.submit(ctx, item)
		if i%batch == 0 && i != 0 {
			for j := i - batch; j <= i; j++ {
				if !e.checkImportResult(ctx, prepared[j]) {
					e.warn("detected import failure for %s", prepared[j].Source.Key)
					break
				}
			}
		}
	}

	e.message("checking remaining import results")
	for _, item := range prepared {
		e.checkImportResult(ctx, item)
	}

	stats.Failed = e.Context.FailedImportCount()
	stats.Succeeded = len(prepared) - stats.Failed
	if stats.Failed > 0 {
		e.warn("%d failed, %d succeeded, %d total", stats.Failed, stats.Succeeded, len(prepared))
		return stats, nil
	}
	e.message("0 failures")

	if e.LinkPullRequests {
		e.message("linking pull requests")
		for _, item := range prepared {
			e.linkPullRequests(ctx, item.IssueNumber, item.Request.Issue.Title, item.Request.PullRequests)
		}
	}

	if err := e.createBackportHolders(ctx, backports); err != nil {
		return stats, err
	}
	return stats, nil
}

func (e *Engine) milestoneIndex(ctx context.Context) (map[string]github.Milestone, error) {
	listed, err := e.GitHub.ListMilestones(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve milestones: %w", err)
	}
	index := make(map[string]github.Milestone, len(listed))
	for _, m := range listed {
		index[m.Title] = m
	}
	return index, nil
}

// collectUsers indexes every reporter and comment author by user key for
// [~key] mention resolution.
func collectUsers(issues []jira.Issue) map[string]string {
	users := map[string]string{}
	for _, issue := range issues {
		if reporter := issue.Fields.Reporter; reporter != nil {
			users[reporter.Key] = reporter.DisplayName
		}
		for _, comment := range issue.Fields.Comment.Comments {
			users[comment.Author.Key] = comment.Author.DisplayName
		}
	}
	return users
}

// submit POSTs one import. A failure here settles the item immediately; the
// poll loop never runs for it.
func (e *Engine) submit(ctx context.Context, item *ImportedIssue) {
	response, err := e.GitHub.SubmitImport(ctx, item.Request)
	if err != nil {
		message := fmt.Sprintf("Failed to POST import for %q", item.Request.Issue.Title)
		e.warn("%s: %v", message, err)
		if werr := e.Context.AddFailureMessage(message + ": " + err.Error()); werr != nil {
			e.warn("record failure message: %v", werr)
		}
		return
	}
	item.Response = response
}

// checkImportResult resolves one submitted import to a terminal outcome,
// polling while the destination still reports "pending". It is safe to call
// repeatedly; a settled item returns immediately and each item's outcome is
// written through the mapping store exactly once.
func (e *Engine) checkImportResult(ctx context.Context, item *ImportedIssue) bool {
	if item.IssueNumber != 0 {
		return true
	}
	if item.Failure != "" {
		return false
	}

	settle := func(ok bool) bool {
		if err := e.recordOutcome(item); err != nil {
			e.warn("record outcome: %v", err)
		}
		return ok
	}

	if item.Response == nil {
		item.Failure = "no response from import request"
		return settle(false)
	}

	ref := item.Response.URL
	if item.Source != nil {
		ref = item.Source.Key
	}

	maxRetries := e.maxPollRetries()
	for retries := 0; ; retries++ {
		if retries == maxRetries {
			// A capped-out poll counts as a failure rather than a success,
			// so pull requests are never linked to an unconfirmed issue.
			item.Failure = fmt.Sprintf("failed after %d retries", retries)
			e.warn("import for [%s] %s", ref, item.Failure)
			return settle(false)
		}

		status, err := e.GitHub.CheckImport(ctx, item.Response.URL)
		if err != nil {
			item.Failure = err.Error()
			e.warn("import check failed for [%s]: %v", ref, err)
			return settle(false)
		}

		switch status.Status {
		case "failed":
			item.Failure = fmt.Sprintf("status: failed %v", status.Errors)
			return settle(false)
		case "pending":
			// CheckImport re-acquires the rate-limit permit on the next
			// iteration; no extra sleep here.
			continue
		}

		if status.IssueURL == "" {
			item.Failure = fmt.Sprintf("no URL for imported issue, status %q", status.Status)
			return settle(false)
		}

		if item.Source != nil && isNotPlanned(item.Source) {
			if err := e.GitHub.PatchNotPlanned(ctx, status.IssueURL); err != nil {
				e.warn("closed reason update failed for %s: %v", item.Source.Key, err)
			}
		}

		number, err := issueNumberFromURL(status.IssueURL)
		if err != nil {
			item.Failure = err.Error()
			return settle(false)
		}
		item.IssueNumber = number
		return settle(true)
	}
}

func isNotPlanned(issue *jira.Issue) bool {
	resolution := issue.Fields.Resolution
	return resolution != nil && notPlannedResolutions[resolution.Name]
}

func issueNumberFromURL(issueURL string) (int, error) {
	segments := strings.Split(strings.TrimRight(issueURL, "/"), "/")
	number, err := strconv.Atoi(segments[len(segments)-1])
	if err != nil {
		return 0, fmt.Errorf("parse issue number from %q: %w", issueURL, err)
	}
	return number, nil
}

// recordOutcome writes one settled item through the mapping store. An item
// with a destination number maps by source key, pending or completed per
// the submit response; a holder is counted only. An item with no number is
// a failed import.
func (e *Engine) recordOutcome(item *ImportedIssue) error {
	if item.IssueNumber != 0 {
		if item.Source == nil {
			e.Context.CountBackportHolder()
			return nil
		}
		if item.Response != nil && item.Response.Status == "pending" {
			return e.Context.RecordPending(item.Source.Key, item.IssueNumber)
		}
		return e.Context.RecordCompleted(item.Source.Key, item.IssueNumber)
	}

	ref := ""
	if item.Source != nil {
		ref = item.Source.Key
	} else if item.Milestone != nil {
		ref = item.Milestone.Title + " backports"
	}
	return e.Context.RecordFailure(ref, item.Failure)
}

// linkPullRequests posts a "Resolve #N" comment on each related pull
// request, unless one is already there. Failures are reported, never fatal.
func (e *Engine) linkPullRequests(ctx context.Context, issueNumber int, issueTitle string, pullRequests []github.PullRef) {
	for _, pr := range pullRequests {
		exists, err := e.resolveCommentExists(ctx, pr.Number)
		if err == nil && exists {
			e.message("resolve comment for pull request #%d already exists", pr.Number)
			continue
		}
		if err == nil {
			err = e.GitHub.CreateComment(ctx, pr.Number, fmt.Sprintf("Resolve #%d", issueNumber))
		}
		if err != nil {
			message := fmt.Sprintf("Failed to POST link pull request for %q", issueTitle)
			e.warn("%s: %v", message, err)
			if werr := e.Context.AddFailureMessage(message + ": " + err.Error()); werr != nil {
				e.warn("record failure message: %v", werr)
			}
		}
	}
}

func (e *Engine) resolveCommentExists(ctx context.Context, pullNumber int) (bool, error) {
	comments, err := e.GitHub.ListComments(ctx, pullNumber)
	if err != nil {
		return false, err
	}
	for _, comment := range comments {
		if strings.Contains(comment.Body, "Resolve #") {
			return true, nil
		}
	}
	return false, nil
}

// createBackportHolders submits one holder issue per backport milestone.
// Holders run through the same submit-and-poll path as regular issues but
// never enter the key-based mapping tables.
func (e *Engine) createBackportHolders(ctx context.Context, groups []BackportGroup) error {
	e.message("%d backport issue holders to create", len(groups))
	if len(groups) == 0 {
		return nil
	}

	var holders []*ImportedIssue
	for i := range groups {
		group := groups[i]
		req, err := BuildBackportHolder(group, e.Markup, e.Context)
		if err != nil {
			return fmt.Errorf("build backport holder for %q: %w", group.Milestone.Title, err)
		}
		item := &ImportedIssue{Milestone: &group.Milestone, Request: req}
		e.submit(ctx, item)
		holders = append(holders, item)
	}

	e.message("checking import results for backport issue holders")
	failedBefore := e.Context.FailedImportCount()
	var failed, succeeded []string
	for _, item := range holders {
		if e.checkImportResult(ctx, item) {
			succeeded = append(succeeded, item.Milestone.Title)
		} else {
			failed = append(failed, item.Milestone.Title)
		}
	}
	if e.Context.FailedImportCount() == failedBefore {
		e.message("0 failures")
	} else {
		e.warn("failed: %v, succeeded: %v", failed, succeeded)
	}
	return nil
}
