package migration

import (
	"context"
	"fmt"

	"jira2github/internal/github"
	"jira2github/internal/jira"
)

// ReconcilePending resolves the fate of imports the destination accepted but
// had not finished processing when their outcome was recorded. For each
// pending key whose issue now exists, pull requests are linked, the
// not-planned close reason is applied where the resolution calls for it, and
// the key is promoted to completed. A key whose issue is still missing stays
// pending and is re-recorded for the next run. Nothing is ever re-submitted
// here.
func (e *Engine) ReconcilePending(ctx context.Context, issues []jira.Issue) error {
	pending := e.Context.PendingEntries()
	if len(pending) == 0 {
		return nil
	}
	e.message("checking status of %d pending issues", len(pending))

	byKey := make(map[string]*jira.Issue, len(issues))
	for i := range issues {
		byKey[issues[i].Key] = &issues[i]
	}

	for key, number := range pending {
		issue, ok := byKey[key]
		if !ok {
			e.warn("pending issue %s not found in source, leaving pending", key)
			if err := e.Context.AddPendingMessage(fmt.Sprintf("%s:%d", key, number)); err != nil {
				return err
			}
			continue
		}

		_, err := e.GitHub.GetIssue(ctx, number)
		if github.IsNotFound(err) {
			e.warn("GitHub issue %d is still pending", number)
			if werr := e.Context.AddPendingMessage(fmt.Sprintf("%s:%d", key, number)); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("check issue %d for %s: %w", number, key, err)
		}

		e.message("linking pull requests of GitHub issue %d", number)
		e.linkPullRequests(ctx, number, issue.Fields.Summary, PullRequestRefs(issue))
		if isNotPlanned(issue) {
			if perr := e.GitHub.PatchNotPlanned(ctx, e.GitHub.IssueURL(number)); perr != nil {
				e.warn("closed reason update failed for %s: %v", key, perr)
			}
		}
		if err := e.Context.Promote(key); err != nil {
			return err
		}
	}
	return nil
}
