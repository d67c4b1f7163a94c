package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"jira2github/internal/config"
	"jira2github/internal/github"
	"jira2github/internal/jira"
	"jira2github/internal/lockfile"
	"jira2github/internal/markup"
	"jira2github/internal/migration"
	"jira2github/internal/ratelimit"
	"jira2github/internal/telemetry"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}
	labels, err := rules.LabelHandler()
	if err != nil {
		return err
	}

	// One run at a time per state directory.
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := telemetry.Init(ctx, "jira2github", Version); err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	defer telemetry.Shutdown(context.Background())
	recorder := telemetry.NewRunRecorder()

	mctx, err := migration.LoadContext(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = mctx.Close() }()

	gh := github.NewClient(cfg.GitHub.AccessToken, cfg.GitHub.RepositorySlug)
	if cfg.GitHub.BaseURL != "" {
		gh = gh.WithBaseURL(cfg.GitHub.BaseURL)
	}
	gh.Limiter = ratelimit.NewLimiter(cfg.GitHub.RateInterval)
	source := jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Username, cfg.Jira.APIToken)

	mk := markup.NewManager(cfg.MarkupCutoff)

	// Delete-create mode targets a scratch repository. Assignees and pull
	// request linking stay off there: both generate notifications against
	// live accounts.
	live := !cfg.GitHub.DeleteCreateRepository
	engine := &migration.Engine{
		GitHub:  gh,
		Context: mctx,
		Markup:  mk,
		Transformer: &migration.Transformer{
			Markup:                 mk,
			Labels:                 labels,
			Processor:              rules.IssueProcessor(),
			Users:                  rules.Users,
			RepoSlug:               cfg.GitHub.RepositorySlug,
			ApplyAssignees:         live,
			IncludePullRequestRefs: live,
		},
		MilestoneFilter:  rules.MilestoneFilter(),
		LinkPullRequests: live,
		OnMessage:        func(msg string) { logger.Info(msg) },
		OnWarning:        func(msg string) { logger.Warn(msg) },
	}

	if cfg.GitHub.DeleteCreateRepository {
		if mctx.HasMappings() {
			return fmt.Errorf("refusing to recreate %s: state files in %s already hold mappings; move or delete them first",
				cfg.GitHub.RepositorySlug, cfg.StateDir)
		}
		if err := gh.DeleteRepository(ctx); err != nil && !github.IsNotFound(err) {
			return fmt.Errorf("delete repository: %w", err)
		}
		if err := gh.CreateRepository(ctx); err != nil {
			return fmt.Errorf("create repository: %w", err)
		}
		logger.Info("recreated repository", "slug", cfg.GitHub.RepositorySlug)
	}

	// Milestones and labels are created once. When mappings exist this is a
	// resume after an interruption and both are already in place.
	if !mctx.HasMappings() {
		err = recorder.Phase(ctx, "prepare", func(ctx context.Context) error {
			project, err := source.FindProject(ctx, cfg.Jira.ProjectKey)
			if err != nil {
				return fmt.Errorf("find project %s: %w", cfg.Jira.ProjectKey, err)
			}
			if err := engine.CreateMilestones(ctx, project.Versions); err != nil {
				return err
			}
			return engine.CreateLabels(ctx)
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("resuming previous run, milestones and labels assumed present")
	}

	var stats *migration.RunStats
	err = recorder.Phase(ctx, "import", func(ctx context.Context) error {
		issues, err := source.FindIssuesVotesAndCommits(ctx, cfg.Jira.MigrateJQL, mctx.FilterRemaining)
		if err != nil {
			return fmt.Errorf("find issues: %w", err)
		}
		var public []jira.Issue
		var restrictedKeys []string
		for _, issue := range issues {
			if issue.Public() {
				public = append(public, issue)
			} else {
				restrictedKeys = append(restrictedKeys, issue.Key)
			}
		}
		logger.Info("issues to import", "public", len(public), "restricted", len(restrictedKeys))

		stats, err = engine.CreateIssues(ctx, public, restrictedKeys)
		return err
	})
	if err != nil {
		return err
	}
	recorder.RecordOutcomes(ctx, stats.Succeeded, stats.Failed, stats.Skipped)

	if mctx.PendingCount() > 0 {
		err = recorder.Phase(ctx, "reconcile", func(ctx context.Context) error {
			issues, err := source.FindIssues(ctx, cfg.Jira.MigrateJQL)
			if err != nil {
				return fmt.Errorf("find issues for reconciliation: %w", err)
			}
			return engine.ReconcilePending(ctx, issues)
		})
		if err != nil {
			return err
		}
	}

	logger.Info("migration run completed", "summary", mctx.String())
	return nil
}
