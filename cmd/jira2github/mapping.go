package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"jira2github/internal/config"
	"jira2github/internal/github"
	"jira2github/internal/lockfile"
	"jira2github/internal/migration"
	"jira2github/internal/ratelimit"
	"jira2github/internal/repair"
)

func runMapping(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The repair mode rewrites the mapping file, so it takes the same run
	// lock a migration does.
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	gh := github.NewClient(cfg.GitHub.AccessToken, cfg.GitHub.RepositorySlug)
	if cfg.GitHub.BaseURL != "" {
		gh = gh.WithBaseURL(cfg.GitHub.BaseURL)
	}
	gh.Limiter = ratelimit.NewLimiter(cfg.GitHub.RateInterval)

	rebuilder := &repair.Rebuilder{
		GitHub:     gh,
		ProjectKey: cfg.Jira.ProjectKey,
		OnMessage:  func(msg string) { logger.Info(msg) },
	}

	mappings, duplicates, err := rebuilder.Scan(ctx)
	if err != nil {
		return err
	}
	for _, d := range duplicates {
		logger.Warn("duplicate issues for source key", "key", d.Key, "numbers", d.Numbers)
	}

	path := filepath.Join(cfg.StateDir, migration.MappingsFileName)
	if err := repair.WriteMappings(path, mappings); err != nil {
		return err
	}
	logger.Info("mapping file rebuilt", "path", path, "entries", len(mappings))
	if len(duplicates) > 0 {
		return fmt.Errorf("%d source keys map to more than one issue, review the log", len(duplicates))
	}
	return nil
}
