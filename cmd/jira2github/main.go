// jira2github migrates the issues of one Jira project into a GitHub
// repository through the asynchronous issue-import API.
//
// The default command runs a migration; "jira2github mapping" rebuilds the
// completed-mapping file by scanning the destination repository for issue
// titles carrying an embedded source key.
//
// State files (mappings, pending, failures, the run lock) live in the
// configured state directory; a run can be interrupted and re-launched and
// picks up where it left off.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	configPath  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "jira2github",
	Short: "Migrate Jira issues to GitHub",
	Long: `Migrates the issues of one Jira project into a GitHub repository,
preserving comments, milestones, labels, cross-references, and backport
information. Completed and pending imports are tracked in plain text files
so an interrupted run can resume without duplicating issues.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMigrate,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration (the default command)",
	RunE:  runMigrate,
}

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Rebuild the issue-mapping file from the destination repository",
	Long: `Scans every issue in the destination repository for a source key
embedded in its title and rewrites the mapping file from what it finds.
Use this when the mapping file was lost after a completed migration.`,
	RunE: runMapping,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default jira2github.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false,
		"enable debug logging")
	rootCmd.AddCommand(migrateCmd, mappingCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
