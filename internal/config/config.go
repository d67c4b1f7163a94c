// Package config loads migration settings from a YAML file, the process
// environment, and an optional .env file. Secrets (API tokens) are expected
// to come from the environment; everything else normally lives in
// jira2github.yaml next to the working directory.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultConfigFile is the config file read when no --config flag is given.
const DefaultConfigFile = "jira2github.yaml"

// JiraSettings configures the source tracker connection and query.
type JiraSettings struct {
	BaseURL    string
	Username   string
	APIToken   string
	ProjectKey string
	MigrateJQL string
}

// GitHubSettings configures the destination repository connection.
type GitHubSettings struct {
	AccessToken    string
	RepositorySlug string
	BaseURL        string
	// DeleteCreateRepository recreates the destination repository before the
	// run. Only sensible against a scratch repository; assignees and pull
	// request links are withheld in this mode.
	DeleteCreateRepository bool
	RateInterval           time.Duration
}

// Settings is the full runtime configuration for a migration run.
type Settings struct {
	Jira   JiraSettings
	GitHub GitHubSettings

	// StateDir holds the mapping, pending and failure files plus the run
	// lock file.
	StateDir string

	// MarkupCutoff is the day the source tracker switched its text fields
	// from wiki markup to Markdown. Issues created before it are converted
	// through the wiki engine. Zero means everything is already Markdown.
	MarkupCutoff time.Time

	// RulesFile points at the per-project rules YAML (label mappings, user
	// table, skipped versions).
	RulesFile string
}

// Load reads the config file at path (DefaultConfigFile when empty), after
// loading a .env file if one exists. Environment variables prefixed J2G_
// override file values, e.g. J2G_GITHUB_ACCESS_TOKEN.
func Load(path string) (*Settings, error) {
	// Tokens usually live in .env rather than the YAML file. A missing
	// .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("J2G")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("jira.migrate-jql", "")
	v.SetDefault("github.base-url", "")
	v.SetDefault("github.delete-create-repository", false)
	v.SetDefault("github.rate-interval", "1s")
	v.SetDefault("state-dir", ".")
	v.SetDefault("rules-file", "rules.yaml")

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// The default file is optional; a file named on the command line
		// must exist.
		if explicit {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := &Settings{
		Jira: JiraSettings{
			BaseURL:    strings.TrimSuffix(v.GetString("jira.base-url"), "/"),
			Username:   v.GetString("jira.username"),
			APIToken:   v.GetString("jira.api-token"),
			ProjectKey: v.GetString("jira.project-key"),
			MigrateJQL: v.GetString("jira.migrate-jql"),
		},
		GitHub: GitHubSettings{
			AccessToken:            v.GetString("github.access-token"),
			RepositorySlug:         v.GetString("github.repository-slug"),
			BaseURL:                v.GetString("github.base-url"),
			DeleteCreateRepository: v.GetBool("github.delete-create-repository"),
			RateInterval:           v.GetDuration("github.rate-interval"),
		},
		StateDir:  v.GetString("state-dir"),
		RulesFile: v.GetString("rules-file"),
	}

	if cutoff := v.GetString("markup-cutoff"); cutoff != "" {
		t, err := time.Parse("2006-01-02", cutoff)
		if err != nil {
			return nil, fmt.Errorf("markup-cutoff %q: want YYYY-MM-DD: %w", cutoff, err)
		}
		s.MarkupCutoff = t
	}

	if s.Jira.MigrateJQL == "" && s.Jira.ProjectKey != "" {
		s.Jira.MigrateJQL = fmt.Sprintf("project = %s ORDER BY key ASC", s.Jira.ProjectKey)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the fields every run needs.
func (s *Settings) Validate() error {
	var missing []string
	if s.Jira.BaseURL == "" {
		missing = append(missing, "jira.base-url")
	}
	if s.Jira.ProjectKey == "" {
		missing = append(missing, "jira.project-key")
	}
	if s.GitHub.AccessToken == "" {
		missing = append(missing, "github.access-token")
	}
	if s.GitHub.RepositorySlug == "" {
		missing = append(missing, "github.repository-slug")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if !strings.Contains(s.GitHub.RepositorySlug, "/") {
		return fmt.Errorf("github.repository-slug %q: want owner/repo", s.GitHub.RepositorySlug)
	}
	if s.GitHub.RateInterval <= 0 {
		return fmt.Errorf("github.rate-interval must be positive, got %s", s.GitHub.RateInterval)
	}
	return nil
}
