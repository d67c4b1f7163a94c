// Package repair rebuilds the issue mapping file by scanning the
// destination repository. Migrated issues embed their source key in the
// title ("[PRJ-10] ..."), so a lost or corrupted mappings file can be
// reconstructed from the titles alone, without touching the source tracker.
package repair

import (
	"context"
	"fmt"
	"os"
	"strings"

	"jira2github/internal/github"
)

// Mapping pairs one source key with its destination issue number.
type Mapping struct {
	Key    string
	Number int
}

// Duplicate reports a source key found on more than one destination issue.
type Duplicate struct {
	Key     string
	Numbers []int
}

// Rebuilder scans destination issues for embedded source keys.
type Rebuilder struct {
	GitHub *github.Client

	// ProjectKey is the source project prefix, e.g. "PRJ". Only titles
	// containing "[PRJ" are considered.
	ProjectKey string

	OnMessage func(string)
}

func (r *Rebuilder) message(format string, args ...interface{}) {
	if r.OnMessage != nil {
		r.OnMessage(fmt.Sprintf(format, args...))
	}
}

// Scan walks every issue in the repository and extracts key-to-number
// mappings from the titles. Pull requests are skipped. Keys appearing on
// more than one issue are reported as duplicates; the first number wins.
func (r *Rebuilder) Scan(ctx context.Context) ([]Mapping, []Duplicate, error) {
	if r.ProjectKey == "" {
		return nil, nil, fmt.Errorf("project key is required")
	}

	issues, err := r.GitHub.FetchAllIssues(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch issues: %w", err)
	}
	r.message("scanning %d issues for [%s-...] titles", len(issues), r.ProjectKey)

	var mappings []Mapping
	seen := map[string]int{}
	duplicates := map[string][]int{}
	for _, issue := range issues {
		key, ok := keyFromTitle(issue.Title, r.ProjectKey)
		if !ok {
			continue
		}
		if first, dup := seen[key]; dup {
			if len(duplicates[key]) == 0 {
				duplicates[key] = append(duplicates[key], first)
			}
			duplicates[key] = append(duplicates[key], issue.Number)
			continue
		}
		seen[key] = issue.Number
		mappings = append(mappings, Mapping{Key: key, Number: issue.Number})
	}

	var dups []Duplicate
	for _, m := range mappings {
		if numbers, ok := duplicates[m.Key]; ok {
			dups = append(dups, Duplicate{Key: m.Key, Numbers: numbers})
		}
	}
	r.message("found %d mappings, %d duplicated keys", len(mappings), len(dups))
	return mappings, dups, nil
}

// keyFromTitle extracts the source key from a migrated issue title.
func keyFromTitle(title, projectKey string) (string, bool) {
	open := strings.LastIndex(title, "["+projectKey)
	if open == -1 {
		return "", false
	}
	end := strings.Index(title[open:], "]")
	if end == -1 {
		return "", false
	}
	return title[open+1 : open+end], true
}

// WriteMappings writes one KEY:NUMBER line per mapping, replacing the file.
func WriteMappings(path string, mappings []Mapping) error {
	var sb strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&sb, "%s:%d\n", m.Key, m.Number)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write mappings file: %w", err)
	}
	return nil
}
