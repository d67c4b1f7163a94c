package migration

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"jira2github/internal/jira"
)

// State file names, next to each other in the state directory.
const (
	MappingsFileName = "github-issue-mappings.properties"
	PendingFileName  = "github-issue-pending.properties"
	FailuresFileName = "github-migration-failures.txt"
)

// Context is the durable mapping store. A source key maps to at most one
// destination number, recorded in exactly one of two tables: completed
// (terminal) or pending (import accepted, destination still processing).
//
// The in-memory maps are a cache; the append-only files are ground truth
// for the next run. Every mutating call appends one line and syncs before
// returning, so a crash right after a successful submission never loses
// that fact. The engine is single-worker, so Context needs no locking.
type Context struct {
	dir string

	mappingsFile *os.File
	pendingFile  *os.File
	failuresFile *os.File

	completed map[string]int
	pending   map[string]int

	failedImports   int
	backportHolders int
	promoted        int
}

// LoadContext opens the three state files in dir, loads both mapping
// tables, truncates the pending file for this run's writes, and stamps a
// run-start banner into the failures file.
//
// A pending entry is only meaningful relative to the run that recorded it
// until it is confirmed: stale entries live on in memory (and keep their
// keys excluded from the work list) while the file starts fresh.
func LoadContext(dir string) (*Context, error) {
	if dir == "" {
		dir = "."
	}

	completed, err := loadMappings(filepath.Join(dir, MappingsFileName))
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	pending, err := loadMappings(filepath.Join(dir, PendingFileName))
	if err != nil {
		return nil, fmt.Errorf("load pending mappings: %w", err)
	}
	// A key present in both tables can only come from a run that promoted
	// it after the pending line was written. Completed wins.
	for key := range completed {
		delete(pending, key)
	}

	mappingsFile, err := os.OpenFile(filepath.Join(dir, MappingsFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mappings file: %w", err)
	}
	// Stale pending entries were loaded above; the file is re-derived
	// fresh for this run's writes.
	pendingFile, err := os.OpenFile(filepath.Join(dir, PendingFileName),
		os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = mappingsFile.Close()
		return nil, fmt.Errorf("open pending file: %w", err)
	}
	failuresFile, err := os.OpenFile(filepath.Join(dir, FailuresFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = mappingsFile.Close()
		_ = pendingFile.Close()
		return nil, fmt.Errorf("open failures file: %w", err)
	}

	ctx := &Context{
		dir:          dir,
		mappingsFile: mappingsFile,
		pendingFile:  pendingFile,
		failuresFile: failuresFile,
		completed:    completed,
		pending:      pending,
	}

	banner := "==================================\n" +
		time.Now().Format("2006-01-02 15:04:05") + "\n"
	if err := ctx.writeLine(failuresFile, banner); err != nil {
		_ = ctx.Close()
		return nil, err
	}
	return ctx, nil
}

// loadMappings reads a KEY:NUMBER per line mapping file. A missing file is
// an empty table.
func loadMappings(path string) (map[string]int, error) {
	out := map[string]int{}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%s: malformed line %q", path, line)
		}
		number, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s: malformed issue number in %q", path, line)
		}
		out[strings.TrimSpace(key)] = number
	}
	return out, scanner.Err()
}

// Close closes the underlying files.
func (c *Context) Close() error {
	var firstErr error
	for _, f := range []*os.File{c.mappingsFile, c.pendingFile, c.failuresFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeLine appends and syncs one line; the fact must be on disk before the
// caller trusts it.
func (c *Context) writeLine(f *os.File, line string) error {
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write state line %q: %w", strings.TrimSpace(line), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// HasMappings reports whether any key is known, completed or pending.
// A fresh repository with non-empty tables signals a misconfigured resume.
func (c *Context) HasMappings() bool {
	return len(c.completed) > 0 || len(c.pending) > 0
}

// IssueNumber returns the completed destination number for a key.
func (c *Context) IssueNumber(key string) (int, bool) {
	n, ok := c.completed[key]
	return n, ok
}

// PendingIssueNumber returns the pending destination number for a key.
func (c *Context) PendingIssueNumber(key string) (int, bool) {
	n, ok := c.pending[key]
	return n, ok
}

// IsPending reports whether a key sits in the pending table.
func (c *Context) IsPending(key string) bool {
	_, ok := c.pending[key]
	return ok
}

// FilterRemaining drops issues whose key is already in either table.
// This filter is the sole crash-recovery mechanism: a key recorded by any
// previous run is never transformed or submitted again.
func (c *Context) FilterRemaining(issues []jira.Issue) []jira.Issue {
	var out []jira.Issue
	for _, issue := range issues {
		if _, done := c.completed[issue.Key]; done {
			continue
		}
		if _, waiting := c.pending[issue.Key]; waiting {
			continue
		}
		out = append(out, issue)
	}
	return out
}

// RecordCompleted records a terminal key to destination-number mapping.
func (c *Context) RecordCompleted(key string, number int) error {
	c.completed[key] = number
	return c.writeLine(c.mappingsFile, fmt.Sprintf("%s:%d\n", key, number))
}

// RecordPending records an accepted-but-still-processing mapping.
func (c *Context) RecordPending(key string, number int) error {
	c.pending[key] = number
	return c.writeLine(c.pendingFile, fmt.Sprintf("%s:%d\n", key, number))
}

// Promote moves a key from pending to completed: the only legal transition
// between the two tables.
func (c *Context) Promote(key string) error {
	number, ok := c.pending[key]
	if !ok {
		return fmt.Errorf("promote %s: not in pending table", key)
	}
	delete(c.pending, key)
	c.completed[key] = number
	c.promoted++
	return c.writeLine(c.mappingsFile, fmt.Sprintf("%s:%d\n", key, number))
}

// RecordFailure counts a failed import and records its reason.
func (c *Context) RecordFailure(ref, reason string) error {
	c.failedImports++
	return c.writeLine(c.failuresFile, fmt.Sprintf("=> %s [%s]\n", ref, reason))
}

// AddFailureMessage appends a free-form diagnostic line without counting a
// failed import (best-effort side effects use this).
func (c *Context) AddFailureMessage(message string) error {
	return c.writeLine(c.failuresFile, message+"\n")
}

// AddPendingMessage re-records a still-pending mapping line so the next run
// sees it after this run's truncation.
func (c *Context) AddPendingMessage(message string) error {
	return c.writeLine(c.pendingFile, message+"\n")
}

// PendingEntries returns a snapshot of the pending table. Callers iterate
// it while promoting, so a copy rather than the live map.
func (c *Context) PendingEntries() map[string]int {
	out := make(map[string]int, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}

// CountBackportHolder counts a created backport holder issue. Holders have
// no source key and never enter the mapping tables.
func (c *Context) CountBackportHolder() {
	c.backportHolders++
}

// FailedImportCount returns the number of failed imports so far.
func (c *Context) FailedImportCount() int {
	return c.failedImports
}

// CompletedCount returns the size of the completed table.
func (c *Context) CompletedCount() int {
	return len(c.completed)
}

// PendingCount returns the size of the pending table.
func (c *Context) PendingCount() int {
	return len(c.pending)
}

// String summarizes the run for the operator.
func (c *Context) String() string {
	return fmt.Sprintf("%d imported issues, %d pending issues, %d failed imports, %d backported issue holders",
		len(c.completed), len(c.pending), c.failedImports, c.backportHolders)
}
