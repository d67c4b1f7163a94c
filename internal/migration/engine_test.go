package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"jira2github/internal/github"
	"jira2github/internal/jira"
	"jira2github/internal/markup"
	"jira2github/internal/ratelimit"
)

// fakeGitHub is a scripted destination API backing the engine tests.
type fakeGitHub struct {
	mu sync.Mutex

	server *httptest.Server

	// submit responses and poll scripts keyed by issue title substring
	pollScripts map[string][]string // sequence of statuses per import id
	nextID      int
	byID        map[int]*fakeImport

	submitCount  int
	patchedURLs  []string
	comments     map[int][]string
	knownIssues  map[int]bool
	milestones   []github.Milestone
	labels       []github.Label
	newMilestone []map[string]interface{}
}

type fakeImport struct {
	title string
	polls []string
	next  int
}

func newFakeGitHub() *fakeGitHub {
	f := &fakeGitHub{
		pollScripts: map[string][]string{},
		byID:        map[int]*fakeImport{},
		comments:    map[int][]string{},
		knownIssues: map[int]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/org/repo/import/issues", f.handleSubmit)
	mux.HandleFunc("GET /repos/org/repo/import/issues/{id}", f.handlePoll)
	mux.HandleFunc("GET /repos/org/repo/milestones", f.handleListMilestones)
	mux.HandleFunc("POST /repos/org/repo/milestones", f.handleCreateMilestone)
	mux.HandleFunc("GET /repos/org/repo/labels", f.handleListLabels)
	mux.HandleFunc("POST /repos/org/repo/labels", func(w http.ResponseWriter, r *http.Request) {
		var label github.Label
		_ = json.NewDecoder(r.Body).Decode(&label)
		f.mu.Lock()
		f.labels = append(f.labels, label)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "{}")
	})
	mux.HandleFunc("GET /repos/org/repo/issues/{n}/comments", f.handleListComments)
	mux.HandleFunc("POST /repos/org/repo/issues/{n}/comments", f.handleCreateComment)
	mux.HandleFunc("PATCH /repos/org/repo/issues/{n}", f.handlePatch)
	mux.HandleFunc("GET /repos/org/repo/issues/{n}", f.handleGetIssue)
	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeGitHub) close() { f.server.Close() }

func (f *fakeGitHub) client() *github.Client {
	c := github.NewClient("test-token", "org/repo").WithBaseURL(f.server.URL)
	c.Limiter = ratelimit.NewLimiter(time.Nanosecond)
	return c
}

// script sets the poll status sequence for imports whose title contains key.
func (f *fakeGitHub) script(key string, statuses ...string) {
	f.pollScripts[key] = statuses
}

func (f *fakeGitHub) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Issue struct {
			Title string `json:"title"`
		} `json:"issue"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.submitCount++
	f.nextID++
	id := f.nextID
	imp := &fakeImport{title: req.Issue.Title}
	for key, polls := range f.pollScripts {
		if strings.Contains(req.Issue.Title, key) {
			imp.polls = polls
		}
	}
	f.byID[id] = imp
	f.mu.Unlock()

	status := "pending"
	if len(imp.polls) == 0 {
		// No script: import settles instantly.
		status = "imported"
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     id,
		"status": status,
		"url":    fmt.Sprintf("%s/repos/org/repo/import/issues/%d", f.server.URL, id),
	})
}

func (f *fakeGitHub) handlePoll(w http.ResponseWriter, r *http.Request) {
	var id int
	fmt.Sscanf(r.PathValue("id"), "%d", &id)

	f.mu.Lock()
	imp := f.byID[id]
	status := "imported"
	if imp != nil && imp.next < len(imp.polls) {
		status = imp.polls[imp.next]
		imp.next++
	}
	f.mu.Unlock()

	body := map[string]interface{}{"id": id, "status": status}
	if status == "imported" {
		issueNumber := 100 + id
		f.mu.Lock()
		f.knownIssues[issueNumber] = true
		f.mu.Unlock()
		body["issue_url"] = fmt.Sprintf("%s/repos/org/repo/issues/%d", f.server.URL, issueNumber)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeGitHub) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// One page of data; pagination stops on the empty page.
	if r.URL.Query().Get("page") > "1" {
		fmt.Fprint(w, "[]")
		return
	}
	_ = json.NewEncoder(w).Encode(f.milestones)
}

func (f *fakeGitHub) handleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.newMilestone = append(f.newMilestone, body)
	number := len(f.milestones) + 1
	f.milestones = append(f.milestones, github.Milestone{
		Number: number,
		Title:  body["title"].(string),
	})
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"number": number})
}

func (f *fakeGitHub) handleListLabels(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(f.labels)
}

func (f *fakeGitHub) handleListComments(w http.ResponseWriter, r *http.Request) {
	var n int
	fmt.Sscanf(r.PathValue("n"), "%d", &n)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []github.Comment{}
	for _, body := range f.comments[n] {
		out = append(out, github.Comment{Body: body})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeGitHub) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var n int
	fmt.Sscanf(r.PathValue("n"), "%d", &n)
	var comment struct {
		Body string `json:"body"`
	}
	_ = json.NewDecoder(r.Body).Decode(&comment)
	f.mu.Lock()
	f.comments[n] = append(f.comments[n], comment.Body)
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, "{}")
}

func (f *fakeGitHub) handlePatch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.patchedURLs = append(f.patchedURLs, r.URL.Path)
	f.mu.Unlock()
	fmt.Fprint(w, "{}")
}

func (f *fakeGitHub) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	var n int
	fmt.Sscanf(r.PathValue("n"), "%d", &n)
	f.mu.Lock()
	known := f.knownIssues[n]
	f.mu.Unlock()
	if !known {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
		return
	}
	_ = json.NewEncoder(w).Encode(github.Issue{Number: n, State: "closed"})
}

func newTestEngine(t *testing.T, fake *fakeGitHub) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := LoadContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mk := markup.NewManager(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := &Engine{
		GitHub:  fake.client(),
		Context: store,
		Markup:  mk,
		Transformer: &Transformer{
			Markup:                 mk,
			RepoSlug:               "org/repo",
			ApplyAssignees:         true,
			IncludePullRequestRefs: true,
		},
		LinkPullRequests: true,
	}
	return engine, dir
}

func sourceIssue(key, summary string) jira.Issue {
	return jira.Issue{
		ID:  key,
		Key: key,
		Fields: jira.Fields{
			Summary:   summary,
			Created:   jiraTime("2019-03-01T10:00:00Z"),
			Updated:   jiraTime("2019-04-02T12:30:00Z"),
			Reporter:  &jira.User{Key: "jdoe", DisplayName: "Jane Doe"},
			IssueType: jira.IssueType{Name: "Bug"},
		},
	}
}

func TestEngineEndToEnd(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, dir := newTestEngine(t, fake)

	fixed := sourceIssue("PRJ-1", "Fixed issue")
	fixed.Fields.Resolution = &jira.Resolution{Name: "Fixed"}

	stuck := sourceIssue("PRJ-2", "Stuck issue")
	fake.script("Stuck issue", "pending", "pending", "pending", "pending", "pending")

	invalid := sourceIssue("PRJ-3", "")

	stats, err := engine.CreateIssues(context.Background(),
		[]jira.Issue{fixed, stuck, invalid}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Succeeded != 1 || stats.Failed != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 succeeded, 1 failed, 1 skipped", stats)
	}

	// The invalid issue never reached the network: two submits only.
	if fake.submitCount != 2 {
		t.Errorf("submitCount = %d, want 2", fake.submitCount)
	}

	if n, ok := engine.Context.IssueNumber("PRJ-1"); !ok || n != 101 {
		t.Errorf("PRJ-1 mapping = %d, %v", n, ok)
	}
	if _, ok := engine.Context.IssueNumber("PRJ-2"); ok {
		t.Error("capped-out import must not be mapped")
	}
	if _, ok := engine.Context.IssueNumber("PRJ-3"); ok {
		t.Error("skipped issue must not be mapped")
	}

	failures, err := os.ReadFile(filepath.Join(dir, FailuresFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(failures), "=> PRJ-2 [failed after 5 retries]") {
		t.Errorf("failures file missing retry-cap entry: %q", failures)
	}
}

func TestEnginePendingRetryBound(t *testing.T) {
	tests := []struct {
		name     string
		pendings int
		want     bool
	}{
		{"below budget", 4, true},
		{"at budget", 5, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeGitHub()
			defer fake.close()
			engine, _ := newTestEngine(t, fake)

			statuses := make([]string, tc.pendings)
			for i := range statuses {
				statuses[i] = "pending"
			}
			fake.script("Slow issue", append(statuses, "imported")...)

			issue := sourceIssue("PRJ-7", "Slow issue")
			stats, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil)
			if err != nil {
				t.Fatal(err)
			}
			_, mapped := engine.Context.IssueNumber("PRJ-7")
			_, pendingMapped := engine.Context.PendingIssueNumber("PRJ-7")
			resolved := mapped || pendingMapped
			if resolved != tc.want {
				t.Errorf("resolved = %v, want %v (stats %+v)", resolved, tc.want, stats)
			}
			if tc.want && stats.Failed != 0 {
				t.Errorf("unexpected failures: %+v", stats)
			}
			if !tc.want && stats.Failed != 1 {
				t.Errorf("capped-out import not counted as failure: %+v", stats)
			}
		})
	}
}

func TestEngineSubmitPendingGoesToPendingTable(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, _ := newTestEngine(t, fake)

	// Submit answers "pending", the poll settles on the second attempt, so
	// the outcome lands in the pending table until reconciliation.
	fake.script("Eventually done", "pending", "imported")
	issue := sourceIssue("PRJ-4", "Eventually done")

	stats, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := engine.Context.IssueNumber("PRJ-4"); ok {
		t.Error("issue must not be in completed table yet")
	}
	if n, ok := engine.Context.PendingIssueNumber("PRJ-4"); !ok || n != 101 {
		t.Errorf("pending mapping = %d, %v", n, ok)
	}
}

func TestEngineNotPlannedPatch(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, _ := newTestEngine(t, fake)

	wontFix := sourceIssue("PRJ-1", "Cannot reproduce issue")
	wontFix.Fields.Resolution = &jira.Resolution{Name: "Cannot Reproduce"}
	fixed := sourceIssue("PRJ-2", "Fixed issue")
	fixed.Fields.Resolution = &jira.Resolution{Name: "Fixed"}

	if _, err := engine.CreateIssues(context.Background(), []jira.Issue{wontFix, fixed}, nil); err != nil {
		t.Fatal(err)
	}

	if len(fake.patchedURLs) != 1 {
		t.Fatalf("patched %v, want exactly one PATCH", fake.patchedURLs)
	}
	if fake.patchedURLs[0] != "/repos/org/repo/issues/101" {
		t.Errorf("patched wrong issue: %v", fake.patchedURLs)
	}
}

func TestEngineIdempotentResume(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, _ := newTestEngine(t, fake)

	issue := sourceIssue("PRJ-1", "Fixed issue")
	if _, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil); err != nil {
		t.Fatal(err)
	}
	if fake.submitCount != 1 {
		t.Fatalf("first run submitted %d", fake.submitCount)
	}

	// Second run with the same mappings loaded submits nothing.
	stats, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if fake.submitCount != 1 {
		t.Errorf("re-run submitted %d more imports", fake.submitCount-1)
	}
	if stats.Succeeded != 0 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Errorf("re-run stats = %+v", stats)
	}
}

func TestEnginePullRequestLinking(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, _ := newTestEngine(t, fake)
	fake.knownIssues[55] = true

	issue := sourceIssue("PRJ-1", "Fixed issue")
	issue.RemoteLinks = []jira.RemoteLink{{URL: "https://github.com/org/repo/pull/55"}}

	if _, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil); err != nil {
		t.Fatal(err)
	}
	if got := fake.comments[55]; len(got) != 1 || got[0] != "Resolve #101" {
		t.Errorf("PR comments = %v, want [Resolve #101]", got)
	}

	// An existing resolve comment suppresses a second one.
	second := sourceIssue("PRJ-2", "Another fixed issue")
	second.RemoteLinks = issue.RemoteLinks
	if _, err := engine.CreateIssues(context.Background(), []jira.Issue{issue, second}, nil); err != nil {
		t.Fatal(err)
	}
	if got := fake.comments[55]; len(got) != 1 {
		t.Errorf("duplicate resolve comment posted: %v", got)
	}
}

func TestEngineBackportHolders(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	fake.milestones = []github.Milestone{
		{Number: 1, Title: "0.9", State: "closed"},
		{Number: 2, Title: "1.0", State: "closed"},
	}
	engine, _ := newTestEngine(t, fake)

	issue := sourceIssue("PRJ-1", "Fixed issue")
	issue.Fields.FixVersions = []jira.Version{{Name: "1.0"}, {Name: "0.9"}}

	if _, err := engine.CreateIssues(context.Background(), []jira.Issue{issue}, nil); err != nil {
		t.Fatal(err)
	}

	// One regular import plus one holder for milestone 0.9.
	if fake.submitCount != 2 {
		t.Fatalf("submitCount = %d, want 2", fake.submitCount)
	}
	holder := fake.byID[2]
	if holder.title != "0.9 Backported Issues" {
		t.Errorf("holder title = %q", holder.title)
	}
	// Holders never enter the mapping tables.
	if engine.Context.CompletedCount() != 1 || engine.Context.PendingCount() != 0 {
		t.Errorf("mapping counts = %d completed, %d pending",
			engine.Context.CompletedCount(), engine.Context.PendingCount())
	}
}

func TestEngineCreateMilestones(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	fake.milestones = []github.Milestone{{Number: 1, Title: "1.0"}}
	engine, _ := newTestEngine(t, fake)
	engine.MilestoneFilter = SkipVersionsFilter([]string{"Backlog"})

	versions := []jira.Version{
		{Name: "1.0", Released: true},
		{Name: "1.1", Released: true, ReleaseDate: "2020-06-01"},
		{Name: "2.0"},
		{Name: "Backlog"},
	}
	if err := engine.CreateMilestones(context.Background(), versions); err != nil {
		t.Fatal(err)
	}

	if len(fake.newMilestone) != 2 {
		t.Fatalf("created %d milestones, want 2: %v", len(fake.newMilestone), fake.newMilestone)
	}
	first := fake.newMilestone[0]
	if first["title"] != "1.1" || first["state"] != "closed" || first["due_on"] != "2020-06-01T00:00:00Z" {
		t.Errorf("released milestone payload = %v", first)
	}
	second := fake.newMilestone[1]
	if second["title"] != "2.0" || second["state"] != "open" {
		t.Errorf("unreleased milestone payload = %v", second)
	}
}

func TestEngineCreateLabels(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	fake.labels = []github.Label{{Name: "type: bug"}}
	engine, _ := newTestEngine(t, fake)

	handler := NewFieldValueLabelHandler()
	handler.AddMapping(FieldIssueType, "Bug", "type: bug")
	handler.AddMapping(FieldIssueType, "Task", "type: task")
	engine.Transformer.Labels = handler

	if err := engine.CreateLabels(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fake.labels) != 2 {
		t.Fatalf("labels = %v, want the missing one created", fake.labels)
	}
	if fake.labels[1].Name != "type: task" {
		t.Errorf("created label = %v", fake.labels[1])
	}
}

func TestReconcilePending(t *testing.T) {
	fake := newFakeGitHub()
	defer fake.close()
	engine, dir := newTestEngine(t, fake)

	resolved := sourceIssue("PRJ-1", "Now visible")
	resolved.Fields.Resolution = &jira.Resolution{Name: "Won't Fix"}
	resolved.RemoteLinks = []jira.RemoteLink{{URL: "https://github.com/org/repo/pull/70"}}
	missing := sourceIssue("PRJ-2", "Still processing")

	if err := engine.Context.RecordPending("PRJ-1", 140); err != nil {
		t.Fatal(err)
	}
	if err := engine.Context.RecordPending("PRJ-2", 141); err != nil {
		t.Fatal(err)
	}
	fake.knownIssues[140] = true
	fake.knownIssues[70] = true

	if err := engine.ReconcilePending(context.Background(), []jira.Issue{resolved, missing}); err != nil {
		t.Fatal(err)
	}

	if n, ok := engine.Context.IssueNumber("PRJ-1"); !ok || n != 140 {
		t.Errorf("PRJ-1 not promoted: %d, %v", n, ok)
	}
	if engine.Context.IsPending("PRJ-1") {
		t.Error("promoted key still pending")
	}
	if !engine.Context.IsPending("PRJ-2") {
		t.Error("missing issue should stay pending")
	}

	// The side effects ran for the promoted key.
	if got := fake.comments[70]; len(got) != 1 || got[0] != "Resolve #140" {
		t.Errorf("PR comments = %v", got)
	}
	if len(fake.patchedURLs) != 1 || fake.patchedURLs[0] != "/repos/org/repo/issues/140" {
		t.Errorf("patches = %v", fake.patchedURLs)
	}

	// The still-pending key was re-written for the next run.
	data, err := os.ReadFile(filepath.Join(dir, PendingFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "PRJ-2:141") {
		t.Errorf("pending file = %q", data)
	}
}
