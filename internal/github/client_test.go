package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"jira2github/internal/ratelimit"
)

// newTestClient returns a client against the given server with an
// effectively disabled rate limiter.
func newTestClient(server *httptest.Server) *Client {
	c := NewClient("test-token", "org/repo").WithBaseURL(server.URL)
	c.Limiter = ratelimit.NewLimiter(time.Nanosecond)
	return c
}

func TestSubmitImport(t *testing.T) {
	var gotAccept, gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/import/issues" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 7, "status": "pending",
			"url": "https://api.github.com/repos/org/repo/import/issues/7",
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	created := time.Date(2019, 3, 1, 10, 30, 0, 0, time.UTC)
	req := &ImportRequest{
		Issue: ImportIssue{
			Title:     "[PROJ-1] test",
			Body:      "body",
			Closed:    true,
			CreatedAt: &created,
			Labels:    []string{"bug"},
		},
		Comments:     []ImportComment{{Body: "a comment", CreatedAt: &created}},
		PullRequests: []PullRef{{Number: 10}},
	}

	resp, err := client.SubmitImport(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitImport: %v", err)
	}
	if resp.Status != "pending" || resp.URL == "" {
		t.Errorf("resp = %+v", resp)
	}
	if gotAccept != ImportMediaType {
		t.Errorf("Accept = %q, want %q", gotAccept, ImportMediaType)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	// Pull requests ride along in memory only, never on the wire.
	if _, ok := gotBody["PullRequests"]; ok {
		t.Error("PullRequests was serialized into the import payload")
	}
	issue, ok := gotBody["issue"].(map[string]interface{})
	if !ok || issue["title"] != "[PROJ-1] test" {
		t.Errorf("issue payload = %+v", gotBody["issue"])
	}
	if closed, _ := issue["closed"].(bool); !closed {
		t.Error("closed flag not serialized")
	}
}

func TestCheckImport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 7, "status": "imported",
			"issue_url": "https://api.github.com/repos/org/repo/issues/42",
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	status, err := client.CheckImport(context.Background(), server.URL+"/repos/org/repo/import/issues/7")
	if err != nil {
		t.Fatalf("CheckImport: %v", err)
	}
	if status.Status != "imported" || status.IssueURL == "" {
		t.Errorf("status = %+v", status)
	}
}

func TestListMilestonesPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if r.URL.Query().Get("state") != "all" {
			t.Errorf("state = %q, want all", r.URL.Query().Get("state"))
		}
		switch page {
		case 1:
			_ = json.NewEncoder(w).Encode([]Milestone{
				{Number: 1, Title: "1.0", State: "closed"},
				{Number: 2, Title: "2.0", State: "open"},
			})
		default:
			_ = json.NewEncoder(w).Encode([]Milestone{})
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	milestones, err := client.ListMilestones(context.Background())
	if err != nil {
		t.Fatalf("ListMilestones: %v", err)
	}
	if len(milestones) != 2 || milestones[0].Title != "1.0" {
		t.Errorf("milestones = %+v", milestones)
	}
}

func TestPatchNotPlanned(t *testing.T) {
	var gotMethod string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := newTestClient(server)
	if err := client.PatchNotPlanned(context.Background(), server.URL+"/repos/org/repo/issues/42"); err != nil {
		t.Fatalf("PatchNotPlanned: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", gotMethod)
	}
	if gotBody["state"] != "closed" || gotBody["state_reason"] != "not_planned" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.GetIssue(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	// GetIssue wraps; unwrap through the chain.
	for unwrapped := err; unwrapped != nil; {
		if IsNotFound(unwrapped) {
			return
		}
		u, ok := unwrapped.(interface{ Unwrap() error })
		if !ok {
			break
		}
		unwrapped = u.Unwrap()
	}
	t.Errorf("IsNotFound did not detect 404 in %v", err)
}

func TestFetchAllIssuesSkipsPullRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 1 {
			_ = json.NewEncoder(w).Encode([]Issue{})
			return
		}
		_ = json.NewEncoder(w).Encode([]Issue{
			{Number: 1, Title: "[PROJ-1] issue"},
			{Number: 2, Title: "a PR", PullRequest: &PullDoc{URL: "x"}},
			{Number: 3, Title: "[PROJ-2] issue"},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	issues, err := client.FetchAllIssues(context.Background())
	if err != nil {
		t.Fatalf("FetchAllIssues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("len(issues) = %d, want 2 (PR skipped)", len(issues))
	}
}

func TestCreateAndListComments(t *testing.T) {
	var posted string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/issues/5/comments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			posted = body["body"]
			fmt.Fprint(w, `{}`)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]Comment{{ID: 1, Body: "Resolve #42"}})
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	if err := client.CreateComment(context.Background(), 5, "Resolve #42"); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if posted != "Resolve #42" {
		t.Errorf("posted = %q", posted)
	}

	comments, err := client.ListComments(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 1 || comments[0].Body != "Resolve #42" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestRequestsAcquireRateLimitPermit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client := NewClient("t", "org/repo").WithBaseURL(server.URL)
	client.Limiter = ratelimit.NewLimiter(30 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.ListLabels(context.Background()); err != nil {
			t.Fatalf("ListLabels: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 calls took %v, want >= 60ms of enforced spacing", elapsed)
	}
}
