package github

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/porter/internal/stream"
	"github.com/zulandar/porter/internal/surface"
)

// --- Mock issues client ---

type mockIssues struct {
	mu       sync.Mutex
	issues   []*gh.Issue
	comments map[int][]*gh.IssueComment
	created  []createdComment
}

type createdComment struct {
	owner, repo string
	number      int
	body        string
}

func newMockIssues() *mockIssues {
	return &mockIssues{comments: make(map[int][]*gh.IssueComment)}
}

func (m *mockIssues) ListByRepo(_ context.Context, owner, repo string, opts *gh.IssueListByRepoOptions) ([]*gh.Issue, *gh.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues, &gh.Response{}, nil
}

func (m *mockIssues) ListComments(_ context.Context, owner, repo string, number int, opts *gh.IssueListCommentsOptions) ([]*gh.IssueComment, *gh.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.comments[number], &gh.Response{}, nil
}

func (m *mockIssues) CreateComment(_ context.Context, owner, repo string, number int, comment *gh.IssueComment) (*gh.IssueComment, *gh.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, createdComment{owner: owner, repo: repo, number: number, body: comment.GetBody()})
	return comment, &gh.Response{}, nil
}

func (m *mockIssues) allCreated() []createdComment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]createdComment(nil), m.created...)
}

func connectedAdapter(t *testing.T, client *mockIssues) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{
		Client:   client,
		Repos:    []Repo{{Owner: "zulandar", Name: "porter"}},
		BotLogin: "porter-bot",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func issueWith(number int, title, body string, createdAt time.Time) *gh.Issue {
	return &gh.Issue{
		Number:    gh.Ptr(number),
		Title:     gh.Ptr(title),
		Body:      gh.Ptr(body),
		CreatedAt: &gh.Timestamp{Time: createdAt},
		User:      &gh.User{Login: gh.Ptr("reporter"), ID: gh.Ptr(int64(7))},
	}
}

func commentBy(login, body string, createdAt time.Time) *gh.IssueComment {
	return &gh.IssueComment{
		Body:      gh.Ptr(body),
		CreatedAt: &gh.Timestamp{Time: createdAt},
		User:      &gh.User{Login: gh.Ptr(login), ID: gh.Ptr(int64(9))},
	}
}

func TestParseRepo(t *testing.T) {
	repo, err := ParseRepo("zulandar/porter")
	if err != nil || repo.Owner != "zulandar" || repo.Name != "porter" {
		t.Errorf("repo = %+v, err = %v", repo, err)
	}
	if _, err := ParseRepo("nodash"); err == nil {
		t.Error("bad repo accepted")
	}
}

func TestPoll_CommandComment(t *testing.T) {
	client := newMockIssues()
	since := time.Now().Add(-time.Hour)

	client.issues = []*gh.Issue{issueWith(42, "Panic on empty body", "Stack trace attached.", since.Add(-time.Hour))}
	client.comments[42] = []*gh.IssueComment{
		commentBy("dev", "/triage 42", time.Now()),
		commentBy("dev", "just chatting, not a command", time.Now()),
		commentBy("porter-bot", "/echo should be ignored", time.Now()),
		commentBy("dev", "/old before watermark", since.Add(-time.Minute)),
	}

	a := connectedAdapter(t, client)
	if err := a.pollRepo(context.Background(), a.repos[0], since); err != nil {
		t.Fatalf("pollRepo: %v", err)
	}

	select {
	case msg := <-a.inbound:
		if msg.ConversationID != "zulandar/porter#42" {
			t.Errorf("conversation = %q", msg.ConversationID)
		}
		if msg.Text != "/triage 42" || msg.UserName != "dev" {
			t.Errorf("msg = %+v", msg)
		}
		if !strings.Contains(msg.Context, "Panic on empty body") ||
			!strings.Contains(msg.Context, "Stack trace attached.") {
			t.Errorf("context = %q", msg.Context)
		}
	default:
		t.Fatal("no inbound message")
	}

	select {
	case msg := <-a.inbound:
		t.Errorf("extra message leaked: %+v", msg)
	default:
	}
}

func TestPoll_NewIssueWithCommandBody(t *testing.T) {
	client := newMockIssues()
	since := time.Now().Add(-time.Hour)

	client.issues = []*gh.Issue{
		issueWith(7, "Flaky watcher test", "/investigate\nFails one run in ten.", time.Now()),
	}

	a := connectedAdapter(t, client)
	if err := a.pollRepo(context.Background(), a.repos[0], since); err != nil {
		t.Fatalf("pollRepo: %v", err)
	}

	msg := <-a.inbound
	if msg.Text != "/investigate" {
		t.Errorf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.Context, "Flaky watcher test") ||
		!strings.Contains(msg.Context, "Fails one run in ten.") {
		t.Errorf("context = %q", msg.Context)
	}
}

func TestSink_ConsolidatedComment(t *testing.T) {
	client := newMockIssues()
	a := connectedAdapter(t, client)

	sink := a.Sink("zulandar/porter#42")
	if sink.Mode() != stream.ModeConsolidated {
		t.Errorf("mode = %v, want consolidated", sink.Mode())
	}

	if err := sink.Deliver(context.Background(), "All done."); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	created := client.allCreated()
	if len(created) != 1 {
		t.Fatalf("created = %d comments", len(created))
	}
	if created[0].owner != "zulandar" || created[0].number != 42 || created[0].body != "All done." {
		t.Errorf("comment = %+v", created[0])
	}
}

func TestSink_BadConversationID(t *testing.T) {
	a := connectedAdapter(t, newMockIssues())
	if err := a.Sink("no-issue-number").Deliver(context.Background(), "x"); err == nil {
		t.Error("bad conversation ID accepted")
	}
}

func TestClose_UnblocksPendingEmit(t *testing.T) {
	client := newMockIssues()
	client.issues = []*gh.Issue{
		issueWith(7, "Flaky watcher test", "/investigate\nFails one run in ten.", time.Now()),
	}
	a := connectedAdapter(t, client)

	// Fill the buffer so the next emit blocks with nobody consuming, the
	// shape a poll caught mid-scan is in when the process shuts down.
	for i := 0; i < cap(a.inbound); i++ {
		a.inbound <- surface.Inbound{}
	}

	result := make(chan error, 1)
	go func() {
		result <- a.pollRepo(context.Background(), a.repos[0], time.Now().Add(-time.Hour))
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("pollRepo after Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll still blocked on the inbound channel after Close")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(AdapterOpts{Repos: []Repo{{Owner: "a", Name: "b"}}}); err == nil {
		t.Error("tokenless adapter accepted")
	}
	if _, err := New(AdapterOpts{Token: "ghp_x"}); err == nil {
		t.Error("repo-less adapter accepted")
	}
}
