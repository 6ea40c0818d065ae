// Package github implements the surface Adapter for GitHub Issues. It
// polls configured repositories for command comments and posts results
// back as issue comments. There is no streaming medium here, so sinks
// run in consolidated mode: one comment per engagement.
package github

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/porter/internal/stream"
	"github.com/zulandar/porter/internal/surface"
	"golang.org/x/oauth2"
)

const (
	// defaultPollInterval is how often repositories are polled.
	defaultPollInterval = time.Minute
	// maxCommentLen keeps comments under GitHub's 65536 limit.
	maxCommentLen = 60000
	// perPage is the page size for issue and comment listings.
	perPage = 100
)

// issuesClient abstracts the go-github Issues service methods we use,
// enabling test mocks.
type issuesClient interface {
	ListByRepo(ctx context.Context, owner, repo string, opts *gh.IssueListByRepoOptions) ([]*gh.Issue, *gh.Response, error)
	ListComments(ctx context.Context, owner, repo string, number int, opts *gh.IssueListCommentsOptions) ([]*gh.IssueComment, *gh.Response, error)
	CreateComment(ctx context.Context, owner, repo string, number int, comment *gh.IssueComment) (*gh.IssueComment, *gh.Response, error)
}

// Repo is one polled repository.
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo parses "owner/name".
func ParseRepo(s string) (Repo, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("github: repo %q must be owner/name", s)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// Adapter implements surface.Adapter for GitHub Issues. A conversation
// is one issue, identified as "owner/repo#number".
type Adapter struct {
	client       issuesClient
	token        string
	repos        []Repo
	botLogin     string
	pollInterval time.Duration
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan surface.Inbound
	done         chan struct{}
	cancelFunc   context.CancelFunc
	lastPoll     time.Time
}

// AdapterOpts holds parameters for creating a GitHub Adapter.
type AdapterOpts struct {
	Token        string // personal access token or app installation token
	Repos        []Repo
	BotLogin     string        // comments by this login are ignored
	PollInterval time.Duration // defaults to defaultPollInterval
	// For testing: inject a mock client instead of the real API.
	Client issuesClient
}

// New creates a GitHub Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	if len(opts.Repos) == 0 {
		return nil, fmt.Errorf("github: at least one repo is required")
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	a := &Adapter{
		token:        opts.Token,
		repos:        opts.Repos,
		botLogin:     opts.BotLogin,
		pollInterval: interval,
		inbound:      make(chan surface.Inbound, 100),
		done:         make(chan struct{}),
		lastPoll:     time.Now(),
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	return a, nil
}

// Name implements surface.Adapter.
func (a *Adapter) Name() string { return "github" }

// Connect creates the authenticated API client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("github: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.token})
		a.client = gh.NewClient(oauth2.NewClient(ctx, ts)).Issues
	}

	a.connected = true
	return nil
}

// Listen starts the polling loop. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan surface.Inbound, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("github: not connected")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.pollLoop(pollCtx)
	return a.inbound, nil
}

// Sink returns a consolidated sink posting comments on the issue.
func (a *Adapter) Sink(conversationID string) stream.Sink {
	return &issueSink{adapter: a, conversationID: conversationID}
}

// Close stops polling. The inbound channel is never closed: a poll
// caught mid-scan may still be holding a send, and closing it out from
// under the sender would panic. Consumers stop via their own context;
// pending sends unblock through the done channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.done)
	return nil
}

// emit hands one inbound message to the consumer, aborting instead of
// blocking (or panicking) when the adapter is shutting down.
func (a *Adapter) emit(ctx context.Context, msg surface.Inbound) bool {
	select {
	case a.inbound <- msg:
		return true
	case <-a.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// pollLoop polls all repositories on the configured interval.
func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce scans every repo for command activity since the last poll.
func (a *Adapter) pollOnce(ctx context.Context) {
	a.mu.Lock()
	since := a.lastPoll
	a.lastPoll = time.Now()
	a.mu.Unlock()

	for _, repo := range a.repos {
		if err := a.pollRepo(ctx, repo, since); err != nil {
			log.Printf("github: poll %s/%s: %v", repo.Owner, repo.Name, err)
		}
	}
}

// pollRepo lists issues updated since the watermark and emits an
// Inbound for each new command comment (and for command bodies of
// freshly opened issues).
func (a *Adapter) pollRepo(ctx context.Context, repo Repo, since time.Time) error {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Since:       since,
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	for {
		issues, resp, err := a.client.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return fmt.Errorf("list issues: %w", err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			if err := a.scanIssue(ctx, repo, issue, since); err != nil {
				return err
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

// scanIssue emits inbound messages for one updated issue.
func (a *Adapter) scanIssue(ctx context.Context, repo Repo, issue *gh.Issue, since time.Time) error {
	conversationID := fmt.Sprintf("%s/%s#%d", repo.Owner, repo.Name, issue.GetNumber())

	// A freshly opened issue whose body leads with a command is itself
	// an invocation; the rest of the body rides along as context.
	if issue.GetCreatedAt().After(since) {
		if text, rest, ok := commandFromBody(issue.GetBody()); ok {
			delivered := a.emit(ctx, surface.Inbound{
				Platform:       "github",
				ConversationID: conversationID,
				UserID:         strconv.FormatInt(issue.GetUser().GetID(), 10),
				UserName:       issue.GetUser().GetLogin(),
				Text:           text,
				Context:        issueContext(issue.GetTitle(), rest),
			})
			if !delivered {
				return nil
			}
		}
	}

	copts := &gh.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	for {
		comments, resp, err := a.client.ListComments(ctx, repo.Owner, repo.Name, issue.GetNumber(), copts)
		if err != nil {
			return fmt.Errorf("list comments for #%d: %w", issue.GetNumber(), err)
		}
		for _, comment := range comments {
			login := comment.GetUser().GetLogin()
			if login == a.botLogin {
				continue
			}
			if !comment.GetCreatedAt().After(since) {
				continue
			}
			text := strings.TrimSpace(comment.GetBody())
			if !strings.HasPrefix(text, "/") {
				continue // only explicit commands from the ticketing surface
			}
			delivered := a.emit(ctx, surface.Inbound{
				Platform:       "github",
				ConversationID: conversationID,
				UserID:         strconv.FormatInt(comment.GetUser().GetID(), 10),
				UserName:       login,
				Text:           text,
				Context:        issueContext(issue.GetTitle(), issue.GetBody()),
			})
			if !delivered {
				return nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		copts.Page = resp.NextPage
	}
}

// commandFromBody splits a leading slash command off an issue body.
func commandFromBody(body string) (command, rest string, ok bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return "", "", false
	}
	line, rest, _ := strings.Cut(body, "\n")
	return strings.TrimSpace(line), strings.TrimSpace(rest), true
}

// issueContext builds the trailing context block from issue metadata.
func issueContext(title, body string) string {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

// parseConversationID parses "owner/repo#number".
func parseConversationID(conversationID string) (Repo, int, error) {
	repoPart, numPart, ok := strings.Cut(conversationID, "#")
	if !ok {
		return Repo{}, 0, fmt.Errorf("github: conversation %q missing issue number", conversationID)
	}
	repo, err := ParseRepo(repoPart)
	if err != nil {
		return Repo{}, 0, err
	}
	number, err := strconv.Atoi(numPart)
	if err != nil {
		return Repo{}, 0, fmt.Errorf("github: conversation %q: bad issue number", conversationID)
	}
	return repo, number, nil
}

// issueSink posts one consolidated comment per delivery.
type issueSink struct {
	adapter        *Adapter
	conversationID string
}

// Mode implements stream.Sink. Issues have no streaming medium.
func (s *issueSink) Mode() stream.Mode { return stream.ModeConsolidated }

// Deliver implements stream.Sink.
func (s *issueSink) Deliver(ctx context.Context, text string) error {
	s.adapter.mu.Lock()
	if !s.adapter.connected {
		s.adapter.mu.Unlock()
		return fmt.Errorf("github: not connected")
	}
	s.adapter.mu.Unlock()

	repo, number, err := parseConversationID(s.conversationID)
	if err != nil {
		return err
	}

	for _, piece := range surface.SplitMessage(text, maxCommentLen) {
		comment := &gh.IssueComment{Body: gh.Ptr(piece)}
		if _, _, err := s.adapter.client.CreateComment(ctx, repo.Owner, repo.Name, number, comment); err != nil {
			return fmt.Errorf("github: create comment on %s: %w", s.conversationID, err)
		}
	}
	return nil
}
