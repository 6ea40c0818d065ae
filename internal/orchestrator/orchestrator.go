// Package orchestrator runs one pass per inbound message: acquire the
// conversation lock, resolve the command template and session, engage
// the assistant, dispatch its output stream, and persist session state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/porter/internal/assistant"
	"github.com/zulandar/porter/internal/command"
	"github.com/zulandar/porter/internal/lock"
	"github.com/zulandar/porter/internal/models"
	"github.com/zulandar/porter/internal/session"
	"github.com/zulandar/porter/internal/stream"
)

const (
	busyNotice  = "I'm still working on an earlier request for this conversation. Please try again shortly."
	startFailed = "The assistant could not be started. Please try again."
)

// TemplateLoader resolves a command name to its prompt template.
// *command.Store is the production implementation.
type TemplateLoader interface {
	Load(name string) (string, error)
}

// Orchestrator composes the lock manager, session store, template
// store, and assistant engine. One instance is shared by all surfaces;
// the lock manager serializes passes per conversation.
type Orchestrator struct {
	locks          *lock.Manager
	sessions       *session.Store
	templates      TemplateLoader
	engine         assistant.Engine
	acquireTimeout time.Duration
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Locks          *lock.Manager
	Sessions       *session.Store
	Templates      TemplateLoader
	Engine         assistant.Engine
	AcquireTimeout time.Duration // defaults to lock.DefaultAcquireTimeout
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Locks == nil {
		return nil, fmt.Errorf("orchestrator: lock manager is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: session store is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("orchestrator: template store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("orchestrator: engine is required")
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = lock.DefaultAcquireTimeout
	}
	return &Orchestrator{
		locks:          opts.Locks,
		sessions:       opts.Sessions,
		templates:      opts.Templates,
		engine:         opts.Engine,
		acquireTimeout: timeout,
	}, nil
}

// Request is one inbound message bound to its delivery sink.
type Request struct {
	Platform       string      // "discord", "slack", "github"
	ConversationID string      // platform-native conversation identifier
	UserName       string      // human-readable sender, for logs
	Text           string      // raw invocation text
	Context        string      // trailing free-form context (e.g. ticket body)
	Sink           stream.Sink // conversation-scoped delivery sink
}

// LockStats exposes the lock manager snapshot for the ops surface.
func (o *Orchestrator) LockStats() lock.Stats { return o.locks.Stats() }

// Handle runs one orchestrator pass. The error taxonomy (busy, unknown
// command, engagement failure, delivery failure) is fully absorbed
// here: surfaced to the user via the sink and logged, never returned.
// A non-nil return means a collaborator broke its contract or
// persistence failed; the relay logs those loudly.
func (o *Orchestrator) Handle(ctx context.Context, req Request) error {
	if req.Sink == nil {
		return fmt.Errorf("orchestrator: request without sink")
	}
	if req.Platform == "" || req.ConversationID == "" {
		return fmt.Errorf("orchestrator: request without conversation identity")
	}

	inv := command.Parse(req.Text)

	// Read-only status never takes a lock.
	if inv.Name == command.StatusName {
		o.deliver(ctx, req.Sink, o.statusText())
		return nil
	}

	key := req.Platform + ":" + req.ConversationID
	lease, err := o.locks.Acquire(ctx, key, o.acquireTimeout)
	if errors.Is(err, lock.ErrBusy) {
		log.Printf("orchestrator: %s: busy, turned away [user=%s cmd=%s]", key, req.UserName, inv.Name)
		o.deliver(ctx, req.Sink, busyNotice)
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release()

	conv, err := o.sessions.FindOrCreateConversation(req.Platform, req.ConversationID)
	if err != nil {
		return err
	}

	switch inv.Name {
	case command.WorkdirName:
		return o.handleWorkdir(ctx, req, conv, inv)
	case command.ResetName:
		return o.handleReset(ctx, req, conv)
	}

	tpl, err := o.templates.Load(inv.Name)
	if errors.Is(err, command.ErrNotFound) {
		// Fatal for this pass; no session mutation.
		o.deliver(ctx, req.Sink, fmt.Sprintf("Unknown command: /%s", inv.Name))
		return nil
	}
	if err != nil {
		return err
	}

	return o.runPass(ctx, req, conv, inv, tpl)
}

// runPass resolves the session (fresh, resume, or boundary), builds the
// prompt, and drives the engagement to completion.
func (o *Orchestrator) runPass(ctx context.Context, req Request, conv *models.Conversation, inv command.Invocation, tpl string) error {
	active, err := o.sessions.GetActive(conv.ID)
	if err != nil {
		return err
	}

	named := map[string]string{}
	resume := ""
	var sess *models.Session

	switch {
	case inv.IsBoundary():
		// Plan-to-execute transition: the new session's prompt is built
		// from the outgoing session's metadata, then the old row ends.
		if active != nil {
			doc, err := o.sessions.LoadMetadata(active.ID)
			if err != nil {
				return err
			}
			named = doc.Strings()
			if err := o.sessions.Deactivate(active.ID); err != nil {
				return err
			}
			log.Printf("orchestrator: %s/%s: boundary transition, session %d ended",
				req.Platform, req.ConversationID, active.ID)
		}
	case active != nil:
		doc, err := o.sessions.LoadMetadata(active.ID)
		if err != nil {
			return err
		}
		named = doc.Strings()
		resume = active.ExternalHandle
		sess = active
		if fp := doc.String(session.KeyConfigFingerprint); fp != "" && fp != o.engine.Fingerprint() {
			log.Printf("orchestrator: session %d: engine config changed since start (%s -> %s)",
				active.ID, fp, o.engine.Fingerprint())
		}
	}

	prompt := command.Substitute(tpl, inv.Args, named, req.Context)

	createdThisPass := false
	if sess == nil {
		sess, err = o.sessions.Create(conv.ID, o.engine.Kind(), session.Metadata{
			session.KeyConfigFingerprint: o.engine.Fingerprint(),
		})
		if err != nil {
			return err
		}
		createdThisPass = true
	}

	res, engaged, engErr := o.engageAndDispatch(ctx, prompt, conv.WorkDir, resume, req.Sink)

	// A rejected resume handle is recovered locally: end the stale row,
	// start fresh, rerun once. Invisible to the user beyond a one-time
	// loss of in-engine context, so no notice is delivered unless the
	// rerun itself fails.
	if engErr != nil && errors.Is(engErr, assistant.ErrStaleHandle) && resume != "" {
		log.Printf("orchestrator: session %d: stale handle %q, recreating", sess.ID, resume)
		if err := o.sessions.Deactivate(sess.ID); err != nil {
			return err
		}
		sess, err = o.sessions.Create(conv.ID, o.engine.Kind(), session.Metadata{
			session.KeyConfigFingerprint: o.engine.Fingerprint(),
		})
		if err != nil {
			return err
		}
		createdThisPass = true
		res, engaged, engErr = o.engageAndDispatch(ctx, prompt, conv.WorkDir, "", req.Sink)
	}

	if engErr != nil {
		log.Printf("orchestrator: %s/%s: engagement failed [cmd=%s]: %v",
			req.Platform, req.ConversationID, inv.Name, engErr)
		notice := startFailed
		if engaged {
			notice = stream.ErrorNotice(req.Sink.Mode())
		}
		o.deliver(ctx, req.Sink, notice)
		// Don't leave a session active that never produced a handle.
		if createdThisPass && !res.HandleSeen {
			if err := o.sessions.Deactivate(sess.ID); err != nil {
				log.Printf("orchestrator: deactivate failed session %d: %v", sess.ID, err)
			}
		}
		return nil
	}

	// Persist before the pass returns (and before the lock releases).
	if res.HandleSeen {
		if err := o.sessions.UpdateHandle(sess.ID, res.Handle); err != nil {
			return err
		}
	}
	meta := session.Metadata{session.KeyLastCommand: inv.Name}
	switch inv.Name {
	case "plan":
		if res.Text != "" {
			meta[session.KeyPlan] = res.Text
		}
	case command.BoundaryName:
		if res.Text != "" {
			meta[session.KeyImplementationSummary] = res.Text
		}
	}
	return o.sessions.MergeMetadata(sess.ID, meta)
}

// engageAndDispatch starts one engagement and streams it to the sink.
// It delivers no notices itself; the caller surfaces failures once the
// retry decision is made. The engaged flag distinguishes spawn failures
// (the assistant never started) from mid-stream ones.
func (o *Orchestrator) engageAndDispatch(ctx context.Context, prompt, workDir, resume string, sink stream.Sink) (stream.Result, bool, error) {
	eng, err := o.engine.Engage(ctx, assistant.Request{
		Prompt:       prompt,
		WorkDir:      workDir,
		ResumeHandle: resume,
	})
	if err != nil {
		return stream.Result{}, false, err
	}
	res, err := stream.Dispatch(ctx, eng.Chunks(), sink)
	return res, true, err
}

// handleWorkdir changes the conversation working directory, ending the
// active session when the directory actually changes.
func (o *Orchestrator) handleWorkdir(ctx context.Context, req Request, conv *models.Conversation, inv command.Invocation) error {
	dir := inv.Arguments()
	if dir == "" {
		o.deliver(ctx, req.Sink, "Usage: /workdir <path>")
		return nil
	}
	changed, err := o.sessions.UpdateWorkDir(conv.ID, dir)
	if err != nil {
		return err
	}
	if changed {
		o.deliver(ctx, req.Sink, fmt.Sprintf("Working directory set to %s. The next message starts a fresh session.", dir))
	} else {
		o.deliver(ctx, req.Sink, fmt.Sprintf("Working directory already %s.", dir))
	}
	return nil
}

// handleReset ends the active session with no replacement.
func (o *Orchestrator) handleReset(ctx context.Context, req Request, conv *models.Conversation) error {
	active, err := o.sessions.GetActive(conv.ID)
	if err != nil {
		return err
	}
	if active == nil {
		o.deliver(ctx, req.Sink, "No active session to reset.")
		return nil
	}
	if err := o.sessions.Deactivate(active.ID); err != nil {
		return err
	}
	log.Printf("orchestrator: %s/%s: session %d reset by %s",
		req.Platform, req.ConversationID, active.ID, req.UserName)
	o.deliver(ctx, req.Sink, "Session reset. The next message starts fresh.")
	return nil
}

// statusText formats lock manager stats for the status command.
func (o *Orchestrator) statusText() string {
	stats := o.locks.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Assistant slots: %d/%d in use, ~%d queued\n",
		stats.Active, stats.MaxConcurrent, stats.QueuedApprox)
	if len(stats.ActiveConversations) == 0 {
		b.WriteString("No conversations are running.")
	} else {
		b.WriteString("Running: " + strings.Join(stats.ActiveConversations, ", "))
	}
	return b.String()
}

// deliver sends a notice, logging (not propagating) sink failures.
func (o *Orchestrator) deliver(ctx context.Context, sink stream.Sink, text string) {
	if err := sink.Deliver(ctx, text); err != nil {
		log.Printf("orchestrator: deliver notice: %v", err)
	}
}
