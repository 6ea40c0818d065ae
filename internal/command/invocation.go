package command

import "strings"

// Builtin command names with orchestration side effects. Everything
// else resolves through the template store.
const (
	// BoundaryName is the plan-to-execute transition: the current
	// session is deactivated and a fresh one starts from the stored
	// plan.
	BoundaryName = "execute"
	// ResetName deactivates the active session with no replacement.
	ResetName = "reset"
	// WorkdirName changes the conversation's working directory, which
	// also ends the active session.
	WorkdirName = "workdir"
	// StatusName answers with lock manager stats without taking a lock.
	StatusName = "status"
	// DefaultName is used for free-form messages without a slash
	// command; its template threads the message through as arguments.
	DefaultName = "chat"
)

// Invocation is the transient parse of one inbound message. It lives
// for a single orchestrator pass and is never persisted.
type Invocation struct {
	Name string   // command name, lowercased, without the leading slash
	Args []string // whitespace-split positional arguments
	Raw  string   // original message text, trimmed
}

// Parse splits raw message text into a command invocation. Text
// starting with "/" is treated as "/name arg arg..."; anything else
// becomes the default chat command with the whole text as arguments.
func Parse(text string) Invocation {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "/") {
		return Invocation{Name: DefaultName, Args: strings.Fields(text), Raw: text}
	}

	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(fields) == 0 {
		return Invocation{Name: DefaultName, Raw: text}
	}
	return Invocation{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Raw:  text,
	}
}

// Arguments returns the positional arguments rejoined by single spaces.
func (inv Invocation) Arguments() string {
	return strings.Join(inv.Args, " ")
}

// IsBoundary reports whether this invocation starts a brand-new session
// rather than resuming the active one.
func (inv Invocation) IsBoundary() bool { return inv.Name == BoundaryName }

// IsReset reports whether this invocation ends the active session
// without starting an engagement.
func (inv Invocation) IsReset() bool { return inv.Name == ResetName }
