// Package stream models incremental assistant output and relays it to a
// delivery sink according to the sink's per-surface policy.
package stream

import "context"

// Kind discriminates the chunk variants an assistant engagement emits.
type Kind string

const (
	// KindText is a piece of assistant-authored response text.
	KindText Kind = "text"
	// KindTool is a tool-invocation notice (e.g. "running tests").
	KindTool Kind = "tool"
	// KindThinking is a thinking/progress notice.
	KindThinking Kind = "thinking"
	// KindCompletion marks the end of a successful engagement and
	// carries the opaque resume handle to persist.
	KindCompletion Kind = "completion"
	// KindError reports an engagement failure in-band. The engine
	// closes the chunk channel after emitting it.
	KindError Kind = "error"
)

// Chunk is one incremental unit of assistant output. The chunk sequence
// for an engagement is ordered, finite, non-restartable, and consumed
// by exactly one dispatcher.
type Chunk struct {
	Kind   Kind
	Text   string // text content or notice wording
	Handle string // KindCompletion: opaque engine session handle
	Err    error  // KindError: the underlying failure
}

// Mode selects the delivery policy for a destination surface.
type Mode string

const (
	// ModeLive forwards each chunk immediately as a separate delivery.
	ModeLive Mode = "live"
	// ModeConsolidated accumulates text and delivers once at the end.
	ModeConsolidated Mode = "consolidated"
)

// Sink delivers text to one destination conversation. Implementations
// are conversation-scoped: the adapter binds the platform conversation
// before handing the sink to the dispatcher.
type Sink interface {
	Deliver(ctx context.Context, text string) error
	Mode() Mode
}
