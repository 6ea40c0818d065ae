// Package assistant abstracts the AI coding engine behind a chunked
// engagement contract: one Engage call per orchestrator pass, producing
// a forward-only chunk sequence for the streaming dispatcher.
package assistant

import (
	"context"
	"errors"

	"github.com/zulandar/porter/internal/stream"
)

// ErrStaleHandle reports that the engine rejected the stored resume
// handle (expired or unknown). The orchestrator recovers by
// deactivating the stale session and starting a fresh one.
var ErrStaleHandle = errors.New("assistant: stale resume handle")

// Request describes one engagement.
type Request struct {
	Prompt       string // fully substituted prompt text
	WorkDir      string // working directory for the engine ("" = process cwd)
	ResumeHandle string // opaque handle from a prior pass ("" = start fresh)
}

// Engine runs assistant engagements. Implementations must emit at most
// one completion marker and close the chunk channel when the
// engagement ends; failures are reported in-band as a KindError chunk.
type Engine interface {
	// Kind names the engine for session rows (e.g. "claude").
	Kind() string
	// Fingerprint identifies the engine configuration; stored in
	// session metadata so config drift across resumes is visible.
	Fingerprint() string
	// Engage starts one engagement. Errors returned directly are
	// spawn-time failures; everything after startup arrives as chunks.
	Engage(ctx context.Context, req Request) (*Engagement, error)
}

// Engagement is a running assistant call. The chunk channel is the
// single-consumer, forward-only output sequence.
type Engagement struct {
	chunks chan stream.Chunk
}

func newEngagement(buffer int) *Engagement {
	return &Engagement{chunks: make(chan stream.Chunk, buffer)}
}

// Chunks returns the engagement's output sequence. The channel closes
// when the engagement ends.
func (e *Engagement) Chunks() <-chan stream.Chunk { return e.chunks }
