package assistant

import (
	"context"
	"sync"

	"github.com/zulandar/porter/internal/stream"
)

// MockEngine implements Engine for tests. Each Engage replays the
// scripted chunks, or a stale-handle error when the resume handle is in
// the rejection set.
type MockEngine struct {
	mu            sync.Mutex
	Script        []stream.Chunk  // chunks emitted per engagement (default: text + completion)
	RejectHandles map[string]bool // resume handles to reject as stale
	NextHandle    string          // completion handle when Script is nil
	Requests      []Request       // every Engage request, in order
}

// Kind implements Engine.
func (m *MockEngine) Kind() string { return "mock" }

// Fingerprint implements Engine.
func (m *MockEngine) Fingerprint() string { return "mock-fp" }

// Engage implements Engine by replaying the script.
func (m *MockEngine) Engage(ctx context.Context, req Request) (*Engagement, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	reject := req.ResumeHandle != "" && m.RejectHandles[req.ResumeHandle]
	script := m.Script
	handle := m.NextHandle
	m.mu.Unlock()

	if handle == "" {
		handle = "mock-handle"
	}
	if script == nil {
		script = []stream.Chunk{
			{Kind: stream.KindText, Text: "ok"},
			{Kind: stream.KindCompletion, Handle: handle},
		}
	}

	eng := newEngagement(len(script) + 1)
	if reject {
		eng.chunks <- stream.Chunk{Kind: stream.KindError, Err: ErrStaleHandle}
	} else {
		for _, chunk := range script {
			eng.chunks <- chunk
		}
	}
	close(eng.chunks)
	return eng, nil
}

// LastRequest returns the most recent Engage request.
func (m *MockEngine) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}
