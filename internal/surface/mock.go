package surface

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/porter/internal/stream"
)

// MockAdapter implements Adapter for testing. It records deliveries per
// conversation and allows simulating inbound messages.
type MockAdapter struct {
	mu        sync.Mutex
	name      string
	mode      stream.Mode
	connected bool
	closed    bool
	inbound   chan Inbound
	delivered map[string][]string // conversation ID -> delivered texts
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter(name string, mode stream.Mode) *MockAdapter {
	return &MockAdapter{
		name:      name,
		mode:      mode,
		inbound:   make(chan Inbound, 100),
		delivered: make(map[string][]string),
	}
}

// Name returns the configured platform name.
func (m *MockAdapter) Name() string { return m.name }

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Inbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Sink returns a recording sink for the conversation.
func (m *MockAdapter) Sink(conversationID string) stream.Sink {
	return &mockSink{adapter: m, conversationID: conversationID}
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// Connected reports whether Connect has been called. Lets tests wait
// for a daemon to bring the adapter online.
func (m *MockAdapter) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateInbound sends a message into the inbound channel as if it
// came from the platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg Inbound) {
	if msg.Platform == "" {
		msg.Platform = m.name
	}
	m.inbound <- msg
}

// Delivered returns a copy of everything delivered to a conversation.
func (m *MockAdapter) Delivered(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered[conversationID]...)
}

type mockSink struct {
	adapter        *MockAdapter
	conversationID string
}

func (s *mockSink) Deliver(_ context.Context, text string) error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	if !s.adapter.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	s.adapter.delivered[s.conversationID] = append(s.adapter.delivered[s.conversationID], text)
	return nil
}

func (s *mockSink) Mode() stream.Mode { return s.adapter.mode }
