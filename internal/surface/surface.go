// Package surface bridges chat and ticketing platforms (Discord, Slack,
// GitHub Issues) to the relay.
package surface

import (
	"context"

	"github.com/zulandar/porter/internal/stream"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management, inbound message
// receiving, and outbound delivery for a single platform.
type Adapter interface {
	// Name returns the platform identifier, e.g. "discord".
	Name() string

	// Connect establishes a connection to the platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Inbound, error)

	// Sink returns a delivery sink bound to one conversation. The sink's
	// mode reflects the platform: chat surfaces stream live, ticketing
	// surfaces consolidate.
	Sink(conversationID string) stream.Sink

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Inbound represents a message received from a platform, normalized to
// what the orchestrator needs.
type Inbound struct {
	Platform       string // e.g. "slack", "discord", "github"
	ConversationID string // platform-native conversation identifier
	UserID         string // platform-specific user identifier
	UserName       string // human-readable username
	Text           string // invocation text (command line or chat message)
	Context        string // trailing free-form context (e.g. issue body)
}
