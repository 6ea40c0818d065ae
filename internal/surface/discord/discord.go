// Package discord implements the surface Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/porter/internal/stream"
	"github.com/zulandar/porter/internal/surface"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxMessageLen is Discord's message length limit.
	maxMessageLen = 2000
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements surface.Adapter for Discord via the Gateway
// WebSocket. Conversations map to channels; messages sent inside a
// Discord thread use the thread's channel ID as the conversation ID.
type Adapter struct {
	sess          session
	botToken      string
	channels      map[string]bool // allowlist; empty means all
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan surface.Inbound
	done          chan struct{}
	removeHandler func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string   // Discord bot token
	Channels []string // channel IDs to listen on; empty means all
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken: opts.BotToken,
		channels: make(map[string]bool, len(opts.Channels)),
		inbound:  make(chan surface.Inbound, 100),
		done:     make(chan struct{}),
	}
	for _, ch := range opts.Channels {
		a.channels[ch] = true
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Name implements surface.Adapter.
func (a *Adapter) Name() string { return "discord" }

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture bot user ID on connect/reconnect for self-message filtering.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers
// a message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan surface.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// Sink returns a live sink posting to the conversation's channel.
func (a *Adapter) Sink(conversationID string) stream.Sink {
	return &channelSink{adapter: a, channelID: conversationID}
}

// Close gracefully shuts down the adapter connection. The inbound
// channel stays open: a gateway event handler may be mid-send on one of
// discordgo's goroutines, and closing it under the sender would panic.
// Pending sends unblock through the done channel instead.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.done)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// emit hands one inbound message to the consumer, aborting instead of
// blocking when the adapter is shutting down.
func (a *Adapter) emit(msg surface.Inbound) {
	select {
	case a.inbound <- msg:
	case <-a.done:
	}
}

// SetBotUserID sets the bot user ID (used in tests in place of the
// Ready event).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a Discord message event to an Inbound.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	// Threads are channels in Discord. A message inside a thread keeps
	// the thread channel as its conversation, but the allowlist is
	// checked against the parent channel.
	conversationID := m.ChannelID
	allowCheck := m.ChannelID
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		allowCheck = ch.ParentID
	}
	if len(a.channels) > 0 && !a.channels[allowCheck] {
		return
	}

	a.emit(surface.Inbound{
		Platform:       "discord",
		ConversationID: conversationID,
		UserID:         m.Author.ID,
		UserName:       m.Author.Username,
		Text:           m.Content,
	})
}

// channelSink delivers live output to one Discord channel, splitting at
// the platform message limit.
type channelSink struct {
	adapter   *Adapter
	channelID string
}

// Mode implements stream.Sink. Discord is a chat surface: live.
func (s *channelSink) Mode() stream.Mode { return stream.ModeLive }

// Deliver implements stream.Sink.
func (s *channelSink) Deliver(ctx context.Context, text string) error {
	s.adapter.mu.Lock()
	if !s.adapter.connected {
		s.adapter.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	s.adapter.mu.Unlock()

	for _, piece := range surface.SplitMessage(text, maxMessageLen) {
		err := retryOnRateLimit(ctx, func() error {
			_, sendErr := s.adapter.sess.ChannelMessageSend(s.channelID, piece)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on
// Discord rate limit errors. It respects context cancellation.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
