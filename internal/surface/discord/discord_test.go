package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/porter/internal/stream"
	"github.com/zulandar/porter/internal/surface"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	sendErr     error
	sent        []sentMessage
	channels    map[string]*discordgo.Channel // for Channel() lookups
	handlers    []interface{}
}

type sentMessage struct {
	channelID string
	content   string
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockSession) allSent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func connectedAdapter(t *testing.T, sess *mockSession, opts AdapterOpts) *Adapter {
	t.Helper()
	opts.Session = sess
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Error("tokenless adapter accepted")
	}
}

func TestInboundMessage(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{})
	a.SetBotUserID("bot-1")

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-9",
		Content:   "/plan add retries",
		Author:    &discordgo.User{ID: "user-1", Username: "pat"},
	}})

	select {
	case msg := <-inbound:
		if msg.Platform != "discord" || msg.ConversationID != "chan-9" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Text != "/plan add retries" || msg.UserName != "pat" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestInbound_FiltersSelfAndBots(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{})
	a.SetBotUserID("bot-1")

	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-9", Content: "self",
		Author: &discordgo.User{ID: "bot-1", Username: "porter"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-9", Content: "other bot",
		Author: &discordgo.User{ID: "bot-2", Username: "otherbot", Bot: true},
	}})

	select {
	case msg := <-a.inbound:
		t.Errorf("filtered message leaked: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInbound_ChannelAllowlist(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{Channels: []string{"chan-ok"}})

	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-other", Content: "hi",
		Author: &discordgo.User{ID: "u", Username: "pat"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-ok", Content: "hi",
		Author: &discordgo.User{ID: "u", Username: "pat"},
	}})

	msg := <-a.inbound
	if msg.ConversationID != "chan-ok" {
		t.Errorf("wrong message passed filter: %+v", msg)
	}
}

func TestInbound_ThreadKeepsOwnConversation(t *testing.T) {
	sess := newMockSession()
	sess.channels["thread-5"] = &discordgo.Channel{
		ID: "thread-5", ParentID: "chan-ok", Type: discordgo.ChannelTypeGuildPublicThread,
	}
	a := connectedAdapter(t, sess, AdapterOpts{Channels: []string{"chan-ok"}})

	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "thread-5", Content: "in thread",
		Author: &discordgo.User{ID: "u", Username: "pat"},
	}})

	msg := <-a.inbound
	if msg.ConversationID != "thread-5" {
		t.Errorf("thread conversation = %q, want thread-5", msg.ConversationID)
	}
}

func TestSink_LiveAndSplits(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{})

	sink := a.Sink("chan-9")
	if sink.Mode() != stream.ModeLive {
		t.Errorf("mode = %v, want live", sink.Mode())
	}

	long := strings.Repeat("a", maxMessageLen+500)
	if err := sink.Deliver(context.Background(), long); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sent := sess.allSent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages, want 2", len(sent))
	}
	for _, m := range sent {
		if m.channelID != "chan-9" {
			t.Errorf("channel = %q", m.channelID)
		}
		if len(m.content) > maxMessageLen {
			t.Errorf("piece exceeds limit: %d", len(m.content))
		}
	}
}

func TestSink_NotConnected(t *testing.T) {
	a, err := New(AdapterOpts{Session: newMockSession()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Sink("c").Deliver(context.Background(), "x"); err == nil {
		t.Error("delivery before connect accepted")
	}
}

func TestClose_UnblocksPendingEmit(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{})
	a.SetBotUserID("bot-1")
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// Fill the buffer so the next gateway handler blocks mid-send with
	// nobody consuming, the shape an in-flight event is in at shutdown.
	for i := 0; i < cap(a.inbound); i++ {
		a.inbound <- surface.Inbound{}
	}

	finished := make(chan struct{})
	go func() {
		a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
			ChannelID: "chan-9",
			Content:   "late message",
			Author:    &discordgo.User{ID: "user-1", Username: "pat"},
		}})
		close(finished)
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked on the inbound channel after Close")
	}
}

func TestClose_Idempotent(t *testing.T) {
	sess := newMockSession()
	a := connectedAdapter(t, sess, AdapterOpts{})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sess.closeCalled {
		t.Error("session not closed")
	}
}
