// Package lock provides per-conversation mutual exclusion with a global
// concurrency cap for orchestrator passes. All state is in-memory; a
// process restart clears every lock (an active session row in the
// database does not imply a held lock).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultAcquireTimeout bounds how long an Acquire call waits for both
// the per-conversation turn and a global slot before reporting busy.
const DefaultAcquireTimeout = 30 * time.Second

// DefaultMaxConcurrent is the global cap on concurrently running
// assistant engagements when none is configured.
const DefaultMaxConcurrent = 4

// ErrBusy is returned when neither the per-conversation turn nor a
// global slot became available within the acquire timeout. The caller
// is responsible for telling the end user to retry.
var ErrBusy = errors.New("lock: busy")

// Manager serializes orchestrator passes per conversation (strict FIFO)
// and caps the number of passes running system-wide. Constructed once at
// process start and shared by reference.
type Manager struct {
	maxConcurrent int
	global        *semaphore.Weighted

	mu     sync.Mutex
	conv   map[string]*convQueue
	active map[string]time.Time // conversation key -> lease acquisition time
	queued int
}

// convQueue tracks the holder and FIFO waiters for one conversation.
type convQueue struct {
	held    bool
	waiters []chan struct{}
}

// Stats is a point-in-time snapshot of lock manager state, exposed on
// the ops surface for liveness dashboards.
type Stats struct {
	Active              int      `json:"active"`
	QueuedApprox        int      `json:"queued_approx"`
	MaxConcurrent       int      `json:"max_concurrent"`
	ActiveConversations []string `json:"active_conversations"`
}

// NewManager creates a Manager with the given global concurrency cap.
// A cap of zero or less falls back to DefaultMaxConcurrent.
func NewManager(maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		maxConcurrent: maxConcurrent,
		global:        semaphore.NewWeighted(int64(maxConcurrent)),
		conv:          make(map[string]*convQueue),
		active:        make(map[string]time.Time),
	}
}

// Acquire blocks until the caller holds both the per-conversation turn
// and a global slot, or the timeout expires. Waiters on the same
// conversation are served strictly in arrival order; a quick follow-up
// message queues behind the running pass instead of being rejected.
//
// The returned Lease must be released exactly once; defer Release()
// immediately so every exit path of the pass reaches it.
func (m *Manager) Acquire(ctx context.Context, conversationKey string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.waitTurn(ctx, conversationKey); err != nil {
		return nil, err
	}

	// Past the per-conversation gate; still need a free global slot.
	if err := m.global.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.advanceLocked(conversationKey)
		m.mu.Unlock()
		return nil, busyOrCanceled(ctx, conversationKey)
	}

	now := time.Now()
	m.mu.Lock()
	m.active[conversationKey] = now
	m.mu.Unlock()

	return &Lease{m: m, key: conversationKey, acquiredAt: now}, nil
}

// waitTurn waits until the caller is the conversation's holder.
func (m *Manager) waitTurn(ctx context.Context, key string) error {
	m.mu.Lock()
	q := m.conv[key]
	if q == nil {
		q = &convQueue{}
		m.conv[key] = q
	}
	if !q.held && len(q.waiters) == 0 {
		q.held = true
		m.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	m.queued++
	m.mu.Unlock()

	select {
	case <-turn:
		// advanceLocked marked us as holder before closing the channel.
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-turn:
			// Lost the race: the turn was handed to us as we timed out.
			// Pass it straight to the next waiter.
			m.advanceLocked(key)
		default:
			m.removeWaiterLocked(key, turn)
		}
		m.mu.Unlock()
		return busyOrCanceled(ctx, key)
	}
}

// advanceLocked hands the conversation turn to the next FIFO waiter, or
// clears the entry when nobody is waiting. Caller holds m.mu.
func (m *Manager) advanceLocked(key string) {
	q := m.conv[key]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		m.queued--
		close(next) // held stays true for the new holder
		return
	}
	delete(m.conv, key)
}

// removeWaiterLocked drops a timed-out waiter from the queue. Caller
// holds m.mu.
func (m *Manager) removeWaiterLocked(key string, turn chan struct{}) {
	q := m.conv[key]
	if q == nil {
		return
	}
	for i, w := range q.waiters {
		if w == turn {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			m.queued--
			return
		}
	}
}

// busyOrCanceled maps context expiry to the user-facing busy error but
// preserves caller-initiated cancellation.
func busyOrCanceled(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("lock: acquire %s: %w", key, ErrBusy)
}

// Stats returns a snapshot of active leases and queued waiters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Stats{
		Active:              len(m.active),
		QueuedApprox:        m.queued,
		MaxConcurrent:       m.maxConcurrent,
		ActiveConversations: keys,
	}
}

// Lease represents a held lock for one conversation. Release is
// idempotent and safe to call from any goroutine.
type Lease struct {
	m          *Manager
	key        string
	acquiredAt time.Time
	once       sync.Once
}

// ConversationKey returns the conversation this lease covers.
func (l *Lease) ConversationKey() string { return l.key }

// AcquiredAt returns when the lease was granted.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release frees the global slot and hands the conversation turn to the
// next queued waiter. Calling Release more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.global.Release(1)
		l.m.mu.Lock()
		delete(l.m.active, l.key)
		l.m.advanceLocked(l.key)
		l.m.mu.Unlock()
	})
}
