// Package presence projects online users and typing indicators from bus events.
package presence

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/status"
	"go.uber.org/zap"
)

// DefaultTypingWindow is how long a typing indicator lives without refresh.
const DefaultTypingWindow = 2 * time.Second

// Presence is the known online state of a user.
type Presence int

const (
	// PresenceUnknown means no live connection: nothing can be said.
	PresenceUnknown Presence = iota
	PresenceOffline
	PresenceOnline
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	}
	return "unknown"
}

// StateReader exposes the current connection state.
type StateReader interface {
	Current() status.State
}

type typingEntry struct {
	expires time.Time
	timer   *clock.Timer
}

// Tracker folds presence and typing events into queryable projections.
// Presence and typing events received while not connected are dropped.
type Tracker struct {
	bus    *bus.Bus
	state  StateReader
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	online    map[int64]struct{}
	typing    map[int64]map[int64]*typingEntry
	unsubs    []func()
}

// NewTracker creates a tracker. A zero window uses DefaultTypingWindow.
func NewTracker(b *bus.Bus, state StateReader, clk clock.Clock, window time.Duration, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:    b,
		state:  state,
		clock:  clk,
		window: window,
		logger: logger.Named("presence"),
		online: make(map[int64]struct{}),
		typing: make(map[int64]map[int64]*typingEntry),
	}
}

// Start subscribes to connection, presence and typing events.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubs != nil {
		return
	}
	t.connected = t.state.Current() == status.Connected
	t.unsubs = []func(){
		t.bus.Subscribe(protocol.KindStateChanged, t.onStateChanged),
		t.bus.Subscribe("presence.", t.onPresence),
		t.bus.Subscribe("typing.", t.onTyping),
	}
}

// Stop unsubscribes and cancels expiry timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	for _, users := range t.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (t *Tracker) onStateChanged(evt bus.Event) {
	change, ok := evt.Payload.(status.Change)
	if !ok {
		return
	}

	t.mu.Lock()
	t.connected = change.To == status.Connected
	cleared := 0
	if !t.connected {
		cleared = len(t.online)
		clear(t.online)
	}
	t.mu.Unlock()

	if cleared > 0 {
		t.logger.Debug("presence cleared", zap.Int("users", cleared), zap.String("state", string(change.To)))
		t.bus.Publish(bus.NewEvent(protocol.KindPresenceCleared, change))
	}
}

func (t *Tracker) onPresence(evt bus.Event) {
	p, ok := evt.Payload.(protocol.PresencePayload)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		t.logger.Debug("dropping presence while disconnected", zap.String("kind", evt.Kind), zap.Int64("user_id", p.UserID))
		return
	}
	switch evt.Kind {
	case protocol.KindUserOnline:
		t.online[p.UserID] = struct{}{}
	case protocol.KindUserOffline:
		delete(t.online, p.UserID)
	}
}

func (t *Tracker) onTyping(evt bus.Event) {
	p, ok := evt.Payload.(protocol.TypingPayload)
	if !ok {
		return
	}
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		t.logger.Debug("dropping typing while disconnected", zap.String("kind", evt.Kind), zap.Int64("user_id", p.UserID))
		return
	}
	switch evt.Kind {
	case protocol.KindTypingStarted:
		t.startTyping(p.ConversationID, p.UserID)
	case protocol.KindTypingStopped:
		t.stopTyping(p.ConversationID, p.UserID)
	}
}

func (t *Tracker) startTyping(conversationID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[conversationID]
	if !ok {
		users = make(map[int64]*typingEntry)
		t.typing[conversationID] = users
	}
	if old, ok := users[userID]; ok {
		old.timer.Stop()
	}
	e := &typingEntry{expires: t.clock.Now().Add(t.window)}
	e.timer = t.clock.AfterFunc(t.window, func() { t.expire(conversationID, userID, e) })
	users[userID] = e
}

func (t *Tracker) stopTyping(conversationID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.typing[conversationID][userID]; ok {
		e.timer.Stop()
		t.removeTyping(conversationID, userID)
	}
}

func (t *Tracker) expire(conversationID, userID int64, e *typingEntry) {
	t.mu.Lock()
	current, ok := t.typing[conversationID][userID]
	if !ok || current != e {
		t.mu.Unlock()
		return
	}
	t.removeTyping(conversationID, userID)
	t.mu.Unlock()

	t.bus.Publish(bus.NewEvent(protocol.KindTypingExpired, protocol.TypingPayload{ConversationID: conversationID, UserID: userID}))
}

// removeTyping deletes an entry. Caller holds mu.
func (t *Tracker) removeTyping(conversationID, userID int64) {
	users := t.typing[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
}

// Presence returns the known state of userID.
func (t *Tracker) Presence(userID int64) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return PresenceUnknown
	}
	if _, ok := t.online[userID]; ok {
		return PresenceOnline
	}
	return PresenceOffline
}

// Online returns the online user ids in ascending order.
func (t *Tracker) Online() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.online))
}

// Typing returns the users currently typing in a conversation, in ascending
// order. Entries past their window are excluded even if their timer has not
// fired yet.
func (t *Tracker) Typing(conversationID int64) []int64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for id, e := range t.typing[conversationID] {
		if now.Before(e.expires) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// IsTyping reports whether userID is typing in conversationID.
func (t *Tracker) IsTyping(conversationID, userID int64) bool {
	return slices.Contains(t.Typing(conversationID), userID)
}
