// Package ledger reconciles optimistic local messages with the server's
// authoritative copies.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/zap"
)

// historyMatchWindow bounds the clock distance between an optimistic message
// and a confirmed one from history that is taken to be the same send.
const historyMatchWindow = 2 * time.Minute

var (
	// ErrUnknownMessage is returned when a message id is not in the timeline.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned by Retry for messages that did not fail.
	ErrNotFailed = errors.New("message has not failed")
)

// LiveSender is the live connection.
type LiveSender interface {
	Send(ctx context.Context, cmd protocol.Command) error
	State() status.State
}

// FallbackSender posts messages over request/response.
type FallbackSender interface {
	SendMessage(ctx context.Context, conversationID int64, req rest.SendRequest) (*protocol.Message, error)
}

// CurrentUser identifies the local user.
type CurrentUser interface {
	Participant() protocol.Participant
}

// Options tunes the ledger.
type Options struct {
	// AckTimeout bounds how long a live send waits for message_sent before
	// the optimistic message is marked failed.
	AckTimeout time.Duration
	Clock      clock.Clock
	NewID      func() string
}

// Entry is a send awaiting acknowledgement.
type Entry struct {
	ProvisionalID  string
	ConversationID int64
	Content        string
	Type           protocol.MessageType
	ReplyToID      int64
	Deadline       time.Time

	timer *clock.Timer
}

// SendParams describes a message to send.
type SendParams struct {
	ConversationID int64
	Content        string
	Type           protocol.MessageType
	ReplyToID      int64
}

// Resolved is the payload of message.resolved.
type Resolved struct {
	ConversationID int64
	ProvisionalID  string
	Message        protocol.Message
}

// SendFailed is the payload of message.send_failed. Removed is set when the
// optimistic message was dropped from the timeline instead of kept as failed.
type SendFailed struct {
	ConversationID int64
	ID             protocol.MessageID
	Reason         string
	Removed        bool
}

// TimelineChanged is the payload of timeline.changed.
type TimelineChanged struct {
	ConversationID int64
}

// Ledger owns the per-conversation timelines and the pending-send table.
type Ledger struct {
	live     LiveSender
	fallback FallbackSender
	self     CurrentUser
	bus      *bus.Bus
	opts     Options
	logger   *zap.Logger

	mu            sync.Mutex
	pending       map[string]*Entry
	timelines     map[int64]*timeline
	conversations map[int64]*protocol.Conversation
	unsubs        []func()
}

// New creates a ledger. Call Start to begin consuming bus events.
func New(live LiveSender, fallback FallbackSender, self CurrentUser, b *bus.Bus, opts Options, logger *zap.Logger) *Ledger {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		live:          live,
		fallback:      fallback,
		self:          self,
		bus:           b,
		opts:          opts,
		logger:        logger.Named("ledger"),
		pending:       make(map[string]*Entry),
		timelines:     make(map[int64]*timeline),
		conversations: make(map[int64]*protocol.Conversation),
	}
}

// Start subscribes to server message events.
func (l *Ledger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsubs != nil {
		return
	}
	l.unsubs = []func(){
		l.bus.Subscribe(protocol.KindSentAck, l.onEvent),
		l.bus.Subscribe(protocol.KindNewMessage, l.onEvent),
		l.bus.Subscribe(protocol.KindDelivered, l.onEvent),
		l.bus.Subscribe(protocol.KindRead, l.onEvent),
	}
}

// Stop unsubscribes and cancels ack timers. Pending entries are kept.
func (l *Ledger) Stop() {
	l.mu.Lock()
	unsubs := l.unsubs
	l.unsubs = nil
	for _, e := range l.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	l.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (l *Ledger) onEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case protocol.MessageSentPayload:
		l.Resolve(p.ConversationID, p.ProvisionalID, p.Message)
	case protocol.NewMessagePayload:
		l.Insert(p.ConversationID, p.Message)
	case protocol.ReceiptPayload:
		next := protocol.StatusDelivered
		if evt.Kind == protocol.KindRead {
			next = protocol.StatusRead
		}
		l.applyReceipt(p, next)
	}
}

// Send appends an optimistic message and delivers it over the live channel,
// or over REST when the live channel is down. The live path returns the
// optimistic message; the REST path returns the confirmed one.
func (l *Ledger) Send(ctx context.Context, p SendParams) (protocol.Message, error) {
	if p.Type == "" {
		p.Type = protocol.TypeText
	}
	pid := l.opts.NewID()
	now := l.opts.Clock.Now()
	msg := protocol.Message{
		ID:             protocol.Optimistic(pid),
		ConversationID: p.ConversationID,
		Sender:         l.self.Participant(),
		Content:        p.Content,
		Type:           p.Type,
		Status:         protocol.StatusSent,
		ReplyToID:      p.ReplyToID,
		CreatedAt:      now,
		LocalSeq:       protocol.NextSentinel(),
	}
	live := l.live.State() == status.Connected

	l.mu.Lock()
	entry := &Entry{
		ProvisionalID:  pid,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Type:           p.Type,
		ReplyToID:      p.ReplyToID,
		Deadline:       now.Add(l.opts.AckTimeout),
	}
	if live {
		entry.timer = l.opts.Clock.AfterFunc(l.opts.AckTimeout, func() { l.expire(pid) })
	}
	l.pending[pid] = entry
	l.timeline(p.ConversationID).insert(msg)
	l.touch(p.ConversationID, now)
	l.mu.Unlock()

	l.publish(protocol.KindLocalMessage, msg)
	l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: p.ConversationID})

	if live {
		err := l.live.Send(ctx, protocol.SendMessage(protocol.SendMessagePayload{
			ConversationID: p.ConversationID,
			Content:        p.Content,
			Type:           p.Type,
			ReplyToID:      p.ReplyToID,
			ProvisionalID:  pid,
		}))
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, transport.ErrNotConnected) {
			l.fail(pid, err.Error())
			msg.Status = protocol.StatusFailed
			return msg, fmt.Errorf("send message: %w", err)
		}
		l.logger.Debug("live channel dropped during send, using rest", zap.String("provisional_id", pid))
	}

	return l.sendFallback(ctx, msg)
}

func (l *Ledger) sendFallback(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	pid, _ := msg.ID.ProvisionalID()
	l.mu.Lock()
	l.dropEntry(pid)
	l.mu.Unlock()

	confirmed, err := l.fallback.SendMessage(ctx, msg.ConversationID, rest.SendRequest{
		Content:   msg.Content,
		Type:      msg.Type,
		ReplyToID: msg.ReplyToID,
	})
	if err != nil {
		l.mu.Lock()
		l.timeline(msg.ConversationID).remove(msg.ID)
		l.mu.Unlock()
		l.logger.Warn("rest send failed", zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
		l.publish(protocol.KindSendFailed, SendFailed{ConversationID: msg.ConversationID, ID: msg.ID, Reason: err.Error(), Removed: true})
		l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: msg.ConversationID})
		return protocol.Message{}, fmt.Errorf("send message via rest: %w", err)
	}

	l.replace(msg.ConversationID, pid, *confirmed)
	return *confirmed, nil
}

// Resolve replaces the optimistic message registered under provisionalID with
// its confirmed counterpart. A repeated or stale acknowledgement only adds the
// confirmed message if it is missing. Without a provisional id the confirmed
// message is matched against the local user's optimistic messages; failing
// that, optimistic messages that no longer wait for an acknowledgement are
// dropped.
func (l *Ledger) Resolve(conversationID int64, provisionalID string, confirmed protocol.Message) {
	l.replace(conversationID, provisionalID, confirmed)
}

func (l *Ledger) replace(conversationID int64, provisionalID string, confirmed protocol.Message) {
	if confirmed.ConversationID == 0 {
		confirmed.ConversationID = conversationID
	}
	if confirmed.Status == "" {
		confirmed.Status = protocol.StatusSent
	}
	if provisionalID == "" {
		provisionalID = confirmed.ProvisionalID
	}

	l.mu.Lock()
	tl := l.timeline(conversationID)
	var removed bool
	var swept []protocol.MessageID
	switch {
	case provisionalID != "":
		removed = tl.remove(protocol.Optimistic(provisionalID))
		l.dropEntry(provisionalID)
	default:
		if pid, ok := l.match(tl, confirmed); ok {
			provisionalID = pid
			removed = true
		} else {
			swept = l.sweepOrphans(tl)
		}
	}
	inserted := tl.insert(confirmed)
	if inserted {
		l.touch(conversationID, confirmed.CreatedAt)
	}
	l.mu.Unlock()

	if !removed && !inserted && len(swept) == 0 {
		l.logger.Debug("duplicate acknowledgement",
			zap.Int64("conversation_id", conversationID), zap.String("provisional_id", provisionalID))
		return
	}
	l.publish(protocol.KindResolved, Resolved{ConversationID: conversationID, ProvisionalID: provisionalID, Message: confirmed})
	l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: conversationID})
}

// match finds the optimistic message that confirmed stands for, removes it
// and drops its pending entry. A provisional id echoed by the server must
// match exactly; otherwise the earliest optimistic message of the local user
// with the same content within historyMatchWindow is taken. Caller holds mu.
func (l *Ledger) match(tl *timeline, confirmed protocol.Message) (string, bool) {
	if pid := confirmed.ProvisionalID; pid != "" {
		if !tl.remove(protocol.Optimistic(pid)) {
			return "", false
		}
		l.dropEntry(pid)
		return pid, true
	}
	if confirmed.Sender.ID != l.self.Participant().ID {
		return "", false
	}
	for _, m := range tl.msgs {
		if !m.ID.IsOptimistic() || m.Content != confirmed.Content {
			continue
		}
		if d := m.CreatedAt.Sub(confirmed.CreatedAt).Abs(); d > historyMatchWindow {
			continue
		}
		pid, _ := m.ID.ProvisionalID()
		tl.remove(m.ID)
		l.dropEntry(pid)
		return pid, true
	}
	return "", false
}

// sweepOrphans drops optimistic messages that have no pending entry. Caller
// holds mu.
func (l *Ledger) sweepOrphans(tl *timeline) []protocol.MessageID {
	return tl.removeOptimistic(func(id protocol.MessageID) bool {
		pid, _ := id.ProvisionalID()
		_, waiting := l.pending[pid]
		return !waiting
	})
}

// Insert adds an inbound message. Duplicates are ignored.
func (l *Ledger) Insert(conversationID int64, msg protocol.Message) bool {
	if msg.ConversationID == 0 {
		msg.ConversationID = conversationID
	}
	if msg.Status == "" {
		msg.Status = protocol.StatusSent
	}
	self := l.self.Participant().ID

	l.mu.Lock()
	tl := l.timeline(conversationID)
	inserted := tl.insert(msg)
	var resolved string
	if inserted {
		if msg.ProvisionalID != "" {
			resolved, _ = l.match(tl, msg)
		}
		conv := l.touch(conversationID, msg.CreatedAt)
		if msg.Sender.ID != self {
			conv.UnreadCount++
		}
	}
	l.mu.Unlock()

	if resolved != "" {
		l.publish(protocol.KindResolved, Resolved{ConversationID: conversationID, ProvisionalID: resolved, Message: msg})
	}
	if inserted {
		l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: conversationID})
	}
	return inserted
}

func (l *Ledger) applyReceipt(p protocol.ReceiptPayload, next protocol.DeliveryStatus) {
	self := l.self.Participant().ID

	l.mu.Lock()
	changed := false
	if m, ok := l.timeline(p.ConversationID).get(protocol.Confirmed(p.MessageID)); ok && m.Status.Advances(next) {
		m.Status = next
		changed = true
	}
	if next == protocol.StatusRead && p.ReaderID == self {
		if conv, ok := l.conversations[p.ConversationID]; ok && conv.UnreadCount != 0 {
			conv.UnreadCount = 0
			changed = true
		}
	}
	l.mu.Unlock()

	if changed {
		l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: p.ConversationID})
	}
}

// MarkRead tells the server messageID was read and clears the local unread counter.
func (l *Ledger) MarkRead(ctx context.Context, conversationID, messageID int64) error {
	l.mu.Lock()
	if conv, ok := l.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
	l.mu.Unlock()
	l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: conversationID})

	err := l.live.Send(ctx, protocol.MarkRead(conversationID, messageID))
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Retry sends a failed optimistic message again under a new provisional id.
func (l *Ledger) Retry(ctx context.Context, conversationID int64, id protocol.MessageID) (protocol.Message, error) {
	l.mu.Lock()
	tl := l.timeline(conversationID)
	m, ok := tl.get(id)
	if !ok {
		l.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("retry %s: %w", id, ErrUnknownMessage)
	}
	if m.Status != protocol.StatusFailed || !id.IsOptimistic() {
		l.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("retry %s: %w", id, ErrNotFailed)
	}
	params := SendParams{ConversationID: conversationID, Content: m.Content, Type: m.Type, ReplyToID: m.ReplyToID}
	tl.remove(id)
	l.mu.Unlock()

	return l.Send(ctx, params)
}

// expire marks a live send that was never acknowledged as failed. A late
// acknowledgement still resolves it.
func (l *Ledger) expire(provisionalID string) {
	l.fail(provisionalID, "acknowledgement timed out")
}

func (l *Ledger) fail(provisionalID, reason string) {
	id := protocol.Optimistic(provisionalID)

	l.mu.Lock()
	entry, ok := l.pending[provisionalID]
	if !ok {
		l.mu.Unlock()
		return
	}
	l.dropEntry(provisionalID)
	if m, ok := l.timeline(entry.ConversationID).get(id); ok {
		m.Status = protocol.StatusFailed
	}
	l.mu.Unlock()

	l.logger.Warn("send failed", zap.String("provisional_id", provisionalID), zap.String("reason", reason))
	l.publish(protocol.KindSendFailed, SendFailed{ConversationID: entry.ConversationID, ID: id, Reason: reason})
	l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: entry.ConversationID})
}

// Load merges history into a timeline. Messages already present are kept as
// is. A confirmed message that stands for one of the local user's optimistic
// messages replaces it, so a send whose acknowledgement was lost shows once.
func (l *Ledger) Load(conversationID int64, msgs []protocol.Message) int {
	var resolved []Resolved

	l.mu.Lock()
	tl := l.timeline(conversationID)
	added := 0
	for _, m := range msgs {
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		if !tl.insert(m) {
			continue
		}
		added++
		if m.ID.IsOptimistic() {
			continue
		}
		if pid, ok := l.match(tl, m); ok {
			resolved = append(resolved, Resolved{ConversationID: conversationID, ProvisionalID: pid, Message: m})
		}
	}
	if added > 0 {
		tl.sort()
	}
	l.mu.Unlock()

	for _, r := range resolved {
		l.logger.Debug("optimistic message resolved from history",
			zap.Int64("conversation_id", conversationID), zap.String("provisional_id", r.ProvisionalID))
		l.publish(protocol.KindResolved, r)
	}
	if added > 0 {
		l.publish(protocol.KindTimelineChanged, TimelineChanged{ConversationID: conversationID})
	}
	return added
}

// SetConversations replaces the known conversation list with the server's.
func (l *Ledger) SetConversations(convs []protocol.Conversation) {
	l.mu.Lock()
	for _, c := range convs {
		l.conversations[c.ID] = &c
	}
	l.mu.Unlock()
}

// Conversations returns known conversations, most recently active first.
func (l *Ledger) Conversations() []protocol.Conversation {
	l.mu.Lock()
	out := make([]protocol.Conversation, 0, len(l.conversations))
	for _, c := range l.conversations {
		out = append(out, *c)
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b protocol.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Conversation returns a single conversation.
func (l *Ledger) Conversation(id int64) (protocol.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conversations[id]
	if !ok {
		return protocol.Conversation{}, false
	}
	return *c, true
}

// Messages returns a copy of the displayed list of a conversation.
func (l *Ledger) Messages(conversationID int64) []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.timelines[conversationID]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// Pending returns the sends awaiting acknowledgement.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.pending))
	for _, e := range l.pending {
		cp := *e
		cp.timer = nil
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.Deadline.Compare(b.Deadline) })
	return out
}

// timeline returns the conversation's timeline, creating it. Caller holds mu.
func (l *Ledger) timeline(conversationID int64) *timeline {
	tl, ok := l.timelines[conversationID]
	if !ok {
		tl = &timeline{}
		l.timelines[conversationID] = tl
	}
	return tl
}

// touch bumps last activity, creating a placeholder conversation. Caller holds mu.
func (l *Ledger) touch(conversationID int64, at time.Time) *protocol.Conversation {
	conv, ok := l.conversations[conversationID]
	if !ok {
		conv = &protocol.Conversation{ID: conversationID}
		l.conversations[conversationID] = conv
	}
	if at.After(conv.LastMessageAt) {
		conv.LastMessageAt = at
	}
	return conv
}

// dropEntry removes a pending entry and stops its timer. Caller holds mu.
func (l *Ledger) dropEntry(provisionalID string) {
	if e, ok := l.pending[provisionalID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(l.pending, provisionalID)
	}
}

func (l *Ledger) publish(kind string, payload any) {
	l.bus.Publish(bus.NewEvent(kind, payload))
}
