package relay

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/protocol"
)

var (
	errNotFound       = errors.New("not found")
	errNotParticipant = errors.New("not a participant")
	errBadRequest     = errors.New("bad request")
)

// memStore keeps users, conversations and messages in memory.
type memStore struct {
	mu            sync.Mutex
	users         map[int64]protocol.Participant
	conversations map[int64]*protocol.Conversation
	messages      map[int64][]protocol.Message
	lastConvID    int64
	lastMsgID     int64
}

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[int64]protocol.Participant),
		conversations: make(map[int64]*protocol.Conversation),
		messages:      make(map[int64][]protocol.Message),
	}
}

// seen records the latest known profile of a user and returns it.
func (s *memStore) seen(p protocol.Participant) protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[p.ID]; ok {
		if p.DisplayName == "" {
			p.DisplayName = old.DisplayName
		}
		if p.AvatarURL == "" {
			p.AvatarURL = old.AvatarURL
		}
	}
	s.users[p.ID] = p
	return p
}

func (s *memStore) user(id int64) protocol.Participant {
	if p, ok := s.users[id]; ok {
		return p
	}
	return protocol.Participant{ID: id}
}

// openConversation returns the conversation between a and b, creating it if needed.
func (s *memStore) openConversation(a, b int64) (protocol.Conversation, error) {
	if a == b || a <= 0 || b <= 0 {
		return protocol.Conversation{}, errBadRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.Includes(a) && c.Includes(b) {
			return s.view(c, a), nil
		}
	}
	s.lastConvID++
	c := &protocol.Conversation{
		ID:             s.lastConvID,
		ParticipantIDs: [2]int64{min(a, b), max(a, b)},
		LastMessageAt:  time.Now().UTC(),
	}
	s.conversations[c.ID] = c
	return s.view(c, a), nil
}

// view renders a conversation from the point of view of userID. Caller holds mu.
func (s *memStore) view(c *protocol.Conversation, userID int64) protocol.Conversation {
	out := *c
	out.OtherParticipant = s.user(c.Peer(userID))
	out.UnreadCount = 0
	for _, m := range s.messages[c.ID] {
		if m.Sender.ID != userID && m.Status != protocol.StatusRead {
			out.UnreadCount++
		}
	}
	return out
}

// conversation returns a conversation userID takes part in.
func (s *memStore) conversation(id, userID int64) (protocol.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return protocol.Conversation{}, errNotFound
	}
	if !c.Includes(userID) {
		return protocol.Conversation{}, errNotParticipant
	}
	return s.view(c, userID), nil
}

// conversationsOf lists the conversations of userID, most recent first.
func (s *memStore) conversationsOf(userID int64) []protocol.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Conversation
	for _, c := range s.conversations {
		if c.Includes(userID) {
			out = append(out, s.view(c, userID))
		}
	}
	slices.SortFunc(out, func(a, b protocol.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// messagesOf returns a page of a conversation, newest first.
func (s *memStore) messagesOf(conversationID, userID int64, offset, limit int) ([]protocol.Message, error) {
	if _, err := s.conversation(conversationID, userID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	var out []protocol.Message
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// appendMessage stores a message written by sender. provisionalID is kept so
// history lets the sender match messages whose ack it never saw.
func (s *memStore) appendMessage(conversationID int64, sender protocol.Participant, content string, typ protocol.MessageType, replyTo int64, provisionalID string) (protocol.Message, protocol.Conversation, error) {
	if content == "" {
		return protocol.Message{}, protocol.Conversation{}, errBadRequest
	}
	if typ == "" {
		typ = protocol.TypeText
	}
	if !typ.Valid() {
		return protocol.Message{}, protocol.Conversation{}, errBadRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return protocol.Message{}, protocol.Conversation{}, errNotFound
	}
	if !c.Includes(sender.ID) {
		return protocol.Message{}, protocol.Conversation{}, errNotParticipant
	}

	s.lastMsgID++
	now := time.Now().UTC()
	msg := protocol.Message{
		ID:             protocol.Confirmed(s.lastMsgID),
		ConversationID: conversationID,
		Sender:         s.user(sender.ID),
		Content:        content,
		Type:           typ,
		Status:         protocol.StatusSent,
		ReplyToID:      replyTo,
		CreatedAt:      now,
		ProvisionalID:  provisionalID,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	c.LastMessageAt = now
	return msg, *c, nil
}

// advance moves messages up to and including messageID that were not written
// by readerID forward to st. It returns the ids that changed.
func (s *memStore) advance(conversationID, messageID, readerID int64, st protocol.DeliveryStatus) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []int64
	msgs := s.messages[conversationID]
	for i := range msgs {
		id, _ := msgs[i].ID.ServerID()
		if id > messageID || msgs[i].Sender.ID == readerID {
			continue
		}
		if msgs[i].Status.Advances(st) {
			msgs[i].Status = st
			changed = append(changed, id)
		}
	}
	return changed
}

// status returns the current delivery status of a stored message.
func (s *memStore) status(msg protocol.Message) (protocol.DeliveryStatus, bool) {
	id, ok := msg.ID.ServerID()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[msg.ConversationID] {
		if mid, _ := m.ID.ServerID(); mid == id {
			return m.Status, true
		}
	}
	return "", false
}
