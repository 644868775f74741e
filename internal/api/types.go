package api

import (
	"encoding/json"

	"github.com/matheus3301/msgsync/internal/protocol"
)

type StatusRequest struct{}

type StatusResponse struct {
	Session           string  `json:"session"`
	State             string  `json:"state"`
	UserID            int64   `json:"user_id"`
	UptimeMs          int64   `json:"uptime_ms"`
	Rooms             []int64 `json:"rooms,omitempty"`
	PendingSends      int     `json:"pending_sends"`
	ConversationCount int64   `json:"conversation_count"`
	MessageCount      int64   `json:"message_count"`
}

type ListConversationsRequest struct{}

type ListConversationsResponse struct {
	Conversations []protocol.Conversation `json:"conversations"`
}

// ListMessagesRequest pages a conversation. BeforeMs 0 returns the live
// timeline, including optimistic messages; otherwise older history is read
// from the local cache.
type ListMessagesRequest struct {
	ConversationID int64 `json:"conversation_id"`
	BeforeMs       int64 `json:"before_ms,omitempty"`
	Limit          int   `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []protocol.Message `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

type SendRequest struct {
	ConversationID int64                `json:"conversation_id"`
	Content        string               `json:"content"`
	Type           protocol.MessageType `json:"type,omitempty"`
	ReplyToID      int64                `json:"reply_to_id,omitempty"`
}

type SendResponse struct {
	Message protocol.Message `json:"message"`
}

type RetryRequest struct {
	ConversationID int64              `json:"conversation_id"`
	ID             protocol.MessageID `json:"id"`
}

type MarkReadRequest struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

// TypingRequest reports a keystroke, or the end of typing when Stop is set.
type TypingRequest struct {
	ConversationID int64 `json:"conversation_id"`
	Stop           bool  `json:"stop,omitempty"`
}

type RoomRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

type PresenceRequest struct {
	UserIDs        []int64 `json:"user_ids,omitempty"`
	ConversationID int64   `json:"conversation_id,omitempty"`
}

type UserPresence struct {
	UserID int64  `json:"user_id"`
	State  string `json:"state"`
}

type PresenceResponse struct {
	Users  []UserPresence `json:"users,omitempty"`
	Online []int64        `json:"online"`
	Typing []int64        `json:"typing,omitempty"`
}

type ConnectionRequest struct{}

type ConnectionResponse struct {
	State string `json:"state"`
}

type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchHit struct {
	Message protocol.Message `json:"message"`
	Snippet string           `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
	HasMore bool        `json:"has_more"`
}

// WatchRequest selects bus events by kind prefix. Empty watches everything.
type WatchRequest struct {
	Namespace string `json:"namespace"`
}

// Event is one bus event forwarded to a watcher.
type Event struct {
	EventID          string          `json:"event_id"`
	Session          string          `json:"session"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type Empty struct{}
