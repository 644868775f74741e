package protocol

import "time"

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// DeliveryStatus is the delivery state of a message. Failed is local-only:
// the server never reports it.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses by delivery progress. Failed ranks lowest.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is forward progress.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.Rank() > s.Rank()
}

// Participant is the denormalized user snippet carried by messages and conversations.
type Participant struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Message is a single chat message, optimistic or confirmed.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	Sender         Participant    `json:"sender"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	Status         DeliveryStatus `json:"status"`
	ReplyToID      int64          `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	// LocalSeq is set on optimistic messages only; see NextSentinel.
	LocalSeq int64 `json:"local_seq,omitempty"`
	// ProvisionalID echoes the id the sending client chose, on servers that
	// keep it with the stored message.
	ProvisionalID string `json:"provisional_id,omitempty"`
}

// Conversation is a two-party conversation.
type Conversation struct {
	ID               int64       `json:"id"`
	ParticipantIDs   [2]int64    `json:"participant_ids"`
	OtherParticipant Participant `json:"other_participant"`
	LastMessageAt    time.Time   `json:"last_message_at"`
	UnreadCount      int         `json:"unread_count"`
}

// Includes reports whether userID takes part in the conversation.
func (c Conversation) Includes(userID int64) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// Peer returns the participant id that is not userID.
func (c Conversation) Peer(userID int64) int64 {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}
