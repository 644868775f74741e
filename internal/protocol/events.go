package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Bus event kinds. Server-originated kinds mirror inbound frames; the rest
// are synthesized locally.
const (
	KindStateChanged  = "connection.state_changed"
	KindNewMessage    = "message.new"
	KindSentAck       = "message.sent_ack"
	KindDelivered     = "message.delivered"
	KindRead          = "message.read"
	KindTypingStarted = "typing.started"
	KindTypingStopped = "typing.stopped"
	KindUserOnline    = "presence.online"
	KindUserOffline   = "presence.offline"
	KindProtocolError = "protocol.error"

	KindLocalMessage    = "message.local"
	KindResolved        = "message.resolved"
	KindSendFailed      = "message.send_failed"
	KindTypingExpired   = "typing.expired"
	KindPresenceCleared = "presence.cleared"
	KindTimelineChanged = "timeline.changed"
)

// AuthenticatedPayload acknowledges the handshake.
type AuthenticatedPayload struct {
	UserID int64 `json:"user_id"`
}

// AuthErrorPayload rejects the handshake.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// NewMessagePayload announces a message written by someone else, or by this
// user from another client.
type NewMessagePayload struct {
	ConversationID int64   `json:"conversation_id"`
	Message        Message `json:"message"`
}

// MessageSentPayload acknowledges a send_message. ProvisionalID may be empty
// when the server does not echo it.
type MessageSentPayload struct {
	ConversationID int64   `json:"conversation_id"`
	ProvisionalID  string  `json:"provisional_id,omitempty"`
	Message        Message `json:"message"`
}

// ReceiptPayload reports a delivery or read receipt.
type ReceiptPayload struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
	ReaderID       int64 `json:"reader_id,omitempty"`
}

// TypingPayload reports a user typing in a conversation.
type TypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// PresencePayload reports a user going online or offline.
type PresencePayload struct {
	UserID int64 `json:"user_id"`
}

// ErrorPayload describes a protocol error. Fatal errors end the connection
// without retry.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (e ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ErrUnknownFrame is returned by Inbound for frame types with no bus mapping.
var ErrUnknownFrame = errors.New("unknown frame type")

// Inbound maps a server frame to a bus event kind and its decoded payload.
func Inbound(env Envelope) (string, any, error) {
	switch env.Type {
	case FrameNewMessage:
		return decode[NewMessagePayload](KindNewMessage, env)
	case FrameMessageSent:
		return decode[MessageSentPayload](KindSentAck, env)
	case FrameMessageDelivered:
		return decode[ReceiptPayload](KindDelivered, env)
	case FrameMessageRead:
		return decode[ReceiptPayload](KindRead, env)
	case FrameUserTyping:
		return decode[TypingPayload](KindTypingStarted, env)
	case FrameUserStoppedTyping:
		return decode[TypingPayload](KindTypingStopped, env)
	case FrameUserOnline:
		return decode[PresencePayload](KindUserOnline, env)
	case FrameUserOffline:
		return decode[PresencePayload](KindUserOffline, env)
	case FrameError:
		return decode[ErrorPayload](KindProtocolError, env)
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

func decode[T any](kind string, env Envelope) (string, any, error) {
	var p T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return kind, p, nil
}

// DecodePayload unmarshals an envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return p, nil
}
