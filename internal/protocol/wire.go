package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire frame types sent by the client.
const (
	FrameAuthenticate = "authenticate"
	FrameSendMessage  = "send_message"
	FrameMarkRead     = "mark_read"
	FrameJoin         = "join_conversation"
	FrameLeave        = "leave_conversation"
	FrameStartTyping  = "start_typing"
	FrameStopTyping   = "stop_typing"
	FramePing         = "ping"
)

// Wire frame types sent by the server.
const (
	FrameAuthenticated     = "authenticated"
	FrameAuthError         = "auth_error"
	FrameNewMessage        = "new_message"
	FrameMessageSent       = "message_sent"
	FrameMessageDelivered  = "message_delivered"
	FrameMessageRead       = "message_read"
	FrameUserTyping        = "user_typing"
	FrameUserStoppedTyping = "user_stopped_typing"
	FrameUserOnline        = "user_online"
	FrameUserOffline       = "user_offline"
	FrameError             = "error"
	FramePong              = "pong"
)

// Envelope is the JSON frame exchanged over the live channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type")
	}
	return env, nil
}

// Encode builds a frame from a type and payload.
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return json.Marshal(Envelope{Type: frameType, Payload: raw})
}

// Command is an outbound frame.
type Command struct {
	Type    string
	Payload any
}

// Marshal encodes the command as a wire frame.
func (c Command) Marshal() ([]byte, error) {
	return Encode(c.Type, c.Payload)
}

// AuthenticatePayload opens a session.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// SendMessagePayload carries a new message and the provisional id echoed back in the ack.
type SendMessagePayload struct {
	ConversationID int64       `json:"conversation_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type,omitempty"`
	ReplyToID      int64       `json:"reply_to_id,omitempty"`
	ProvisionalID  string      `json:"provisional_id"`
}

// MarkReadPayload marks a message and everything before it as read.
type MarkReadPayload struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

// ConversationRef addresses a conversation room.
type ConversationRef struct {
	ConversationID int64 `json:"conversation_id"`
}

// PingPayload correlates heartbeat pings and pongs.
type PingPayload struct {
	RequestID string `json:"request_id"`
}

func Authenticate(token string) Command {
	return Command{Type: FrameAuthenticate, Payload: AuthenticatePayload{Token: token}}
}

func SendMessage(p SendMessagePayload) Command {
	return Command{Type: FrameSendMessage, Payload: p}
}

func MarkRead(conversationID, messageID int64) Command {
	return Command{Type: FrameMarkRead, Payload: MarkReadPayload{ConversationID: conversationID, MessageID: messageID}}
}

func JoinConversation(conversationID int64) Command {
	return Command{Type: FrameJoin, Payload: ConversationRef{ConversationID: conversationID}}
}

func LeaveConversation(conversationID int64) Command {
	return Command{Type: FrameLeave, Payload: ConversationRef{ConversationID: conversationID}}
}

func StartTyping(conversationID int64) Command {
	return Command{Type: FrameStartTyping, Payload: ConversationRef{ConversationID: conversationID}}
}

func StopTyping(conversationID int64) Command {
	return Command{Type: FrameStopTyping, Payload: ConversationRef{ConversationID: conversationID}}
}

func Ping(requestID string) Command {
	return Command{Type: FramePing, Payload: PingPayload{RequestID: requestID}}
}
