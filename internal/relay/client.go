package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msgsync/internal/protocol"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	readWait       = 90 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
)

// client is one live connection of an authenticated user.
type client struct {
	srv  *Server
	conn *websocket.Conn
	id   string
	user protocol.Participant
	send chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[int64]struct{}
}

// enqueue queues a frame without blocking. A client whose queue is full is
// disconnected. Caller holds the hub read lock.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.srv.logger.Warn("send buffer full, dropping connection", zap.Int64("user_id", c.user.ID), zap.String("conn", c.id))
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func (c *client) joined(conversationID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

func (c *client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// writeFrame writes directly, bypassing the queue. Only used before the
// write pump starts.
func (c *client) writeFrame(frameType string, payload any) error {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

// reply queues a frame for this connection only.
func (c *client) reply(frameType string, payload any) {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		c.srv.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	c.srv.hub.mu.RLock()
	defer c.srv.hub.mu.RUnlock()
	c.enqueue(data)
}

func (c *client) replyError(code string, err error) {
	c.reply(protocol.FrameError, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

func (c *client) writePump() {
	defer c.close()
	for frame := range c.send {
		if err := c.writeMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *client) readPump() {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("unexpected close", zap.Int64("user_id", c.user.ID), zap.Error(err))
			}
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.replyError("malformed_frame", err)
			continue
		}
		c.handle(env)
	}
}

func (c *client) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.FrameSendMessage:
		p, err := protocol.DecodePayload[protocol.SendMessagePayload](env)
		if err != nil {
			c.replyError("malformed_frame", err)
			return
		}
		msg, err := c.srv.post(c.user, p.ConversationID, p.Content, p.Type, p.ReplyToID, p.ProvisionalID, c)
		if err != nil {
			c.replyError(errorCode(err), err)
			return
		}
		c.reply(protocol.FrameMessageSent, protocol.MessageSentPayload{
			ConversationID: p.ConversationID,
			ProvisionalID:  p.ProvisionalID,
			Message:        msg,
		})
		c.srv.confirmDelivery(msg)

	case protocol.FrameMarkRead:
		p, err := protocol.DecodePayload[protocol.MarkReadPayload](env)
		if err != nil {
			c.replyError("malformed_frame", err)
			return
		}
		if err := c.srv.markRead(c.user.ID, p.ConversationID, p.MessageID); err != nil {
			c.replyError(errorCode(err), err)
		}

	case protocol.FrameJoin, protocol.FrameLeave:
		p, err := protocol.DecodePayload[protocol.ConversationRef](env)
		if err != nil {
			c.replyError("malformed_frame", err)
			return
		}
		if _, err := c.srv.store.conversation(p.ConversationID, c.user.ID); err != nil {
			c.replyError(errorCode(err), err)
			return
		}
		c.mu.Lock()
		if env.Type == protocol.FrameJoin {
			c.rooms[p.ConversationID] = struct{}{}
		} else {
			delete(c.rooms, p.ConversationID)
		}
		c.mu.Unlock()

	case protocol.FrameStartTyping, protocol.FrameStopTyping:
		p, err := protocol.DecodePayload[protocol.ConversationRef](env)
		if err != nil {
			c.replyError("malformed_frame", err)
			return
		}
		conv, err := c.srv.store.conversation(p.ConversationID, c.user.ID)
		if err != nil {
			c.replyError(errorCode(err), err)
			return
		}
		frameType := protocol.FrameUserTyping
		if env.Type == protocol.FrameStopTyping {
			frameType = protocol.FrameUserStoppedTyping
		}
		c.srv.relayToRoom(conv.Peer(c.user.ID), conv.ID, frameType, protocol.TypingPayload{ConversationID: conv.ID, UserID: c.user.ID})

	case protocol.FramePing:
		p, _ := protocol.DecodePayload[protocol.PingPayload](env)
		c.reply(protocol.FramePong, p)

	case protocol.FrameAuthenticate:
		c.replyError("already_authenticated", errors.New("connection is already authenticated"))

	default:
		c.replyError("unknown_frame", errors.New("unknown frame type "+env.Type))
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errNotFound):
		return "not_found"
	case errors.Is(err, errNotParticipant):
		return "forbidden"
	case errors.Is(err, errBadRequest):
		return "bad_request"
	}
	return "internal"
}

// readHandshake waits for the authenticate frame.
func readHandshake(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return "", err
	}
	if env.Type != protocol.FrameAuthenticate {
		return "", errors.New("expected authenticate, got " + env.Type)
	}
	var p protocol.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", err
	}
	return p.Token, nil
}
