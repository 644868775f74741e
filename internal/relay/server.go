package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Server serves the live channel on /ws and the REST surface on /api.
type Server struct {
	cfg      *Config
	hub      *Hub
	store    *memStore
	verifier *Verifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a relay with empty state.
func NewServer(cfg *Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay")
	return &Server{
		cfg:      cfg,
		hub:      newHub(logger),
		store:    newMemStore(),
		verifier: NewVerifier(cfg.JWTSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Verifier returns the token verifier, which can also mint development tokens.
func (s *Server) Verifier() *Verifier {
	return s.verifier
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /api/conversations", s.auth(s.listConversations))
	mux.Handle("POST /api/conversations", s.auth(s.openConversation))
	mux.Handle("GET /api/conversations/{id}/messages", s.auth(s.listMessages))
	mux.Handle("POST /api/conversations/{id}/messages", s.auth(s.postMessage))

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// ListenAndServe serves until ctx is cancelled, then drops live connections
// and shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		srv:   s,
		conn:  conn,
		id:    uuid.NewString(),
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[int64]struct{}),
	}

	token, err := readHandshake(conn)
	if err == nil {
		c.user, err = s.verifier.Verify(token)
	}
	if err != nil {
		s.logger.Info("handshake rejected", zap.String("conn", c.id), zap.Error(err))
		_ = c.writeFrame(protocol.FrameAuthError, protocol.AuthErrorPayload{Message: err.Error()})
		c.close()
		return
	}
	c.user = s.store.seen(c.user)

	// Frames queued before the write pump starts follow the handshake answer.
	first := s.hub.add(c)
	if err := c.writeFrame(protocol.FrameAuthenticated, protocol.AuthenticatedPayload{UserID: c.user.ID}); err != nil {
		s.hub.remove(c)
		c.close()
		return
	}
	go c.writePump()
	s.logger.Info("client connected", zap.Int64("user_id", c.user.ID), zap.String("conn", c.id))

	for _, id := range s.hub.onlineUsers() {
		if id != c.user.ID {
			c.reply(protocol.FrameUserOnline, protocol.PresencePayload{UserID: id})
		}
	}
	if first {
		s.broadcast(c.user.ID, protocol.FrameUserOnline, protocol.PresencePayload{UserID: c.user.ID})
	}
	s.deliverPending(c.user.ID)

	c.readPump()

	if s.hub.remove(c) {
		s.broadcast(c.user.ID, protocol.FrameUserOffline, protocol.PresencePayload{UserID: c.user.ID})
	}
	c.close()
	s.logger.Info("client disconnected", zap.Int64("user_id", c.user.ID), zap.String("conn", c.id))
}

// post stores a message and fans it out to the recipient and to the sender's
// other connections. origin is the connection the message came from, if any.
func (s *Server) post(sender protocol.Participant, conversationID int64, content string, typ protocol.MessageType, replyTo int64, provisionalID string, origin *client) (protocol.Message, error) {
	msg, conv, err := s.store.appendMessage(conversationID, sender, content, typ, replyTo, provisionalID)
	if err != nil {
		return protocol.Message{}, err
	}
	frame, err := protocol.Encode(protocol.FrameNewMessage, protocol.NewMessagePayload{ConversationID: conv.ID, Message: msg})
	if err != nil {
		return protocol.Message{}, err
	}
	s.hub.sendTo(conv.Peer(sender.ID), frame, nil)
	s.hub.sendTo(sender.ID, frame, origin)
	return msg, nil
}

// confirmDelivery marks msg delivered when its recipient is online.
func (s *Server) confirmDelivery(msg protocol.Message) {
	conv, err := s.store.conversation(msg.ConversationID, msg.Sender.ID)
	if err != nil {
		return
	}
	recipient := conv.Peer(msg.Sender.ID)
	if !s.hub.online(recipient) {
		return
	}
	id, _ := msg.ID.ServerID()
	for _, changed := range s.store.advance(conv.ID, id, recipient, protocol.StatusDelivered) {
		s.relay(msg.Sender.ID, protocol.FrameMessageDelivered, protocol.ReceiptPayload{ConversationID: conv.ID, MessageID: changed})
	}
}

// deliverPending marks everything sent to userID while it was offline as
// delivered and notifies the senders.
func (s *Server) deliverPending(userID int64) {
	for _, conv := range s.store.conversationsOf(userID) {
		peer := conv.Peer(userID)
		for _, id := range s.store.advance(conv.ID, math.MaxInt64, userID, protocol.StatusDelivered) {
			s.relay(peer, protocol.FrameMessageDelivered, protocol.ReceiptPayload{ConversationID: conv.ID, MessageID: id})
		}
	}
}

func (s *Server) markRead(readerID, conversationID, messageID int64) error {
	conv, err := s.store.conversation(conversationID, readerID)
	if err != nil {
		return err
	}
	if changed := s.store.advance(conv.ID, messageID, readerID, protocol.StatusRead); len(changed) > 0 {
		s.relay(conv.Peer(readerID), protocol.FrameMessageRead, protocol.ReceiptPayload{
			ConversationID: conv.ID,
			MessageID:      messageID,
			ReaderID:       readerID,
		})
	}
	return nil
}

func (s *Server) relay(userID int64, frameType string, payload any) {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		s.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.hub.sendTo(userID, frame, nil)
}

func (s *Server) relayToRoom(userID, conversationID int64, frameType string, payload any) {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		s.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.hub.sendToRoom(userID, conversationID, frame)
}

func (s *Server) broadcast(except int64, frameType string, payload any) {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		s.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.hub.broadcastExcept(except, frame)
}

func (s *Server) auth(next func(http.ResponseWriter, *http.Request, protocol.Participant)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, s.store.seen(user))
	})
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request, user protocol.Participant) {
	convs := s.store.conversationsOf(user.ID)
	if convs == nil {
		convs = []protocol.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type openConversationRequest struct {
	ParticipantID int64 `json:"participant_id"`
}

func (s *Server) openConversation(w http.ResponseWriter, r *http.Request, user protocol.Participant) {
	var req openConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	conv, err := s.store.openConversation(user.ID, req.ParticipantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, user protocol.Participant) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	msgs, err := s.store.messagesOf(id, user.ID, max(offset, 0), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, user protocol.Participant) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req rest.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := s.post(user, id, req.Content, req.Type, req.ReplyToID, "", nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.confirmDelivery(msg)
	if st, ok := s.store.status(msg); ok {
		msg.Status = st
	}
	writeJSON(w, http.StatusCreated, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rest.Response[any]{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rest.Response[any]{Error: msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
