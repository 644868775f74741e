package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/rest"
	"go.uber.org/zap"
)

const testSecret = "relay-test-secret"

type testRelay struct {
	srv  *Server
	http *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	srv := NewServer(&Config{JWTSecret: testSecret}, logger)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.closeAll()
		hs.Close()
	})
	return &testRelay{srv: srv, http: hs}
}

func (r *testRelay) token(t *testing.T, id int64, name string) string {
	t.Helper()
	token, err := r.srv.Verifier().Issue(protocol.Participant{ID: id, DisplayName: name}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

type peer struct {
	conn *websocket.Conn
}

func (r *testRelay) dial(t *testing.T, token string) (*peer, protocol.Envelope) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	p := &peer{conn: conn}
	p.send(t, protocol.Authenticate(token))
	return p, p.read(t)
}

func (r *testRelay) connect(t *testing.T, id int64, name string) *peer {
	t.Helper()
	p, env := r.dial(t, r.token(t, id, name))
	if env.Type != protocol.FrameAuthenticated {
		t.Fatalf("handshake answered %q, want authenticated", env.Type)
	}
	return p
}

func (p *peer) send(t *testing.T, cmd protocol.Command) {
	t.Helper()
	data, err := cmd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) read(t *testing.T) protocol.Envelope {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// expect reads frames until one of frameType arrives.
func expect[T any](t *testing.T, p *peer, frameType string) T {
	t.Helper()
	for range 20 {
		env := p.read(t)
		if env.Type != frameType {
			continue
		}
		v, err := protocol.DecodePayload[T](env)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	t.Fatalf("no %s frame received", frameType)
	var zero T
	return zero
}

func (r *testRelay) do(t *testing.T, method, path, token string, body any) (*http.Response, rest.Response[json.RawMessage]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, r.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env rest.Response[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return resp, env
}

func (r *testRelay) openConversation(t *testing.T, token string, with int64) protocol.Conversation {
	t.Helper()
	resp, env := r.do(t, http.MethodPost, "/api/conversations", token, openConversationRequest{ParticipantID: with})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open conversation status = %d (%s)", resp.StatusCode, env.Error)
	}
	var conv protocol.Conversation
	if err := json.Unmarshal(env.Data, &conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	r := newTestRelay(t)

	other := NewVerifier("another-secret")
	forged, err := other.Issue(protocol.Participant{ID: 1}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for name, token := range map[string]string{"garbage": "not-a-jwt", "wrong secret": forged} {
		t.Run(name, func(t *testing.T) {
			_, env := r.dial(t, token)
			if env.Type != protocol.FrameAuthError {
				t.Fatalf("frame = %q, want auth_error", env.Type)
			}
		})
	}
}

func TestPresenceBroadcast(t *testing.T) {
	r := newTestRelay(t)

	alice := r.connect(t, 1, "alice")
	bob := r.connect(t, 2, "bob")

	if p := expect[protocol.PresencePayload](t, alice, protocol.FrameUserOnline); p.UserID != 2 {
		t.Errorf("alice saw %d online, want 2", p.UserID)
	}
	if p := expect[protocol.PresencePayload](t, bob, protocol.FrameUserOnline); p.UserID != 1 {
		t.Errorf("bob saw %d online, want 1", p.UserID)
	}

	_ = bob.conn.Close()
	if p := expect[protocol.PresencePayload](t, alice, protocol.FrameUserOffline); p.UserID != 2 {
		t.Errorf("alice saw %d offline, want 2", p.UserID)
	}
}

func TestSendMessageFlow(t *testing.T) {
	r := newTestRelay(t)
	aliceToken := r.token(t, 1, "alice")
	conv := r.openConversation(t, aliceToken, 2)

	alice := r.connect(t, 1, "alice")
	bob := r.connect(t, 2, "bob")

	alice.send(t, protocol.SendMessage(protocol.SendMessagePayload{
		ConversationID: conv.ID,
		Content:        "hi bob",
		ProvisionalID:  "p-1",
	}))

	ack := expect[protocol.MessageSentPayload](t, alice, protocol.FrameMessageSent)
	if ack.ProvisionalID != "p-1" || ack.Message.Content != "hi bob" {
		t.Errorf("ack = %+v", ack)
	}
	id, ok := ack.Message.ID.ServerID()
	if !ok {
		t.Fatalf("ack carries non-server id %s", ack.Message.ID)
	}

	got := expect[protocol.NewMessagePayload](t, bob, protocol.FrameNewMessage)
	if got.Message.ID != ack.Message.ID || got.Message.Sender.DisplayName != "alice" {
		t.Errorf("bob received %+v", got.Message)
	}

	if d := expect[protocol.ReceiptPayload](t, alice, protocol.FrameMessageDelivered); d.MessageID != id {
		t.Errorf("delivered %d, want %d", d.MessageID, id)
	}

	bob.send(t, protocol.MarkRead(conv.ID, id))
	read := expect[protocol.ReceiptPayload](t, alice, protocol.FrameMessageRead)
	if read.MessageID != id || read.ReaderID != 2 {
		t.Errorf("read receipt = %+v", read)
	}

	history, err := rest.New(r.http.URL, staticToken(aliceToken), nil, zap.NewNop()).ListMessages(t.Context(), conv.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ProvisionalID != "p-1" {
		t.Errorf("history = %+v, want one message echoing p-1", history)
	}
}

func TestSendToForeignConversation(t *testing.T) {
	r := newTestRelay(t)
	conv := r.openConversation(t, r.token(t, 1, "alice"), 2)

	eve := r.connect(t, 3, "eve")
	eve.send(t, protocol.SendMessage(protocol.SendMessagePayload{ConversationID: conv.ID, Content: "hi", ProvisionalID: "x"}))
	if e := expect[protocol.ErrorPayload](t, eve, protocol.FrameError); e.Code != "forbidden" {
		t.Errorf("error code = %q, want forbidden", e.Code)
	}
}

func TestTypingRelayedToJoinedRoom(t *testing.T) {
	r := newTestRelay(t)
	conv := r.openConversation(t, r.token(t, 1, "alice"), 2)

	alice := r.connect(t, 1, "alice")
	bob := r.connect(t, 2, "bob")
	expect[protocol.PresencePayload](t, bob, protocol.FrameUserOnline)

	bob.send(t, protocol.JoinConversation(conv.ID))
	// The ping round trip orders the join before alice types.
	bob.send(t, protocol.Ping("sync"))
	if p := expect[protocol.PingPayload](t, bob, protocol.FramePong); p.RequestID != "sync" {
		t.Fatalf("pong = %+v", p)
	}

	alice.send(t, protocol.StartTyping(conv.ID))
	if p := expect[protocol.TypingPayload](t, bob, protocol.FrameUserTyping); p.UserID != 1 || p.ConversationID != conv.ID {
		t.Errorf("typing = %+v", p)
	}
	alice.send(t, protocol.StopTyping(conv.ID))
	expect[protocol.TypingPayload](t, bob, protocol.FrameUserStoppedTyping)
}

func TestRESTSurface(t *testing.T) {
	r := newTestRelay(t)
	aliceToken := r.token(t, 1, "alice")
	bobToken := r.token(t, 2, "bob")
	conv := r.openConversation(t, aliceToken, 2)

	resp, env := r.do(t, http.MethodGet, "/api/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Success {
		t.Fatalf("unauthenticated status = %d, success = %v", resp.StatusCode, env.Success)
	}

	for _, content := range []string{"one", "two", "three"} {
		resp, env := r.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), aliceToken, rest.SendRequest{Content: content})
		if resp.StatusCode != http.StatusCreated || !env.Success {
			t.Fatalf("post status = %d (%s)", resp.StatusCode, env.Error)
		}
	}

	resp, env = r.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?limit=2", conv.ID), bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d (%s)", resp.StatusCode, env.Error)
	}
	var msgs []protocol.Message
	if err := json.Unmarshal(env.Data, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "three" || msgs[1].Content != "two" {
		t.Errorf("page = %+v", msgs)
	}

	resp, env = r.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conversations status = %d", resp.StatusCode)
	}
	var convs []protocol.Conversation
	if err := json.Unmarshal(env.Data, &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != conv.ID || convs[0].OtherParticipant.DisplayName != "alice" || convs[0].UnreadCount != 3 {
		t.Errorf("conversations = %+v", convs)
	}

	resp, _ = r.do(t, http.MethodGet, "/api/conversations/99/messages", bobToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestRESTClientAgainstRelay(t *testing.T) {
	r := newTestRelay(t)
	token := r.token(t, 1, "alice")
	conv := r.openConversation(t, token, 2)

	c := rest.New(r.http.URL, staticToken(token), nil, zap.NewNop())
	msg, err := c.SendMessage(t.Context(), conv.ID, rest.SendRequest{Content: "via rest"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID.IsOptimistic() || msg.Content != "via rest" {
		t.Errorf("message = %+v", msg)
	}

	_, err = c.SendMessage(t.Context(), 42, rest.SendRequest{Content: "nowhere"})
	var apiErr *rest.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }
