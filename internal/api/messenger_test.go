package api

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/ledger"
	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeConn struct {
	machine *status.Machine

	mu    sync.Mutex
	sent  []protocol.Command
	rooms []int64
}

func (c *fakeConn) State() status.State { return c.machine.Current() }
func (c *fakeConn) UserID() int64       { return 1 }

func (c *fakeConn) Connect(context.Context) error {
	if c.machine.Is(status.Connected) {
		return nil
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}
	return c.machine.Transition(status.Connected)
}

func (c *fakeConn) Disconnect() error {
	if c.machine.Is(status.Disconnected) {
		return nil
	}
	return c.machine.Transition(status.Disconnected)
}

func (c *fakeConn) Send(_ context.Context, cmd protocol.Command) error {
	if !c.machine.Is(status.Connected) {
		return transport.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Join(_ context.Context, id int64) error {
	if !c.machine.Is(status.Connected) {
		return transport.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, id)
	return nil
}

func (c *fakeConn) Leave(context.Context, int64) error { return nil }

func (c *fakeConn) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rooms)
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.sent {
		out = append(out, cmd.Type)
	}
	return out
}

type fakeFallback struct{}

func (fakeFallback) SendMessage(_ context.Context, conversationID int64, req rest.SendRequest) (*protocol.Message, error) {
	if req.Content == "reject" {
		return nil, &rest.APIError{Status: 403, Message: "not a participant"}
	}
	return &protocol.Message{
		ID:             protocol.Confirmed(900),
		ConversationID: conversationID,
		Sender:         protocol.Participant{ID: 1, DisplayName: "me"},
		Content:        req.Content,
		Type:           req.Type,
		Status:         protocol.StatusSent,
		CreatedAt:      time.Now(),
	}, nil
}

type self struct{}

func (self) Participant() protocol.Participant {
	return protocol.Participant{ID: 1, DisplayName: "me"}
}

type harness struct {
	client *Client
	conn   *fakeConn
	bus    *bus.Bus
	db     *store.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// Short path: unix socket paths are limited to ~104 bytes on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "msgsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	db, err := store.Open(filepath.Join(tmpDir, "msgsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := zap.NewDevelopment()
	b := bus.New(logger)
	machine := status.NewMachine(b)
	conn := &fakeConn{machine: machine}

	l := ledger.New(conn, fakeFallback{}, self{}, b, ledger.Options{}, logger)
	l.Start()
	t.Cleanup(l.Stop)
	tracker := presence.NewTracker(b, machine, nil, 0, logger)
	tracker.Start()
	t.Cleanup(tracker.Stop)
	typer := presence.NewTyper(conn, nil, 0, logger)
	t.Cleanup(typer.Close)

	svc := NewService(Deps{
		SessionName: "test",
		Conn:        conn,
		Ledger:      l,
		Tracker:     tracker,
		Typer:       typer,
		DB:          db,
		Bus:         b,
		Logger:      logger,
	})

	srv := grpc.NewServer()
	RegisterMessengerServer(srv, svc)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &harness{client: client, conn: conn, bus: b, db: db}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %v (%v), want %v", got, err, code)
	}
}

func TestStatusAndConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Session != "test" || st.State != string(status.Disconnected) {
		t.Errorf("status = %+v", st)
	}

	resp, err := h.client.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != string(status.Connected) {
		t.Errorf("state after connect = %q", resp.State)
	}

	resp, err = h.client.Disconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != string(status.Disconnected) {
		t.Errorf("state after disconnect = %q", resp.State)
	}
}

func TestSendLiveReturnsOptimistic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.client.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.client.Typing(ctx, &TypingRequest{ConversationID: 3}); err != nil {
		t.Fatal(err)
	}
	sent, err := h.client.Send(ctx, &SendRequest{ConversationID: 3, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !sent.Message.ID.IsOptimistic() {
		t.Errorf("live send returned %s, want an optimistic id", sent.Message.ID)
	}

	want := []string{protocol.FrameStartTyping, protocol.FrameSendMessage, protocol.FrameStopTyping}
	if got := h.conn.types(); !slices.Equal(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}

	list, err := h.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Messages) != 1 || list.Messages[0].ID != sent.Message.ID {
		t.Errorf("timeline = %+v", list.Messages)
	}
}

func TestSendFallbackWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent, err := h.client.Send(ctx, &SendRequest{ConversationID: 3, Content: "offline"})
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := sent.Message.ID.ServerID(); !ok || id != 900 {
		t.Errorf("fallback send returned %s, want 900", sent.Message.ID)
	}

	_, err = h.client.Send(ctx, &SendRequest{ConversationID: 3, Content: "reject"})
	wantCode(t, err, codes.InvalidArgument)

	_, err = h.client.Send(ctx, &SendRequest{ConversationID: 3})
	wantCode(t, err, codes.InvalidArgument)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Retry(ctx, &RetryRequest{ConversationID: 3, ID: protocol.Optimistic("nope")})
	wantCode(t, err, codes.NotFound)

	err = h.client.Join(ctx, 3)
	wantCode(t, err, codes.Unavailable)
}

func TestListMessagesFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var msgs []protocol.Message
	for i := int64(1); i <= 4; i++ {
		msgs = append(msgs, protocol.Message{
			ID:             protocol.Confirmed(i),
			ConversationID: 3,
			Sender:         protocol.Participant{ID: 2, DisplayName: "bob"},
			Content:        "message",
			Type:           protocol.TypeText,
			Status:         protocol.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := h.db.UpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	live, err := h.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(live.Messages) != 4 {
		t.Fatalf("seeded timeline has %d messages, want 4", len(live.Messages))
	}

	older, err := h.client.ListMessages(ctx, &ListMessagesRequest{
		ConversationID: 3,
		BeforeMs:       msgs[2].CreatedAt.UnixMilli(),
		Limit:          10,
	})
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, m := range older.Messages {
		id, _ := m.ID.ServerID()
		ids = append(ids, id)
	}
	if !slices.Equal(ids, []int64{1, 2}) {
		t.Errorf("older page = %v, want [1 2]", ids)
	}
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.db.UpsertMessage(&protocol.Message{
		ID:             protocol.Confirmed(7),
		ConversationID: 3,
		Sender:         protocol.Participant{ID: 2},
		Content:        "see you at the station",
		Type:           protocol.TypeText,
		Status:         protocol.StatusSent,
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := h.client.Search(ctx, &SearchRequest{Query: "station"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if id, _ := resp.Results[0].Message.ID.ServerID(); id != 7 {
		t.Errorf("hit id = %d, want 7", id)
	}
}

func TestPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	h.bus.Publish(bus.NewEvent(protocol.KindUserOnline, protocol.PresencePayload{UserID: 2}))
	h.bus.Publish(bus.NewEvent(protocol.KindTypingStarted, protocol.TypingPayload{ConversationID: 3, UserID: 2}))

	resp, err := h.client.Presence(ctx, &PresenceRequest{UserIDs: []int64{2, 5}, ConversationID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(resp.Online, []int64{2}) {
		t.Errorf("online = %v", resp.Online)
	}
	if !slices.Equal(resp.Typing, []int64{2}) {
		t.Errorf("typing = %v", resp.Typing)
	}
	want := []UserPresence{{UserID: 2, State: "online"}, {UserID: 5, State: "offline"}}
	if !slices.Equal(resp.Users, want) {
		t.Errorf("users = %+v, want %+v", resp.Users, want)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.Watch(ctx, "presence.")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered asynchronously on the server side.
	go func() {
		for ctx.Err() == nil {
			h.bus.Publish(bus.NewEvent(protocol.KindUserOnline, protocol.PresencePayload{UserID: 42}))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	evt, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != protocol.KindUserOnline || evt.Session != "test" || evt.EventID == "" {
		t.Errorf("event = %+v", evt)
	}
	var p protocol.PresencePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != 42 {
		t.Errorf("payload user = %d, want 42", p.UserID)
	}
}
