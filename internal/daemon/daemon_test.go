package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/matheus3301/msgsync/internal/relay"
	"github.com/matheus3301/msgsync/internal/rest"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/matheus3301/msgsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type testEnv struct {
	relay *relay.Server
	http  *httptest.Server
	home  string
}

// newTestEnv points MSGSYNC_HOME at a short temp dir and starts a relay.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	home, err := os.MkdirTemp("/tmp", "msgsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(session.HomeEnv, home)
	t.Setenv(session.TokenEnv, "")

	logger, _ := zap.NewDevelopment()
	rl := relay.NewServer(&relay.Config{JWTSecret: "daemon-test"}, logger)
	hs := httptest.NewServer(rl.Handler())
	t.Cleanup(hs.Close)

	cfg := config.Default()
	cfg.Server.WSURL = "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	cfg.Server.APIURL = hs.URL
	cfg.Reconnect.BaseDelay = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Log.Level = "debug"
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	return &testEnv{relay: rl, http: hs, home: home}
}

func (e *testEnv) token(t *testing.T, id int64, name string) string {
	t.Helper()
	token, err := e.relay.Verifier().Issue(protocol.Participant{ID: id, DisplayName: name}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) openConversation(t *testing.T, token string, with int64) protocol.Conversation {
	t.Helper()
	body, _ := json.Marshal(map[string]int64{"participant_id": with})
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env rest.Response[protocol.Conversation]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if !env.Success {
		t.Fatalf("open conversation: %s", env.Error)
	}
	return env.Data
}

func startDaemon(t *testing.T, p Params) *api.Client {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			t.Errorf("stop daemon: %v", err)
		}
	})

	client, err := api.Dial(session.SocketPath(p.SessionName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDaemonEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.token(t, 1, "alice")
	bobToken := env.token(t, 2, "bob")
	conv := env.openConversation(t, aliceToken, 2)
	if err := session.SaveToken("test", aliceToken); err != nil {
		t.Fatal(err)
	}

	client := startDaemon(t, Params{SessionName: "test"})
	ctx := context.Background()

	waitFor(t, "connected", func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.State == string(status.Connected)
	})
	waitFor(t, "conversation backfill", func() bool {
		resp, err := client.ListConversations(ctx)
		return err == nil && len(resp.Conversations) == 1
	})

	sent, err := client.Send(ctx, &api.SendRequest{ConversationID: conv.ID, Content: "hello bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !sent.Message.ID.IsOptimistic() {
		t.Fatalf("live send returned %s, want an optimistic id", sent.Message.ID)
	}

	waitFor(t, "optimistic message resolved", func() bool {
		resp, err := client.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: conv.ID})
		if err != nil || len(resp.Messages) != 1 {
			return false
		}
		return !resp.Messages[0].ID.IsOptimistic() && resp.Messages[0].Content == "hello bob"
	})
	waitFor(t, "message persisted", func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.MessageCount == 1 && st.PendingSends == 0
	})

	// The relay holds exactly one copy, visible to the recipient.
	bobREST := rest.New(env.http.URL, staticToken(bobToken), nil, nil)
	msgs, err := bobREST.ListMessages(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello bob" {
		t.Errorf("relay messages = %+v", msgs)
	}

	search, err := client.Search(ctx, &api.SearchRequest{Query: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(search.Results) != 1 {
		t.Errorf("search results = %d, want 1", len(search.Results))
	}

	resp, err := client.Disconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != string(status.Disconnected) {
		t.Errorf("state after disconnect = %q", resp.State)
	}

	// Offline sends go through REST and come back confirmed.
	offline, err := client.Send(ctx, &api.SendRequest{ConversationID: conv.ID, Content: "still there?"})
	if err != nil {
		t.Fatal(err)
	}
	if offline.Message.ID.IsOptimistic() {
		t.Errorf("offline send returned %s, want a server id", offline.Message.ID)
	}
}

func TestDaemonReceivesMessages(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.token(t, 1, "alice")
	conv := env.openConversation(t, aliceToken, 2)
	if err := session.SaveToken("test", env.token(t, 2, "bob")); err != nil {
		t.Fatal(err)
	}

	client := startDaemon(t, Params{SessionName: "test"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	waitFor(t, "connected", func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.State == string(status.Connected)
	})

	events, err := client.Watch(ctx, "message.")
	if err != nil {
		t.Fatal(err)
	}

	alice := rest.New(env.http.URL, staticToken(aliceToken), nil, nil)
	// Keep posting until the watch subscription is live on the daemon side.
	var posted int
	go func() {
		for ctx.Err() == nil && posted < 50 {
			if _, err := alice.SendMessage(ctx, conv.ID, rest.SendRequest{Content: fmt.Sprintf("ping %d", posted)}); err == nil {
				posted++
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	for {
		evt, err := events.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if evt.Kind != protocol.KindNewMessage {
			continue
		}
		var p protocol.NewMessagePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.ConversationID != conv.ID || p.Message.Sender.ID != 1 {
			t.Errorf("new message = %+v", p)
		}
		break
	}
	cancel()
}

func TestDaemonFailsWithoutIdentity(t *testing.T) {
	newTestEnv(t)

	app := fx.New(Module(Params{SessionName: "test"}), fx.NopLogger)
	err := app.Err()
	if err == nil {
		t.Fatal("daemon built without an access token")
	}
	if !strings.Contains(err.Error(), "no access token") {
		t.Errorf("error = %v, want missing token", err)
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "msgsync-srv-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	if err := os.WriteFile(socketPath, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, logger, api.NewService(api.Deps{Logger: logger}))
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("mode = %v, want a socket", info.Mode())
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	go func() { _ = srv.Start() }()
	time.Sleep(50 * time.Millisecond)
	srv.Stop(context.Background())

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }
