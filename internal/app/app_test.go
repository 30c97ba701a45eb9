package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/broker"
	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/pkg/client"
)

const hookSecret = "hook-secret"

func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	tokens := `{"tok-alice":"alice","tok-bob":"bob"}`
	if err := os.WriteFile(filepath.Join(dir, "tokens.json"), []byte(tokens), 0o600); err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashSecret(hookSecret)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Storage.DBPath = "agora.db"
	cfg.Hooks.SecretHash = hash
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, dir string, hub *broker.Hub) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, Options{Dir: dir, Cfg: cfg, Hub: hub})
	if err != nil {
		cancel()
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		s.Close()
	})
	if err := WaitTCP(ln.Addr().String(), 3*time.Second); err != nil {
		t.Fatal(err)
	}
	return s, "http://" + ln.Addr().String()
}

func login(t *testing.T, base, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+proto.WSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if err := ws.WriteJSON(proto.Command{Type: proto.CmdAuth, Token: token}); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, ws, proto.FrameAuthSuccess)
	return ws
}

func expectFrame(t *testing.T, ws *websocket.Conn, want proto.FrameType) proto.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f proto.Frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if f.Type == want {
			return f
		}
	}
}

func do(t *testing.T, method, url, secret string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if secret != "" {
		req.Header.Set(proto.HookHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Server.NodeID = "node-health"
	_, base := newTestServer(t, cfg, dir, nil)

	resp, body := do(t, http.MethodGet, base+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["node_id"] != "node-health" {
		t.Fatalf("health = %d %+v", resp.StatusCode, body)
	}
	if _, ok := body["broker"]; ok {
		t.Fatal("single node should not report a broker")
	}
}

func TestHooks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	_, base := newTestServer(t, cfg, dir, nil)

	alice := login(t, base, "tok-alice")
	bob := login(t, base, "tok-bob")

	evt := map[string]any{
		"type":    "live_update",
		"target":  map[string]string{"kind": "user", "id": "alice"},
		"payload": map[string]any{"thread": "t1", "replies": 3},
	}
	if resp, _ := do(t, http.MethodPost, base+"/api/events", "", evt); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no secret: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, base+"/api/events", "wrong", evt); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, base+"/api/events", hookSecret, evt)
	if resp.StatusCode != http.StatusAccepted || body["id"] == "" {
		t.Fatalf("publish = %d %+v", resp.StatusCode, body)
	}
	if f := expectFrame(t, alice, proto.FrameLiveUpdate); f.ID != body["id"] || f.Data["thread"] != "t1" {
		t.Fatalf("live_update = %+v", f)
	}

	chat := map[string]any{"type": "chat_message", "target": map[string]string{"kind": "user", "id": "alice"}}
	if resp, body := do(t, http.MethodPost, base+"/api/events", hookSecret, chat); resp.StatusCode != http.StatusBadRequest || body["code"] != "invalid_argument" {
		t.Fatalf("chat via hook = %d %+v", resp.StatusCode, body)
	}

	for _, u := range []string{"alice", "bob"} {
		if resp, _ := do(t, http.MethodPut, base+"/api/rooms/thread-9/subscribers/"+u, hookSecret, nil); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("subscribe %s: %d", u, resp.StatusCode)
		}
	}
	resp, body = do(t, http.MethodPost, base+"/api/rooms/thread-9/notify", hookSecret, map[string]any{
		"type": "reply", "data": map[string]any{"post": "p1"}, "except_user": "alice",
	})
	if resp.StatusCode != http.StatusAccepted || body["notified"] != float64(1) {
		t.Fatalf("notify = %d %+v", resp.StatusCode, body)
	}
	f := expectFrame(t, bob, proto.FrameNotification)
	id, _ := f.Data["notification_id"].(string)
	if id == "" || f.Data["room"] != "thread-9" {
		t.Fatalf("notification = %+v", f.Data)
	}

	resp, body = do(t, http.MethodGet, base+"/api/users/bob/notifications?unread=1", hookSecret, nil)
	if list, _ := body["notifications"].([]any); resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("notifications = %d %+v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, base+"/api/presence/online?limit=10", hookSecret, nil)
	if users, _ := body["users"].([]any); resp.StatusCode != http.StatusOK || len(users) != 2 {
		t.Fatalf("online = %d %+v", resp.StatusCode, body)
	}

	if resp, body := do(t, http.MethodGet, base+"/api/calls/nope", hookSecret, nil); resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("unknown call = %d %+v", resp.StatusCode, body)
	}
}

func TestHooksDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Hooks.SecretHash = ""
	s, err := New(context.Background(), Options{Dir: dir, Cfg: cfg})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/presence/online", hookSecret, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disabled hooks: %d", resp.StatusCode)
	}
}

func TestTypingAcrossNodes(t *testing.T) {
	hub := broker.NewHub()

	dirA, dirB := t.TempDir(), t.TempDir()
	cfgA, cfgB := testConfig(t, dirA), testConfig(t, dirB)
	cfgA.Server.NodeID, cfgB.Server.NodeID = "node-a", "node-b"
	cfgA.Broker.Kind, cfgB.Broker.Kind = config.BrokerMemory, config.BrokerMemory

	_, baseA := newTestServer(t, cfgA, dirA, hub)
	_, baseB := newTestServer(t, cfgB, dirB, hub)

	deadline := time.Now().Add(3 * time.Second)
	for hub.Subscribers() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("bridges did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	alice := login(t, baseA, "tok-alice")
	bob := login(t, baseB, "tok-bob")
	for _, ws := range []*websocket.Conn{alice, bob} {
		if err := ws.WriteJSON(proto.Command{Type: proto.CmdJoinRoom, Room: "thread-1"}); err != nil {
			t.Fatal(err)
		}
		expectFrame(t, ws, proto.FrameRoomJoined)
	}

	if err := alice.WriteJSON(proto.Command{Type: proto.CmdTyping, Room: "thread-1"}); err != nil {
		t.Fatal(err)
	}
	f := expectFrame(t, bob, proto.FrameTyping)
	if f.Room != "thread-1" || f.Data["user"] != "alice" {
		t.Fatalf("typing across nodes = %+v", f)
	}

	// Presence from node A reaches node B too.
	if err := alice.WriteJSON(proto.Command{Type: proto.CmdPresence, Status: "away"}); err != nil {
		t.Fatal(err)
	}
	for {
		f := expectFrame(t, bob, proto.FramePresenceUpdate)
		if f.Data["user"] == "alice" && f.Data["status"] == "away" {
			break
		}
	}
}

func TestClientManagerSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	_, base := newTestServer(t, cfg, dir, nil)

	var mu sync.Mutex
	var frames []proto.Frame
	m, err := client.New(client.Config{
		URL:   "ws" + strings.TrimPrefix(base, "http") + proto.WSPath,
		Token: "tok-alice",
		OnEvent: func(e client.Event) {
			if e.Kind != client.EventFrame {
				return
			}
			mu.Lock()
			frames = append(frames, e.Frame)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Start(context.Background())
	t.Cleanup(func() { m.Close() })

	seen := func(ft proto.FrameType) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range frames {
			if f.Type == ft {
				return true
			}
		}
		return false
	}
	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor("connected", func() bool { return m.State() == client.StateConnected })
	if m.User() != "alice" {
		t.Fatalf("user = %q", m.User())
	}
	if err := m.Join(context.Background(), "lobby"); err != nil {
		t.Fatal(err)
	}
	waitFor("room_joined", func() bool { return seen(proto.FrameRoomJoined) })

	bob := login(t, base, "tok-bob")
	if err := bob.WriteJSON(proto.Command{Type: proto.CmdJoinRoom, Room: "lobby"}); err != nil {
		t.Fatal(err)
	}
	expectFrame(t, bob, proto.FrameRoomJoined)
	if err := bob.WriteJSON(proto.Command{Type: proto.CmdMessage, Room: "lobby", Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	waitFor("message", func() bool { return seen(proto.FrameMessage) })
	if n := m.Unread("lobby"); n != 1 {
		t.Fatalf("unread = %d", n)
	}
	if m.LastEventID() == "" {
		t.Fatal("last event id not tracked")
	}
}
