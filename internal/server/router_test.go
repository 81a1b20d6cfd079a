package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duet-chat/duet-relay/internal/channel"
	"github.com/duet-chat/duet-relay/internal/directory"
	"github.com/duet-chat/duet-relay/internal/match"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/duet-chat/duet-relay/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type testRelay struct {
	url      string
	reg      *registry.Registry
	dir      *directory.Memory
	channels *channel.Manager
}

func TestRelayChatScenario(t *testing.T) {
	tr := startTestRouter(t, "alice", "bob")

	alice := dialClient(t, tr.url, "alice")
	bob := dialClient(t, tr.url, "bob")
	waitFor(t, func() bool { return tr.reg.Len() == 2 })

	sendFrame(t, alice, protocol.EventRequestRandomUser, nil)
	if peer := expectIdentity(t, alice, protocol.EventRandomUser); peer != "bob" {
		t.Fatalf("alice expected bob, got %q", peer)
	}
	if peer := expectIdentity(t, bob, protocol.EventRandomUser); peer != "alice" {
		t.Fatalf("bob expected alice, got %q", peer)
	}

	sendFrame(t, alice, protocol.EventJoinRoom, "bob")
	sendFrame(t, bob, protocol.EventJoinRoom, "alice")
	var readyA, readyB protocol.RoomReady
	decodeData(t, expectEvent(t, alice, protocol.EventRoomReady), &readyA)
	decodeData(t, expectEvent(t, bob, protocol.EventRoomReady), &readyB)
	if readyA.ChannelID == "" || readyA.ChannelID != readyB.ChannelID {
		t.Fatalf("expected a shared channel id, got %q and %q", readyA.ChannelID, readyB.ChannelID)
	}

	sendFrame(t, alice, protocol.EventMessage, map[string]string{"to": "bob", "content": "hi", "senderId": "mallory"})
	var msg protocol.MessageOut
	decodeData(t, expectEvent(t, bob, protocol.EventMessage), &msg)
	if msg.Content != "hi" || msg.SenderID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}

	// alice's next frame is the call, not an echo of her own message
	sendFrame(t, bob, protocol.EventCallUser, map[string]any{"to": "alice", "from": "bob", "signal": map[string]string{"type": "offer", "sdp": "x"}})
	var call protocol.IncomingCall
	decodeData(t, expectEvent(t, alice, protocol.EventIncomingCall), &call)
	if call.From != "bob" || len(call.Signal) == 0 {
		t.Fatalf("unexpected incoming call %+v", call)
	}

	sendFrame(t, alice, protocol.EventAnswerCall, map[string]any{"signal": map[string]string{"type": "answer", "sdp": "y"}})
	var answered protocol.CallAnswered
	decodeData(t, expectEvent(t, bob, protocol.EventCallAnswered), &answered)
	if answered.From != "alice" {
		t.Fatalf("unexpected answer %+v", answered)
	}

	sendFrame(t, alice, protocol.EventHeartbeat, map[string]int{"n": 1})
	expectEvent(t, alice, protocol.EventHeartbeat)
}

func TestLoneUserGetsNoUsers(t *testing.T) {
	tr := startTestRouter(t, "alice", "bob")

	alice := dialClient(t, tr.url, "alice")
	waitFor(t, func() bool { return tr.reg.Len() == 1 })

	sendFrame(t, alice, protocol.EventRequestRandomUser, nil)
	expectEvent(t, alice, protocol.EventNoUsers)

	conn, ok := tr.reg.Lookup("alice")
	if !ok || conn.State != registry.StateIdle {
		t.Fatalf("expected alice idle after failed match, got %+v", conn)
	}
}

func TestPeerDisconnectTearsDownChannel(t *testing.T) {
	tr := startTestRouter(t, "alice", "bob")

	alice := dialClient(t, tr.url, "alice")
	bob := dialClient(t, tr.url, "bob")
	waitFor(t, func() bool { return tr.reg.Len() == 2 })

	sendFrame(t, alice, protocol.EventRequestRandomUser, nil)
	expectEvent(t, alice, protocol.EventRandomUser)
	expectEvent(t, bob, protocol.EventRandomUser)
	sendFrame(t, alice, protocol.EventJoinRoom, "bob")
	sendFrame(t, bob, protocol.EventJoinRoom, "alice")
	expectEvent(t, alice, protocol.EventRoomReady)
	expectEvent(t, bob, protocol.EventRoomReady)

	_ = bob.Close()

	var left protocol.PeerLeft
	decodeData(t, expectEvent(t, alice, protocol.EventPeerLeft), &left)
	if left.Peer != "bob" || left.Reason != channel.ReasonDisconnected {
		t.Fatalf("unexpected peer_left %+v", left)
	}

	sendFrame(t, alice, protocol.EventMessage, map[string]string{"to": "bob", "content": "hello?"})
	if code := expectErrorCode(t, alice); code != protocol.CodeNotInChannel {
		t.Fatalf("expected NOT_IN_CHANNEL, got %s", code)
	}

	waitFor(t, func() bool {
		online, _ := tr.dir.FindOnlineExcept(context.Background(), "alice")
		return len(online) == 0
	})
}

func TestLeaveRoomNotifiesPeer(t *testing.T) {
	tr := startTestRouter(t, "alice", "bob")

	alice := dialClient(t, tr.url, "alice")
	bob := dialClient(t, tr.url, "bob")
	waitFor(t, func() bool { return tr.reg.Len() == 2 })

	sendFrame(t, bob, protocol.EventRequestRandomUser, nil)
	expectEvent(t, bob, protocol.EventRandomUser)
	expectEvent(t, alice, protocol.EventRandomUser)
	sendFrame(t, alice, protocol.EventJoinRoom, nil)
	sendFrame(t, bob, protocol.EventJoinRoom, nil)
	expectEvent(t, alice, protocol.EventRoomReady)
	expectEvent(t, bob, protocol.EventRoomReady)

	sendFrame(t, alice, protocol.EventLeaveRoom, nil)
	var left protocol.PeerLeft
	decodeData(t, expectEvent(t, bob, protocol.EventPeerLeft), &left)
	if left.Reason != channel.ReasonLeft {
		t.Fatalf("expected reason left, got %q", left.Reason)
	}

	sendFrame(t, alice, protocol.EventLeaveRoom, nil)
	if code := expectErrorCode(t, alice); code != protocol.CodeNotInChannel {
		t.Fatalf("expected NOT_IN_CHANNEL on second leave, got %s", code)
	}
}

func TestConnectRejections(t *testing.T) {
	tr := startTestRouter(t, "alice")

	cases := []struct {
		name     string
		identity string
		code     string
	}{
		{name: "missing identity", identity: "", code: protocol.CodeInvalidIdentity},
		{name: "unknown user", identity: "mallory", code: protocol.CodeUnknownUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialClient(t, tr.url, tc.identity)
			if code := expectErrorCode(t, conn); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
			expectClosed(t, conn)
		})
	}
}

func TestDuplicateIdentityKeepsFirstSession(t *testing.T) {
	tr := startTestRouter(t, "alice")

	first := dialClient(t, tr.url, "alice")
	waitFor(t, func() bool { return tr.reg.Len() == 1 })

	second := dialClient(t, tr.url, "alice")
	if code := expectErrorCode(t, second); code != protocol.CodeDuplicateIdentity {
		t.Fatalf("expected DUPLICATE_IDENTITY, got %s", code)
	}
	expectClosed(t, second)

	sendFrame(t, first, protocol.EventHeartbeat, "ping")
	expectEvent(t, first, protocol.EventHeartbeat)
	if tr.reg.Len() != 1 {
		t.Fatalf("expected the first session to stay registered")
	}
}

func TestInvalidFramesKeepSessionOpen(t *testing.T) {
	tr := startTestRouter(t, "alice")

	alice := dialClient(t, tr.url, "alice")
	waitFor(t, func() bool { return tr.reg.Len() == 1 })

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := expectErrorCode(t, alice); code != protocol.CodeInvalidFrame {
		t.Fatalf("expected INVALID_FRAME, got %s", code)
	}

	sendFrame(t, alice, "teleport", nil)
	if code := expectErrorCode(t, alice); code != protocol.CodeInvalidFrame {
		t.Fatalf("expected INVALID_FRAME for unknown event, got %s", code)
	}

	sendFrame(t, alice, protocol.EventMessage, map[string]string{"content": strings.Repeat("x", protocol.MaxContentBytes+1)})
	if code := expectErrorCode(t, alice); code != protocol.CodeInvalidFrame {
		t.Fatalf("expected INVALID_FRAME for oversized content, got %s", code)
	}

	sendFrame(t, alice, protocol.EventJoinRoom, "bob")
	if code := expectErrorCode(t, alice); code != protocol.CodeNotInChannel {
		t.Fatalf("expected NOT_IN_CHANNEL for join without pairing, got %s", code)
	}
}

func startTestRouter(t *testing.T, users ...string) testRelay {
	t.Helper()
	return startRouterWith(t, routerSetup{users: users})
}

// routerSetup overrides pieces of the default test relay.
type routerSetup struct {
	users   []string
	wrapDir func(directory.Directory) directory.Directory
	picker  match.Picker
	metrics *relayMetrics
	session sessionOptions
}

func startRouterWith(t *testing.T, setup routerSetup) testRelay {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := registry.New()
	mem := directory.NewMemory(false, setup.users...)
	var dir directory.Directory = mem
	if setup.wrapDir != nil {
		dir = setup.wrapDir(mem)
	}
	if setup.picker == nil {
		setup.picker = match.NewUniformPicker(1)
	}
	opts := sessionOptions{
		SendBuffer:      32,
		PongWait:        5 * time.Second,
		WriteWait:       time.Second,
		MaxMessageBytes: 1 << 16,
	}
	if setup.session.EventsPerSecond > 0 {
		opts.EventsPerSecond = setup.session.EventsPerSecond
		opts.EventBurst = setup.session.EventBurst
	}

	channels := channel.NewManager(reg, channel.Options{Log: log})
	matcher := match.New(reg, dir, channels, match.Options{Log: log, Picker: setup.picker})
	dispatcher := relay.NewDispatcher(reg, channels, relay.Options{Log: log})
	router := NewRouter(log, reg, dir, channels, matcher, dispatcher, RouterOptions{
		Metrics: setup.metrics,
		Session: opts,
	})

	// handlers log through t, so they must finish before the test does
	var active sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active.Add(1)
		defer active.Done()
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		active.Wait()
	})
	return testRelay{url: "ws" + strings.TrimPrefix(srv.URL, "http"), reg: reg, dir: mem, channels: channels}
}

func dialClient(t *testing.T, base, identity string) *websocket.Conn {
	t.Helper()
	target := base
	if identity != "" {
		target += "?userId=" + url.QueryEscape(identity)
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func recvFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame clientFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("recv: %v", err)
	}
	return frame
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, frame.Event, frame.Data)
	}
	return frame.Data
}

func expectIdentity(t *testing.T, conn *websocket.Conn, event string) string {
	t.Helper()
	var id string
	decodeData(t, expectEvent(t, conn, event), &id)
	return id
}

func expectErrorCode(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var body protocol.ErrorBody
	decodeData(t, expectEvent(t, conn, protocol.EventError), &body)
	return body.Code
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
			return
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("expected the relay to close the socket")
		}
		return
	}
}

func decodeData(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
