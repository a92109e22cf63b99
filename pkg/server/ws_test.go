package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialTest(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/logux"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func authOverWire(t *testing.T, conn *websocket.Conn, nodeID, token string) {
	t.Helper()
	if err := conn.WriteJSON(clientMessage{Type: "auth", NodeID: nodeID, Token: token}); err != nil {
		t.Fatalf("auth write failed: %v", err)
	}
	if msg := readServerMessage(t, conn); msg.Type != "authenticated" {
		t.Fatalf("auth reply = %+v, want authenticated", msg)
	}
}

func TestWebSocketActionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	if err := s.Type("RENAME", TypeCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTest(t, ts)
	authOverWire(t, conn, "10:aaa:bbb", "")

	err := conn.WriteJSON(clientMessage{
		Type:   "action",
		Action: protocol.Action{"type": "RENAME", "name": "x"},
		Meta:   &protocol.Meta{ID: protocol.ID{Time: 1, NodeID: "10:aaa:bbb"}, Time: 1},
	})
	if err != nil {
		t.Fatalf("action write failed: %v", err)
	}

	msg := readServerMessage(t, conn)
	if msg.Type != "action" || msg.Action.Type() != protocol.TypeProcessed {
		t.Fatalf("reply = %+v, want a logux/processed action", msg)
	}
	if msg.Action.String("id") != "1 10:aaa:bbb 0" {
		t.Errorf("ack id = %q", msg.Action.String("id"))
	}
}

func TestWebSocketBroadcastBetweenClients(t *testing.T) {
	s := newTestServer(t)
	if err := s.Channel("feed", ChannelCallbacks{Access: allowAll}); err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if err := s.Type("POST", TypeCallbacks{
		Access: allowAll,
		Resend: func(ctx *Context, a protocol.Action, m *protocol.Meta) (protocol.Resend, error) {
			return protocol.Resend{Channels: []string{"feed"}}, nil
		},
	}); err != nil {
		t.Fatalf("Type failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sub := dialTest(t, ts)
	authOverWire(t, sub, "10:aaa:bbb", "")
	if err := sub.WriteJSON(clientMessage{Type: "action", Action: protocol.Subscribe("feed")}); err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}
	if msg := readServerMessage(t, sub); msg.Action.Type() != protocol.TypeProcessed {
		t.Fatalf("subscribe ack = %+v", msg)
	}

	pub := dialTest(t, ts)
	authOverWire(t, pub, "20:ccc:ddd", "")
	if err := pub.WriteJSON(clientMessage{Type: "action", Action: protocol.Action{"type": "POST", "text": "hi"}}); err != nil {
		t.Fatalf("post write failed: %v", err)
	}

	msg := readServerMessage(t, sub)
	if msg.Action.Type() != "POST" || msg.Action.String("text") != "hi" {
		t.Fatalf("subscriber got %+v, want the POST action", msg)
	}
}

func TestWebSocketRejectsWrongCredentials(t *testing.T) {
	s := New(&Config{NodeID: "server:test", Logger: testLogger(), Reporter: NopReporter{}})
	s.Auth(func(ctx context.Context, req AuthRequest) (bool, error) {
		return req.Token == "secret", nil
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTest(t, ts)
	if err := conn.WriteJSON(clientMessage{Type: "auth", NodeID: "10:aaa:bbb", Token: "nope"}); err != nil {
		t.Fatalf("auth write failed: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "error" || msg.Error != "wrong credentials" {
		t.Fatalf("reply = %+v, want wrong credentials error", msg)
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", s.ClientCount())
	}
}

func TestWebSocketFirstMessageMustBeAuth(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTest(t, ts)
	if err := conn.WriteJSON(clientMessage{Type: "action", Action: protocol.Action{"type": "RENAME"}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "error" {
		t.Fatalf("reply = %+v, want error", msg)
	}
}

func TestWebSocketPing(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTest(t, ts)
	authOverWire(t, conn, "10:aaa:bbb", "")

	if err := conn.WriteJSON(clientMessage{Type: "ping"}); err != nil {
		t.Fatalf("ping write failed: %v", err)
	}
	if msg := readServerMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("reply = %+v, want pong", msg)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}
