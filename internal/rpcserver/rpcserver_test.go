package rpcserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acp-bridge/acp-bridge/internal/broker"
	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/session"
	"github.com/acp-bridge/acp-bridge/internal/store"
)

const handshakeScript = `
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":1,"result":{}}'
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":2,"result":{"sessionId":"agent-sess-1"}}'
cat >/dev/null
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, agentCommand string) (*httptest.Server, *session.Manager) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := session.DefaultConfig()
	cfg.AgentCommand = agentCommand
	cfg.DefaultCwd = t.TempDir()
	cfg.HandshakeTimeout = 3 * time.Second

	mgr := session.NewManager(cfg, st, registry.New(), broker.New(testLogger()), testLogger())
	t.Cleanup(mgr.CloseAll)

	srv := New(mgr, testLogger())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return ts, mgr
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id int, method string, params any) {
	t.Helper()
	msg := protocol.Request(protocol.NewIntID(int64(id)), method, params)
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// readUntil reads frames until match returns true, failing the test if none
// arrives within the timeout. Returns the matching message.
func readUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestServer_SessionNewThenGet(t *testing.T) {
	ts, _ := newTestServer(t, handshakeScript)
	conn := dial(t, ts)

	sendRequest(t, conn, 1, "session/new", protocol.SessionNewParams{Title: "hello"})
	reply := readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		n, ok := m.ID.AsInt64()
		return ok && n == 1 && m.Result != nil
	})
	var newResult protocol.SessionNewResult
	if err := json.Unmarshal(reply.Result, &newResult); err != nil {
		t.Fatalf("unmarshal session/new result: %v", err)
	}
	if newResult.SessionID == "" {
		t.Fatal("expected non-empty sessionId")
	}

	// The client auto-subscribed on session/new; wait for the running
	// status_changed notification to arrive without polling.
	readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		if m.Method != "session/status_changed" {
			return false
		}
		var n protocol.SessionStatusChangedNotif
		if err := json.Unmarshal(m.Params, &n); err != nil {
			return false
		}
		return n.Status == store.StatusRunning
	})

	sendRequest(t, conn, 2, "session/get", protocol.SessionGetParams{SessionID: newResult.SessionID})
	getReply := readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		n, ok := m.ID.AsInt64()
		return ok && n == 2 && m.Result != nil
	})
	var getResult protocol.SessionGetResult
	if err := json.Unmarshal(getReply.Result, &getResult); err != nil {
		t.Fatalf("unmarshal session/get result: %v", err)
	}
	if getResult.Session.Status != store.StatusRunning {
		t.Errorf("expected status running, got %q", getResult.Session.Status)
	}
}

func TestServer_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	ts, _ := newTestServer(t, handshakeScript)
	conn := dial(t, ts)

	sendRequest(t, conn, 1, "session/teleport", nil)
	reply := readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		n, ok := m.ID.AsInt64()
		return ok && n == 1
	})
	if reply.Error == nil || reply.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", reply.Error)
	}
}

func TestServer_GetUnknownSessionReturnsError(t *testing.T) {
	ts, _ := newTestServer(t, handshakeScript)
	conn := dial(t, ts)

	sendRequest(t, conn, 1, "session/get", protocol.SessionGetParams{SessionID: "does-not-exist"})
	reply := readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		n, ok := m.ID.AsInt64()
		return ok && n == 1
	})
	if reply.Error == nil {
		t.Fatal("expected an error reply for unknown session")
	}
}

func TestServer_ArchiveStopsFurtherNotifications(t *testing.T) {
	ts, mgr := newTestServer(t, handshakeScript)
	conn := dial(t, ts)

	sendRequest(t, conn, 1, "session/new", protocol.SessionNewParams{})
	reply := readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		n, ok := m.ID.AsInt64()
		return ok && n == 1 && m.Result != nil
	})
	var newResult protocol.SessionNewResult
	json.Unmarshal(reply.Result, &newResult)

	readUntil(t, conn, 3*time.Second, func(m protocol.Message) bool {
		return m.Method == "session/status_changed"
	})

	if err := mgr.Archive(context.Background(), newResult.SessionID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	// Publishing directly after Silence must never reach the socket.
	mgr.Broker().Publish(newResult.SessionID, protocol.Notification("session/updated", nil))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no further messages after archive, got %+v", msg)
	}
}
