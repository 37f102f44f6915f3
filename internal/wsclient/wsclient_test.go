package wsclient

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/acp-bridge/acp-bridge/internal/broker"
	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/rpcserver"
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

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := session.DefaultConfig()
	cfg.AgentCommand = handshakeScript
	cfg.DefaultCwd = t.TempDir()
	cfg.HandshakeTimeout = 3 * time.Second

	mgr := session.NewManager(cfg, st, registry.New(), broker.New(testLogger()), testLogger())
	t.Cleanup(mgr.CloseAll)

	srv := rpcserver.New(mgr, testLogger())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_CallRoundTrips(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	raw, err := c.Call("session/new", protocol.SessionNewParams{Title: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result protocol.SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected non-empty sessionId")
	}
}

func TestClient_NotificationsArriveAfterJoin(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	raw, err := c.Call("session/new", protocol.SessionNewParams{})
	if err != nil {
		t.Fatalf("Call session/new: %v", err)
	}
	var newResult protocol.SessionNewResult
	json.Unmarshal(raw, &newResult)

	// Handshake completion publishes the persisted status_changed event
	// (session/updated) first, then the session/status_changed notification.
	for _, want := range []string{"session/updated", "session/status_changed"} {
		select {
		case msg := <-c.Notifications():
			if msg.Method != want {
				t.Fatalf("expected %s, got %q", want, msg.Method)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s notification", want)
		}
	}
}

func TestClient_CallErrorSurfacesMessage(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Call("session/get", protocol.SessionGetParams{SessionID: "missing"}); err == nil {
		t.Fatal("expected an error for an unknown session")
	}
}
