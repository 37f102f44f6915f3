package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acp-bridge/acp-bridge/internal/broker"
	"github.com/acp-bridge/acp-bridge/internal/protocol"
	"github.com/acp-bridge/acp-bridge/internal/registry"
	"github.com/acp-bridge/acp-bridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, agentCommand string, cfg Config) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if cfg.HandshakeTimeout == 0 {
		cfg = DefaultConfig()
	}
	cfg.AgentCommand = agentCommand
	cfg.DefaultCwd = t.TempDir()

	m := NewManager(cfg, st, registry.New(), broker.New(testLogger()), testLogger())
	t.Cleanup(m.CloseAll)
	return m, st
}

func waitForStatus(t *testing.T, m *Manager, sessionID, want string, timeout time.Duration) *SessionView {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		view, err := m.GetSessionView(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("GetSessionView: %v", err)
		}
		if view.Summary.Status == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q", want)
	return nil
}

const handshakeScript = `
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":1,"result":{}}'
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":2,"result":{"sessionId":"agent-sess-1"}}'
`

func TestManager_HandshakeSucceedsAndTransitionsToRunning(t *testing.T) {
	m, _ := newTestManager(t, handshakeScript+"cat >/dev/null", Config{})

	id, err := m.NewSession(context.Background(), "test-agent", "", "my session")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	view := waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)
	if view.Summary.AgentSessionID == nil || *view.Summary.AgentSessionID != "agent-sess-1" {
		t.Errorf("expected agentSessionId agent-sess-1, got %v", view.Summary.AgentSessionID)
	}
	foundStatusEvent := false
	for _, u := range view.Updates {
		if u.UpdateType == "status_changed" {
			foundStatusEvent = true
		}
	}
	if !foundStatusEvent {
		t.Error("expected a persisted status_changed event at handshake completion")
	}
}

func TestManager_HandshakeTimeoutTransitionsToError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	m, _ := newTestManager(t, `sleep 5`, cfg)

	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	waitForStatus(t, m, id, store.StatusError, 3*time.Second)
}

func TestManager_PromptBeforeRunningIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	m, _ := newTestManager(t, `sleep 2`, cfg)

	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := m.Prompt(context.Background(), id, []protocol.ContentBlock{json.RawMessage(`{"type":"text","text":"hi"}`)}); err != ErrNotReady {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestManager_PromptAppendsUserMessageChunk(t *testing.T) {
	script := handshakeScript + `
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":3,"result":{"stopReason":"end_turn"}}'
cat >/dev/null
`
	m, _ := newTestManager(t, script, Config{})
	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	if err := m.Prompt(context.Background(), id, []protocol.ContentBlock{json.RawMessage(`{"type":"text","text":"hi"}`)}); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.GetSessionView(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("GetSessionView: %v", err)
		}
		for _, u := range view.Updates {
			if u.UpdateType == "user_message_chunk" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a user_message_chunk event to be appended")
}

func TestManager_PermissionRoundTrip(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "perm_response.json")
	script := handshakeScript + `
read -r _ >/dev/null
echo '{"jsonrpc":"2.0","id":"perm-1","method":"session/request_permission","params":{"sessionId":"agent-sess-1","toolCall":{},"options":[{"optionId":"allow","kind":"allow_once"}]}}'
read -r resp
echo "$resp" > "$OUT_FILE"
echo '{"jsonrpc":"2.0","id":3,"result":{"stopReason":"end_turn"}}'
`
	cfg := DefaultConfig()
	m, _ := newTestManagerWithEnv(t, script, cfg, map[string]string{"OUT_FILE": outFile})

	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	if err := m.Prompt(context.Background(), id, []protocol.ContentBlock{json.RawMessage(`{"type":"text","text":"do a thing"}`)}); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	view := waitForStatus(t, m, id, store.StatusWaiting, 3*time.Second)
	if len(view.PendingRequests) != 1 {
		t.Fatalf("expected exactly one pending permission, got %d", len(view.PendingRequests))
	}
	requestID := string(view.PendingRequests[0].RequestID)
	if requestID != `"perm-1"` {
		t.Fatalf("expected requestId %q, got %q", `"perm-1"`, requestID)
	}

	response := json.RawMessage(`{"outcome":{"outcome":"selected","optionId":"allow"}}`)
	if err := m.Respond(context.Background(), id, requestID, response); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(outFile)
		if err == nil && len(data) > 0 {
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("forwarded reply is not valid JSON: %v", err)
			}
			if msg.ID.String() != `"perm-1"` {
				t.Errorf("expected forwarded reply to preserve id \"perm-1\", got %s", msg.ID.String())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for forwarded permission response")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_RespondToUnknownRequestIsNotFound(t *testing.T) {
	m, _ := newTestManager(t, handshakeScript+"cat >/dev/null", Config{})
	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	err = m.Respond(context.Background(), id, `"does-not-exist"`, json.RawMessage(`{}`))
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_CancelTransitionsToCompletedAndKeepsTrailingEvents(t *testing.T) {
	script := handshakeScript + `
read -r _ >/dev/null
sleep 0.1
echo '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"agent-sess-1","update":{"sessionUpdate":"agent_message_chunk","text":"late"}}}'
cat >/dev/null
`
	m, _ := newTestManager(t, script, Config{})
	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	if err := m.Prompt(context.Background(), id, []protocol.ContentBlock{json.RawMessage(`{"type":"text","text":"go"}`)}); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitForStatus(t, m, id, store.StatusCompleted, 3*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.GetSessionView(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("GetSessionView: %v", err)
		}
		for _, u := range view.Updates {
			if u.UpdateType == "agent_message_chunk" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the trailing agent_message_chunk emitted after cancel to still be appended")
}

func TestManager_SubprocessExitMarksSessionExited(t *testing.T) {
	m, _ := newTestManager(t, handshakeScript+"exit 0", Config{})
	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	view := waitForStatus(t, m, id, store.StatusExited, 3*time.Second)
	if view.Summary.ExitReason == nil || *view.Summary.ExitReason != "process_exit" {
		t.Errorf("expected exitReason process_exit, got %v", view.Summary.ExitReason)
	}
}

func TestManager_ArchiveSilencesBroker(t *testing.T) {
	m, _ := newTestManager(t, handshakeScript+"cat >/dev/null", Config{})
	id, err := m.NewSession(context.Background(), "test-agent", "", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	waitForStatus(t, m, id, store.StatusRunning, 3*time.Second)

	if err := m.Archive(context.Background(), id); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	view, err := m.GetSessionView(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("GetSessionView: %v", err)
	}
	if !view.Summary.Archived {
		t.Error("expected session to be marked archived")
	}

	// A silenced session accepts no new subscribers.
	m.Broker().Subscribe(id, nopSubscriber{})
	if n := m.Broker().SubscriberCount(id); n != 0 {
		t.Errorf("expected archived session to accept no subscribers, got %d", n)
	}
}

type nopSubscriber struct{}

func (nopSubscriber) ClientID() string              { return "nop" }
func (nopSubscriber) Notify(protocol.Message) error { return nil }

// newTestManagerWithEnv is like newTestManager but threads environment
// variables through to the spawned agent, for scripts that report back via
// a file path (there is no agentio.Start hook reachable from here other
// than through Manager, so the env is captured by rewriting the command to
// export it inline).
func newTestManagerWithEnv(t *testing.T, script string, cfg Config, env map[string]string) (*Manager, store.Store) {
	t.Helper()
	exported := ""
	for k, v := range env {
		exported += "export " + k + "=" + shellQuote(v) + "\n"
	}
	return newTestManager(t, exported+script, cfg)
}

func shellQuote(s string) string {
	return "'" + filepathEscape(s) + "'"
}

func filepathEscape(s string) string {
	out := ""
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out
}
