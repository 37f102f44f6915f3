package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acp-bridge/acp-bridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		AgentCommand:     "cat",
		DefaultCwd:       t.TempDir(),
		DBPath:           filepath.Join(t.TempDir(), "sessions.db"),
		LogLevel:         "error",
		LogFormat:        "text",
		ShutdownTimeout:  config.Duration{Duration: 2 * time.Second},
	}
	b, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.store.Close() })
	return b
}

func TestBridge_HealthzReportsOK(t *testing.T) {
	b := newTestBridge(t)
	ts := httptest.NewServer(b.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestBridge_ReadyzReportsReady(t *testing.T) {
	b := newTestBridge(t)
	ts := httptest.NewServer(b.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBridge_WSEndpointUpgrades(t *testing.T) {
	b := newTestBridge(t)
	ts := httptest.NewServer(b.mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.Close()
}

func TestBridge_RunShutsDownOnContextCancel(t *testing.T) {
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		AgentCommand:    "cat",
		DefaultCwd:      t.TempDir(),
		DBPath:          filepath.Join(t.TempDir(), "sessions.db"),
		LogLevel:        "error",
		LogFormat:       "text",
		ShutdownTimeout: config.Duration{Duration: 2 * time.Second},
	}
	b, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Give the listener a moment to actually bind before canceling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
