package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{"HOST", "PORT", "AGENT_COMMAND", "DEFAULT_CWD", "STATIC_DIR", "DB_PATH", "LOG_LEVEL", "LOG_FORMAT", "SHUTDOWN_TIMEOUT"}
	saved := make(map[string]string, len(keys))
	for _, k := range keys {
		saved[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	})
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "localhost" {
		t.Errorf("expected default host localhost, got %q", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AgentCommand != "acp-agent" {
		t.Errorf("expected default agent command, got %q", cfg.AgentCommand)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected default log format json, got %q", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("expected default shutdown timeout 10s, got %v", cfg.ShutdownTimeout.Duration)
	}
	if cfg.Addr() != "localhost:8080" {
		t.Errorf("expected Addr() localhost:8080, got %q", cfg.Addr())
	}
}

func TestLoad_ReadsEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOST", "0.0.0.0")
	os.Setenv("PORT", "9090")
	os.Setenv("AGENT_COMMAND", "./my-agent --flag")
	os.Setenv("LOG_FORMAT", "text")
	os.Setenv("SHUTDOWN_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected host override, got %q", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port override, got %d", cfg.Port)
	}
	if cfg.AgentCommand != "./my-agent --flag" {
		t.Errorf("expected agent command override, got %q", cfg.AgentCommand)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("expected log format override, got %q", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout.Duration != 2*time.Second {
		t.Errorf("expected shutdown timeout override, got %v", cfg.ShutdownTimeout.Duration)
	}
}

func TestLoad_InvalidPortRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestLoad_InvalidLogFormatRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("LOG_FORMAT", "xml")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid LOG_FORMAT")
	}
}
