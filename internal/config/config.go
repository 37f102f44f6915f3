// Package config loads the bridge's configuration from the process
// environment. Grounded on hub/config/config.go's Load/validate/applyDefaults
// three-phase structure and runtime/internal/config/config.go's Duration
// wrapper idiom, re-pointed at os.Getenv since §6.3 is explicit that there is
// no config file for this service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the bridge's entire configuration surface (§6.3).
type Config struct {
	Host      string
	Port      int
	StaticDir string

	AgentCommand string
	DefaultCwd   string

	DBPath string

	LogLevel  string
	LogFormat string // "json" or "text"

	ShutdownTimeout Duration
}

// Duration is an env-friendly time.Duration wrapper, in the shape of the
// teacher's config.Duration — kept here even though env values are always
// strings, to parse the same "30s"/"1m" syntax consistently across any
// future duration-valued knob.
type Duration struct {
	time.Duration
}

func parseDuration(s string) (Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return Duration{}, err
	}
	return Duration{d}, nil
}

// Load reads every named variable from the environment, validates it, and
// fills in defaults, mirroring the teacher's Load(path) → validate →
// applyDefaults sequence.
func Load() (*Config, error) {
	cfg := &Config{
		Host:      os.Getenv("HOST"),
		StaticDir: os.Getenv("STATIC_DIR"),

		AgentCommand: os.Getenv("AGENT_COMMAND"),
		DefaultCwd:   os.Getenv("DEFAULT_CWD"),

		DBPath: os.Getenv("DB_PATH"),

		LogLevel:  os.Getenv("LOG_LEVEL"),
		LogFormat: os.Getenv("LOG_FORMAT"),
	}

	if p := os.Getenv("PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("PORT must be an integer: %w", err)
		}
		cfg.Port = n
	}

	if st := os.Getenv("SHUTDOWN_TIMEOUT"); st != "" {
		d, err := parseDuration(st)
		if err != nil {
			return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 {
		return fmt.Errorf("PORT must not be negative")
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "acp-agent"
	}
	if c.DefaultCwd == "" {
		c.DefaultCwd, _ = os.Getwd()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(defaultHomeDir(), "sessions.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.ShutdownTimeout.Duration == 0 {
		c.ShutdownTimeout.Duration = 10 * time.Second
	}
}

// Addr is the listener address for the HTTP shell.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// defaultHomeDir returns "<home>/.acp-client", the durable store location
// named in §6.3, creating it if absent.
func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".acp-client")
	_ = os.MkdirAll(dir, 0o755)
	return dir
}
