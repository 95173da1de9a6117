// Package config handles configuration loading and management for Pontis.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BackendConfig holds the launch configuration for one backend family.
type BackendConfig struct {
	// Command is the shell command used to start the backend CLI.
	Command string `yaml:"command"`
	// NamerCommand is an optional one-shot command used for title suggestions.
	// When empty, Command is reused with the backend's one-shot flags.
	NamerCommand string `yaml:"namer_command,omitempty"`
}

// WebConfig holds HTTP/WebSocket server configuration.
type WebConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	Host string `yaml:"host,omitempty"`
	// Port is the listen port (default: 8787).
	Port int `yaml:"port,omitempty"`
	// Token, when set, is required as a bearer token on API requests.
	Token string `yaml:"token,omitempty"`
}

// BridgeConfig holds tuning knobs for the session bridge core.
type BridgeConfig struct {
	// EventBuffer is the capacity of the per-session replay ring buffer.
	EventBuffer int `yaml:"event_buffer,omitempty"`
	// DedupLimit is the capacity of the client command dedup FIFO.
	DedupLimit int `yaml:"dedup_limit,omitempty"`
	// MaxSessions caps the number of concurrent live sessions.
	MaxSessions int `yaml:"max_sessions,omitempty"`
}

// GuardRule is a user-supplied CEL rule evaluated against permission requests.
// The expression sees `tool`, `input` (JSON text) and `description` string
// variables and must evaluate to a boolean.
type GuardRule struct {
	Expr    string `yaml:"expr"`
	Verdict string `yaml:"verdict"` // "safe" or "dangerous"
	Reason  string `yaml:"reason,omitempty"`
}

// RemoteGuardConfig configures the remote permission classifier.
type RemoteGuardConfig struct {
	URL               string  `yaml:"url,omitempty"`
	TimeoutSeconds    int     `yaml:"timeout_seconds,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// GuardConfig configures the automated permission pipeline.
type GuardConfig struct {
	// Enabled turns automated validation on.
	Enabled bool `yaml:"enabled"`
	// AutoApprove allows "safe" verdicts to be approved without a human.
	AutoApprove bool `yaml:"auto_approve"`
	// AutoDeny allows "dangerous" verdicts to be denied without a human.
	AutoDeny bool `yaml:"auto_deny"`
	// Rules are evaluated in order before any remote classifier is consulted.
	Rules []GuardRule `yaml:"rules,omitempty"`
	// Remote configures the fallback classifier for uncertain rule results.
	Remote RemoteGuardConfig `yaml:"remote,omitempty"`
}

// StoreConfig configures durable session persistence.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path,omitempty"`
}

// ScheduleConfig configures scheduled runs of saved agent configurations.
type ScheduleConfig struct {
	// Dir is the directory holding saved run definitions (YAML files).
	Dir string `yaml:"dir,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string   `yaml:"level,omitempty"`
	File       string   `yaml:"file,omitempty"`
	JSON       bool     `yaml:"json,omitempty"`
	Components []string `yaml:"components,omitempty"`
}

// Config represents the complete Pontis configuration.
type Config struct {
	// Backends maps a backend kind ("claude", "codex") to its launch config.
	Backends map[string]BackendConfig `yaml:"backends"`
	Web      WebConfig                `yaml:"web,omitempty"`
	Bridge   BridgeConfig             `yaml:"bridge,omitempty"`
	Guard    GuardConfig              `yaml:"guard,omitempty"`
	Store    StoreConfig              `yaml:"store,omitempty"`
	Schedule ScheduleConfig           `yaml:"schedule,omitempty"`
	Logging  LoggingConfig            `yaml:"logging,omitempty"`
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if envPath := os.Getenv("PONTISRC"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pontis.yaml"
	}
	return filepath.Join(home, ".config", "pontis", "config.yaml")
}

// Default returns a configuration with all defaults applied.
func Default() Config {
	cfg := Config{
		Backends: map[string]BackendConfig{},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backends == nil {
		c.Backends = map[string]BackendConfig{}
	}
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8787
	}
	if c.Bridge.EventBuffer <= 0 {
		c.Bridge.EventBuffer = 256
	}
	if c.Bridge.DedupLimit <= 0 {
		c.Bridge.DedupLimit = 1000
	}
	if c.Bridge.MaxSessions <= 0 {
		c.Bridge.MaxSessions = 32
	}
	if c.Guard.Remote.TimeoutSeconds <= 0 {
		c.Guard.Remote.TimeoutSeconds = 10
	}
	if c.Guard.Remote.RequestsPerSecond <= 0 {
		c.Guard.Remote.RequestsPerSecond = 1
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStatePath("pontis.db")
	}
	if c.Schedule.Dir == "" {
		c.Schedule.Dir = defaultConfigDir("runs")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "pontis", name)
}

func defaultConfigDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".config", "pontis", name)
}

// Load reads the configuration from the given path. A missing file is not an
// error: defaults are returned.
func Load(path string) (Config, error) {
	cfg := Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	for kind, be := range c.Backends {
		if kind != "claude" && kind != "codex" {
			return fmt.Errorf("unknown backend kind %q (supported: claude, codex)", kind)
		}
		if be.Command == "" {
			return fmt.Errorf("backend %q has no command", kind)
		}
	}
	for i, rule := range c.Guard.Rules {
		if rule.Expr == "" {
			return fmt.Errorf("guard rule %d has an empty expression", i)
		}
		switch rule.Verdict {
		case "safe", "dangerous":
		default:
			return fmt.Errorf("guard rule %d has verdict %q (want safe or dangerous)", i, rule.Verdict)
		}
	}
	return nil
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
