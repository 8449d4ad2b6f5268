package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v4"
)

// Mode selects an account's connection-reuse policy.
type Mode int

const (
	// Paranoid keeps one authenticated connection per account alive for
	// the daemon's lifetime, guarded by a lock and touched by heartbeats.
	Paranoid Mode = iota
	// Secure opens a brand-new connection for every delivery and retains
	// nothing in between.
	Secure
)

func (m Mode) String() string {
	if m == Secure {
		return "secure"
	}
	return "paranoid"
}

// prefix namespaces the relay's socket and lock files.
const prefix = "smtprelay"

// Config is the top-level daemon and client configuration.
type Config struct {
	LogLevel       string    `yaml:"log_level"`
	SocketRoot     string    `yaml:"socket_root"`
	FlockRoot      string    `yaml:"flock_root"`
	SpoolRoot      string    `yaml:"spool_root"`
	TimeoutSeconds int       `yaml:"timeout_seconds"`
	Accounts       []Account `yaml:"accounts"`
}

// Account describes one SMTP account served by the daemon.
type Account struct {
	Label            string `yaml:"label"`
	Host             string `yaml:"host"`
	Port             uint16 `yaml:"port"`
	Username         string `yaml:"username"`
	TLS              bool   `yaml:"tls"`
	Certificate      string `yaml:"certificate"` // optional PEM trust root
	Mode             string `yaml:"mode"`        // "paranoid" or "secure"
	HeartbeatMinutes int    `yaml:"heartbeat_minutes"`
	PasswordEval     string `yaml:"passwordeval"`
	Default          bool   `yaml:"default"`
}

// ConnectionMode returns the account's parsed reuse policy.
func (a *Account) ConnectionMode() Mode {
	if a.Mode == "secure" {
		return Secure
	}
	return Paranoid
}

// Heartbeat returns the keep-alive interval, defaulting to 5 minutes.
func (a *Account) Heartbeat() time.Duration {
	if a.HeartbeatMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.HeartbeatMinutes) * time.Minute
}

// Timeout returns the client's read timeout, defaulting to 30 seconds.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SocketPath returns the IPC endpoint path for an account label.
func (c *Config) SocketPath(label string) string {
	return filepath.Join(c.SocketRoot, prefix+"-"+label)
}

// LockPath returns the advisory lock file path for an account label.
func (c *Config) LockPath(label string) string {
	return filepath.Join(c.FlockRoot, prefix+"-"+label)
}

// FindAccount looks an account up by label.
func (c *Config) FindAccount(label string) (*Account, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Label == label {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DefaultAccount returns the account flagged as default, if any.
func (c *Config) DefaultAccount() (*Account, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Default {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills the root paths from the user's home directory when
// the configuration leaves them out.
func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := filepath.Join(home, "."+prefix)

	if c.SocketRoot == "" {
		c.SocketRoot = filepath.Join(base, "sockets")
	}
	if c.FlockRoot == "" {
		c.FlockRoot = filepath.Join(base, "locks")
	}
	if c.SpoolRoot == "" {
		c.SpoolRoot = filepath.Join(base, "spool")
	}
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	defaults := 0
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		label := a.Label
		if label == "" {
			return fmt.Errorf("account #%d: label is required", i)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("account %s: duplicate label", label)
		}
		seen[label] = struct{}{}

		if a.PasswordEval == "" {
			return fmt.Errorf("account %s: passwordeval is required", label)
		}
		if a.Mode != "" && a.Mode != "paranoid" && a.Mode != "secure" {
			return fmt.Errorf("account %s: mode must be paranoid or secure", label)
		}
		if a.Default {
			defaults++
		}
	}

	if defaults > 1 {
		return fmt.Errorf("at most one account can be set to default")
	}
	return nil
}
