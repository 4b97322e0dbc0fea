// Package config handles configuration parsing for ptyexpect.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/session"
	"github.com/acolita/ptyexpect/internal/sshstream"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "PTYEXPECT"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/ptyexpect/config.yaml or ~/.config/ptyexpect/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ptyexpect", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Expect    ExpectConfig    `yaml:"expect"`
	Process   ProcessConfig   `yaml:"process"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
	Servers   []ServerConfig  `yaml:"servers"`
}

// ExpectConfig defines matching defaults.
type ExpectConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default expect timeout
}

// ProcessConfig defines how children are spawned and terminated.
type ProcessConfig struct {
	KillTimeout time.Duration `yaml:"kill_timeout"` // SIGTERM grace period before SIGKILL
	Term        string        `yaml:"term"`
	Rows        uint16        `yaml:"rows"`
	Cols        uint16        `yaml:"cols"`
	EchoOff     bool          `yaml:"echo_off"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"` // enable session recording
	Path    string `yaml:"path"`    // directory to store recordings
}

// ServerConfig defines an SSH server scripts can run on.
type ServerConfig struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	KeyPath       string `yaml:"key_path"`
	PassphraseEnv string `yaml:"passphrase_env"` // env var containing key passphrase
	PasswordEnv   string `yaml:"password_env"`   // env var containing SSH password
	UseAgent      bool   `yaml:"use_agent"`
	KnownHosts    string `yaml:"known_hosts"` // known_hosts file; empty skips host key checks
}

// envOverrides are read from PTYEXPECT_* variables. Zero values leave the
// file settings alone.
type envOverrides struct {
	Timeout     time.Duration `envconfig:"TIMEOUT"`
	KillTimeout time.Duration `envconfig:"KILL_TIMEOUT"`
	LogLevel    string        `envconfig:"LOG_LEVEL"`
	RecordDir   string        `envconfig:"RECORD_DIR"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Expect: ExpectConfig{
			Timeout: session.DefaultTimeout,
		},
		Process: ProcessConfig{
			Term: "dumb",
			Rows: 24,
			Cols: 80,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var data []byte
		var err error
		if len(fsys) > 0 && fsys[0] != nil {
			data, err = fsys[0].ReadFile(path)
		} else {
			data, err = os.ReadFile(path)
		}
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			return parse(data)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes data over the defaults and applies environment overrides.
func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PTYEXPECT_TIMEOUT, PTYEXPECT_KILL_TIMEOUT,
// PTYEXPECT_LOG_LEVEL and PTYEXPECT_RECORD_DIR. A record dir also enables
// recording.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.Timeout != 0 {
		c.Expect.Timeout = env.Timeout
	}
	if env.KillTimeout != 0 {
		c.Process.KillTimeout = env.KillTimeout
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.RecordDir != "" {
		c.Recording.Enabled = true
		c.Recording.Path = env.RecordDir
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Expect.Timeout < 0 {
		return fmt.Errorf("expect.timeout must not be negative, got %v", c.Expect.Timeout)
	}
	if c.Process.KillTimeout < 0 {
		return fmt.Errorf("process.kill_timeout must not be negative, got %v", c.Process.KillTimeout)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Recording.Enabled && c.Recording.Path == "" {
		return errors.New("recording.path is required when recording is enabled")
	}

	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Name == "" || s.Host == "" || s.User == "" {
			return fmt.Errorf("server %q needs a name, host and user", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("server %q defined twice", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// AddServer adds a server to the configuration.
// Returns an error if a server with the same name already exists.
func (c *Config) AddServer(server ServerConfig) error {
	if _, ok := c.Server(server.Name); ok {
		return fmt.Errorf("server %q already exists", server.Name)
	}
	c.Servers = append(c.Servers, server)
	return nil
}

// Server returns the server named name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// SpawnOptions converts the expect, process and recording sections.
func (c *Config) SpawnOptions() session.SpawnOptions {
	opts := session.SpawnOptions{
		Timeout:     c.Expect.Timeout,
		KillTimeout: c.Process.KillTimeout,
		Term:        c.Process.Term,
		Rows:        c.Process.Rows,
		Cols:        c.Process.Cols,
		EchoOff:     c.Process.EchoOff,
	}
	if c.Recording.Enabled {
		opts.RecordDir = c.Recording.Path
	}
	return opts
}

// SSHOptions builds connection options for s, reading secrets from the
// environment variables it names.
func (c *Config) SSHOptions(s ServerConfig, fs ports.FileSystem) sshstream.Options {
	opts := sshstream.Options{
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		KeyPath:        s.KeyPath,
		UseAgent:       s.UseAgent,
		KnownHostsPath: s.KnownHosts,
		Term:           c.Process.Term,
		Rows:           c.Process.Rows,
		Cols:           c.Process.Cols,
		EchoOff:        c.Process.EchoOff,
		FileSystem:     fs,
	}
	if s.PasswordEnv != "" {
		opts.Password = fs.Getenv(s.PasswordEnv)
	}
	if s.PassphraseEnv != "" {
		opts.KeyPassphrase = fs.Getenv(s.PassphraseEnv)
	}
	return opts
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		if err := fsys[0].MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
