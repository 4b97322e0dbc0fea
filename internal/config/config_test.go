package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acolita/ptyexpect/internal/adapters/realfs"
	"github.com/acolita/ptyexpect/internal/session"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Expect.Timeout != session.DefaultTimeout {
		t.Errorf("Expect.Timeout = %v, want %v", cfg.Expect.Timeout, session.DefaultTimeout)
	}
	if cfg.Process.KillTimeout != 0 {
		t.Errorf("Process.KillTimeout = %v, want 0 (follow the expect timeout)", cfg.Process.KillTimeout)
	}
	if cfg.Process.Term != "dumb" || cfg.Process.Rows != 24 || cfg.Process.Cols != 80 {
		t.Errorf("Process = %+v", cfg.Process)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if cfg.Recording.Enabled {
		t.Error("Recording.Enabled = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Expect.Timeout != session.DefaultTimeout {
		t.Errorf("Expect.Timeout = %v, want the default", cfg.Expect.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load(nonexistent) error: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeConfigFile(t, path, ":::invalid:::yaml{{{")

	if _, err := Load(path); err == nil {
		t.Fatal("Load(invalid YAML) expected error, got nil")
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, `
expect:
  timeout: 5s
process:
  kill_timeout: 1500ms
  term: xterm
  rows: 40
  cols: 132
  echo_off: true
logging:
  level: debug
  sanitize: false
recording:
  enabled: true
  path: /var/tmp/casts
servers:
  - name: prod
    host: 10.0.0.1
    port: 2222
    user: deploy
    key_path: ~/.ssh/id_ed25519
    passphrase_env: PROD_PASSPHRASE
    known_hosts: ~/.ssh/known_hosts
`)

	cfg, err := Load(path, realfs.New())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Expect.Timeout != 5*time.Second {
		t.Errorf("Expect.Timeout = %v", cfg.Expect.Timeout)
	}
	want := ProcessConfig{KillTimeout: 1500 * time.Millisecond, Term: "xterm", Rows: 40, Cols: 132, EchoOff: true}
	if cfg.Process != want {
		t.Errorf("Process = %+v, want %+v", cfg.Process, want)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/var/tmp/casts" {
		t.Errorf("Recording = %+v", cfg.Recording)
	}
	s, ok := cfg.Server("prod")
	if !ok {
		t.Fatal("server prod missing")
	}
	if s.Host != "10.0.0.1" || s.Port != 2222 || s.User != "deploy" || s.KnownHosts != "~/.ssh/known_hosts" {
		t.Errorf("server = %+v", s)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "process:\n  rows: 50\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Process.Rows != 50 {
		t.Errorf("Rows = %d, want 50", cfg.Process.Rows)
	}
	if cfg.Process.Cols != 80 || cfg.Process.Term != "dumb" || cfg.Logging.Level != "info" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "expect:\n  timeout: 5s\nlogging:\n  level: warn\n")

	t.Setenv("PTYEXPECT_TIMEOUT", "12s")
	t.Setenv("PTYEXPECT_KILL_TIMEOUT", "250ms")
	t.Setenv("PTYEXPECT_LOG_LEVEL", "debug")
	t.Setenv("PTYEXPECT_RECORD_DIR", "/tmp/casts")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Expect.Timeout != 12*time.Second {
		t.Errorf("Expect.Timeout = %v", cfg.Expect.Timeout)
	}
	if cfg.Process.KillTimeout != 250*time.Millisecond {
		t.Errorf("Process.KillTimeout = %v", cfg.Process.KillTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/tmp/casts" {
		t.Errorf("Recording = %+v", cfg.Recording)
	}
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("PTYEXPECT_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative timeout", func(c *Config) { c.Expect.Timeout = -time.Second }, true},
		{"negative kill timeout", func(c *Config) { c.Process.KillTimeout = -time.Second }, true},
		{"unknown level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"recording without path", func(c *Config) { c.Recording.Enabled = true }, true},
		{"server without host", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "a", User: "u"}}
		}, true},
		{"duplicate server", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "a", Host: "h", User: "u"}, {Name: "a", Host: "h2", User: "u"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddServer(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.AddServer(ServerConfig{Name: "a", Host: "h", User: "u"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddServer(ServerConfig{Name: "a", Host: "other", User: "u"}); err == nil {
		t.Error("expected duplicate error")
	}
	if len(cfg.Servers) != 1 {
		t.Errorf("Servers = %+v", cfg.Servers)
	}
}

func TestSpawnOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Process.KillTimeout = 2 * time.Second
	cfg.Process.EchoOff = true

	opts := cfg.SpawnOptions()
	if opts.Timeout != session.DefaultTimeout || opts.KillTimeout != 2*time.Second || !opts.EchoOff {
		t.Errorf("opts = %+v", opts)
	}
	if opts.RecordDir != "" {
		t.Errorf("RecordDir = %q with recording disabled", opts.RecordDir)
	}

	cfg.Recording = RecordingConfig{Enabled: true, Path: "/rec"}
	if got := cfg.SpawnOptions().RecordDir; got != "/rec" {
		t.Errorf("RecordDir = %q", got)
	}
}

func TestSSHOptions(t *testing.T) {
	t.Setenv("TEST_SSH_PASSWORD", "s3cret")
	t.Setenv("TEST_SSH_PASSPHRASE", "phrase")

	cfg := DefaultConfig()
	cfg.Process.Term = "vt100"
	server := ServerConfig{
		Name: "box", Host: "example.com", Port: 2200, User: "ops",
		KeyPath: "/keys/id", PasswordEnv: "TEST_SSH_PASSWORD", PassphraseEnv: "TEST_SSH_PASSPHRASE",
		KnownHosts: "/kh",
	}

	opts := cfg.SSHOptions(server, realfs.New())
	if opts.Host != "example.com" || opts.Port != 2200 || opts.User != "ops" {
		t.Errorf("target = %+v", opts)
	}
	if opts.Password != "s3cret" || opts.KeyPassphrase != "phrase" || opts.KeyPath != "/keys/id" {
		t.Errorf("credentials = %q %q %q", opts.Password, opts.KeyPassphrase, opts.KeyPath)
	}
	if opts.KnownHostsPath != "/kh" || opts.Term != "vt100" || opts.Rows != 24 {
		t.Errorf("terminal = %+v", opts)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Expect.Timeout = 7 * time.Second
	if err := cfg.AddServer(ServerConfig{Name: "a", Host: "h", User: "u"}); err != nil {
		t.Fatal(err)
	}

	if err := Save(cfg, path, realfs.New()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Expect.Timeout != 7*time.Second || len(loaded.Servers) != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestNewWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "process:\n  term: xterm\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if got := w.Config().Process.Term; got != "xterm" {
		t.Errorf("Config().Process.Term = %q, want %q", got, "xterm")
	}
}

func TestNewWatcherMissingDir(t *testing.T) {
	if _, err := NewWatcher("/nonexistent/config.yaml", nil); err == nil {
		t.Fatal("NewWatcher(missing dir) expected error, got nil")
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "process:\n  term: xterm\n")

	var mu sync.Mutex
	var changed *Config

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		changed = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, path, "process:\n  term: vt100\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := changed
		mu.Unlock()
		if c != nil && c.Process.Term == "vt100" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := w.Config().Process.Term; got != "vt100" {
		t.Errorf("Config().Process.Term = %q after reload, want %q", got, "vt100")
	}
	mu.Lock()
	if changed == nil {
		t.Error("onChange callback was never called")
	}
	mu.Unlock()
}

func TestWatcherReloadInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "process:\n  term: xterm\n")

	callCount := 0
	var mu sync.Mutex

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	// unparsable, then parsable but invalid
	writeConfigFile(t, path, ":::invalid{{{")
	time.Sleep(300 * time.Millisecond)
	writeConfigFile(t, path, "logging:\n  level: verbose\n")
	time.Sleep(300 * time.Millisecond)

	if got := w.Config().Process.Term; got != "xterm" {
		t.Errorf("Config().Process.Term = %q, want %q (preserved after bad reload)", got, "xterm")
	}
	mu.Lock()
	if callCount > 0 {
		t.Errorf("onChange was called %d times, want 0", callCount)
	}
	mu.Unlock()
}

func TestWatcherIgnoresEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "process:\n  term: xterm\nservers:\n  - name: db\n    host: db.local\n    user: admin\n")

	var mu sync.Mutex
	var changes []*Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		changes = append(changes, cfg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	// an editor truncating the file before writing it back
	writeConfigFile(t, path, "")
	time.Sleep(300 * time.Millisecond)

	cfg := w.Config()
	if cfg.Process.Term != "xterm" || len(cfg.Servers) != 1 {
		t.Errorf("config replaced by an empty file: term=%q servers=%d", cfg.Process.Term, len(cfg.Servers))
	}
	mu.Lock()
	if len(changes) > 0 {
		t.Errorf("onChange was called %d times for an empty file", len(changes))
	}
	mu.Unlock()

	writeConfigFile(t, path, "process:\n  term: vt100\n")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.Config().Process.Term != "vt100" {
		time.Sleep(50 * time.Millisecond)
	}
	if got := w.Config().Process.Term; got != "vt100" {
		t.Errorf("Config().Process.Term = %q after the real write, want %q", got, "vt100")
	}
}

func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "a.yaml")
	other := filepath.Join(dir, "b.yaml")
	writeConfigFile(t, watched, "one")
	writeConfigFile(t, other, "one")

	events := make(chan string, 16)
	w, err := WatchFiles([]string{watched}, func(path string) { events <- path })
	if err != nil {
		t.Fatalf("WatchFiles() error: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, other, "two")
	writeConfigFile(t, watched, "two")

	select {
	case got := <-events:
		if got != watched {
			t.Errorf("callback for %q, want %q", got, watched)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcherClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "logging:\n  level: info\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
