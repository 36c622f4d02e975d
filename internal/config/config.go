// Package config loads and validates the shellmux configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

const (
	// Default terminal dimensions used when a rendering surface has not
	// reported a grid size yet.
	DefaultTerminalCols = 80
	DefaultTerminalRows = 24

	// DefaultListenAddr is where the daemon serves the session API and
	// terminal WebSocket endpoints.
	DefaultListenAddr = "127.0.0.1:7443"

	DefaultSSHPort = 22
)

// TransportPreference selects which transport a server should use.
type TransportPreference string

const (
	TransportPreferSSH  TransportPreference = "ssh"
	TransportPreferMosh TransportPreference = "mosh"
)

// TmuxMode controls multiplexer negotiation for a server.
type TmuxMode string

const (
	TmuxModeAuto TmuxMode = "auto" // attach existing or create
	TmuxModeOff  TmuxMode = "off"  // plain shell, no multiplexer
)

// Server describes one remote host a session can connect to.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user"`

	// Auth: a private key path, or the name of an environment variable
	// holding the password. Key wins when both are set.
	KeyPath     string `json:"key_path,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`

	// KnownHostsPath overrides the default ~/.ssh/known_hosts.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`

	Transport TransportPreference `json:"transport,omitempty"`
	Tmux      TmuxMode            `json:"tmux,omitempty"`

	// TmuxSessionPrefix names multiplexer sessions created for this server.
	TmuxSessionPrefix string `json:"tmux_session_prefix,omitempty"`
}

// Config represents the application configuration.
type Config struct {
	ConfigVersion string        `json:"config_version,omitempty"`
	ListenAddr    string        `json:"listen_addr,omitempty"`
	Servers       []Server      `json:"servers"`
	Terminal      *TerminalSize `json:"terminal,omitempty"`

	// path is the file path this config was loaded from. Not serialized.
	path string `json:"-"`
	mu   sync.RWMutex
}

// TerminalSize represents default terminal dimensions.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// DefaultPath returns the default config file path (~/.shellmux/config.json).
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".shellmux", "config.json"), nil
}

// Load loads the config from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config back to the path it was loaded from.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config path is empty, cannot save")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// EnsureExists checks whether the config file exists, writing a starter
// config when it doesn't. Returns the loaded config.
func EnsureExists(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	cfg = &Config{
		ConfigVersion: "1",
		ListenAddr:    DefaultListenAddr,
		Servers:       []Server{},
		path:          path,
	}
	cfg.applyDefaults()
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	fmt.Printf("[config] created starter config at %s\n", path)
	return cfg, nil
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Terminal == nil {
		c.Terminal = &TerminalSize{Cols: DefaultTerminalCols, Rows: DefaultTerminalRows}
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Port == 0 {
			s.Port = DefaultSSHPort
		}
		if s.Transport == "" {
			s.Transport = TransportPreferSSH
		}
		if s.Tmux == "" {
			s.Tmux = TmuxModeAuto
		}
		if s.TmuxSessionPrefix == "" {
			s.TmuxSessionPrefix = "shellmux"
		}
	}
}

// Validate checks the config for structural problems.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("%w: server with empty id", ErrInvalidConfig)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate server id %q", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
		if s.Host == "" {
			return fmt.Errorf("%w: server %q has no host", ErrInvalidConfig, s.ID)
		}
		if s.User == "" {
			return fmt.Errorf("%w: server %q has no user", ErrInvalidConfig, s.ID)
		}
		switch s.Transport {
		case TransportPreferSSH, TransportPreferMosh:
		default:
			return fmt.Errorf("%w: server %q has unknown transport %q", ErrInvalidConfig, s.ID, s.Transport)
		}
		switch s.Tmux {
		case TmuxModeAuto, TmuxModeOff:
		default:
			return fmt.Errorf("%w: server %q has unknown tmux mode %q", ErrInvalidConfig, s.ID, s.Tmux)
		}
	}
	return nil
}

// FindServer returns the server config with the given ID.
func (c *Config) FindServer(id string) (Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// GetServers returns a copy of the configured servers.
func (c *Config) GetServers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	servers := make([]Server, len(c.Servers))
	copy(servers, c.Servers)
	return servers
}

// GetListenAddr returns the daemon listen address.
func (c *Config) GetListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ListenAddr
}

// GetTerminalSize returns the default terminal dimensions.
func (c *Config) GetTerminalSize() (cols, rows int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Terminal == nil {
		return DefaultTerminalCols, DefaultTerminalRows
	}
	return c.Terminal.Cols, c.Terminal.Rows
}

// ReplaceServers swaps in a freshly loaded server list (config reload).
func (c *Config) ReplaceServers(servers []Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Servers = servers
}
