package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSocketPath is where the privileged helper listens.
const DefaultSocketPath = "/var/run/vpn-guard.sock"

// Environment overrides, applied after the file is read.
const (
	EnvConfigSource = "VPN_CONFIG_SOURCE"
	EnvBearerToken  = "VPN_BEARER_TOKEN"
	EnvEnginePath   = "VPN_OPENVPN_PATH"
	EnvLaunchMode   = "VPN_LAUNCH_MODE"
	EnvSocketPath   = "VPN_HELPER_SOCKET"
	EnvRecovery     = "VPN_RECOVERY"
)

// Manager handles configuration operations.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
}

// NewManager creates a new configuration manager.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads configuration from file, writing defaults when it is missing.
// A .env file next to the configuration is loaded into the environment
// first; variables already set win.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	envFile := filepath.Join(filepath.Dir(m.configPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = DefaultConfig()
			if err := m.saveUnsafe(); err != nil {
				return err
			}
			return m.applyEnvUnsafe()
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = cfg
	if err := m.applyEnvUnsafe(); err != nil {
		return err
	}
	return m.config.Validate()
}

func (m *Manager) applyEnvUnsafe() error {
	cfg := m.config
	if v := os.Getenv(EnvConfigSource); v != "" {
		cfg.ConfigSource = v
	}
	if v := os.Getenv(EnvBearerToken); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv(EnvEnginePath); v != "" {
		cfg.Engine.Path = v
	}
	if v := os.Getenv(EnvLaunchMode); v != "" {
		cfg.Engine.LaunchMode = LaunchMode(v)
	}
	if v := os.Getenv(EnvSocketPath); v != "" {
		cfg.Helper.SocketPath = v
	}
	if v := os.Getenv(EnvRecovery); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRecovery, err)
		}
		cfg.Recovery.Enabled = b
	}
	return nil
}

// Save writes configuration to file.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	if m.config == nil {
		return fmt.Errorf("no configuration to save")
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil
	}
	cfg := *m.config
	cfg.KillSwitch.Remotes = append(cfg.KillSwitch.Remotes[:0:0], m.config.KillSwitch.Remotes...)
	cfg.KillSwitch.TunnelInterfaces = append(cfg.KillSwitch.TunnelInterfaces[:0:0], m.config.KillSwitch.TunnelInterfaces...)
	return &cfg
}

// Update validates and stores cfg.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return m.Save()
}

// ConfigDir returns $XDG_CONFIG_HOME/vpn-guard or ~/.config/vpn-guard.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vpn-guard"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "vpn-guard"), nil
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	dir, err := ConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// ResolveDataDir returns cfg.DataDir or, when unset, the data directory
// next to the configuration file.
func (c *Config) ResolveDataDir(configPath string) string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(filepath.Dir(configPath), "vpn")
}
