// Package config handles supervisor configuration loading, saving, and validation.
package config

import (
	"time"

	"github.com/user/vpn-guard/internal/killswitch"
)

// LaunchMode selects how the engine is started.
type LaunchMode string

const (
	// LaunchAuto picks direct when running as root and helper otherwise.
	LaunchAuto     LaunchMode = "auto"
	LaunchDirect   LaunchMode = "direct"
	LaunchHelper   LaunchMode = "helper"
	LaunchElevated LaunchMode = "elevate"
)

// DefaultConfigSource is offered when the user has not chosen a config.
const DefaultConfigSource = "https://vpn.example.com/client.ovpn"

// Config represents the main configuration structure.
type Config struct {
	Version      int              `yaml:"version"`
	ConfigSource string           `yaml:"config_source"`
	BearerToken  string           `yaml:"bearer_token,omitempty"`
	DataDir      string           `yaml:"data_dir,omitempty"`
	Engine       Engine           `yaml:"engine"`
	Helper       Helper           `yaml:"helper"`
	Watchdog     Watchdog         `yaml:"watchdog"`
	Recovery     Recovery         `yaml:"recovery"`
	KillSwitch   KillSwitchConfig `yaml:"killswitch"`
	Verbose      bool             `yaml:"verbose,omitempty"`
}

// Engine describes the OpenVPN binary and how it is run.
type Engine struct {
	Path           string        `yaml:"path,omitempty"`
	Verbosity      int           `yaml:"verbosity"`
	ManagementPort int           `yaml:"management_port,omitempty"`
	LaunchMode     LaunchMode    `yaml:"launch_mode"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	KillTimeout    time.Duration `yaml:"kill_timeout"`
}

// Helper describes the privileged helper socket.
type Helper struct {
	SocketPath  string        `yaml:"socket_path"`
	SocketGroup string        `yaml:"socket_group,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Watchdog configures the connect watchdog.
type Watchdog struct {
	Deadline  time.Duration `yaml:"deadline"`
	IdleGrace time.Duration `yaml:"idle_grace"`
}

// Recovery configures crash recovery and reconnects.
type Recovery struct {
	Enabled        bool          `yaml:"enabled"`
	MaxFailures    int           `yaml:"max_failures"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// KillSwitchConfig represents kill switch configuration. Remotes records what
// the switch was last armed with so it can be re-armed after a restart.
type KillSwitchConfig struct {
	Enabled          bool                `yaml:"enabled"`
	Table            string              `yaml:"table"`
	ResolveFallback  killswitch.Fallback `yaml:"resolve_fallback"`
	TunnelInterfaces []string            `yaml:"tunnel_interfaces,omitempty"`
	RestrictDNS      bool                `yaml:"restrict_dns"`
	Remotes          []killswitch.Remote `yaml:"remotes,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:      1,
		ConfigSource: DefaultConfigSource,
		Engine: Engine{
			Verbosity:    3,
			LaunchMode:   LaunchAuto,
			PollInterval: 250 * time.Millisecond,
			KillTimeout:  5 * time.Second,
		},
		Helper: Helper{
			SocketPath:  DefaultSocketPath,
			DialTimeout: 2 * time.Second,
		},
		Watchdog: Watchdog{
			Deadline:  10 * time.Second,
			IdleGrace: 5 * time.Second,
		},
		Recovery: Recovery{
			Enabled:        false,
			MaxFailures:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		KillSwitch: KillSwitchConfig{
			Enabled:          false,
			Table:            killswitch.DefaultTable,
			ResolveFallback:  killswitch.FallbackFailClosed,
			TunnelInterfaces: append([]string(nil), killswitch.DefaultTunnelInterfaces...),
			RestrictDNS:      true,
		},
	}
}
