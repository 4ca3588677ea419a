package config

import (
	"fmt"
	"path/filepath"

	"github.com/user/vpn-guard/internal/killswitch"
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("invalid config version")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if err := c.Helper.Validate(); err != nil {
		return fmt.Errorf("helper config: %w", err)
	}
	if err := c.Watchdog.Validate(); err != nil {
		return fmt.Errorf("watchdog config: %w", err)
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}
	if err := c.KillSwitch.Validate(); err != nil {
		return fmt.Errorf("killswitch config: %w", err)
	}
	return nil
}

// Validate validates engine configuration.
func (e *Engine) Validate() error {
	switch e.LaunchMode {
	case LaunchAuto, LaunchDirect, LaunchHelper, LaunchElevated:
	default:
		return fmt.Errorf("unknown launch_mode: %s", e.LaunchMode)
	}
	if e.Verbosity < 0 || e.Verbosity > 11 {
		return fmt.Errorf("verbosity must be between 0 and 11")
	}
	if e.ManagementPort < 0 || e.ManagementPort > 65535 {
		return fmt.Errorf("invalid management_port: %d", e.ManagementPort)
	}
	if e.Path != "" && !filepath.IsAbs(e.Path) {
		return fmt.Errorf("path must be absolute")
	}
	return nil
}

// Validate validates helper configuration.
func (h *Helper) Validate() error {
	if h.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if !filepath.IsAbs(h.SocketPath) {
		return fmt.Errorf("socket_path must be absolute")
	}
	return nil
}

// Validate validates watchdog configuration.
func (w *Watchdog) Validate() error {
	if w.Deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	if w.IdleGrace < 0 {
		return fmt.Errorf("idle_grace must not be negative")
	}
	return nil
}

// Validate validates recovery configuration.
func (r *Recovery) Validate() error {
	if r.Enabled && r.MaxFailures <= 0 {
		return fmt.Errorf("max_failures must be positive")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("max_backoff must not be below initial_backoff")
	}
	return nil
}

// Validate validates kill switch configuration.
func (k *KillSwitchConfig) Validate() error {
	if k.Table == "" {
		return fmt.Errorf("table is required")
	}
	switch k.ResolveFallback {
	case killswitch.FallbackFailClosed, killswitch.FallbackAllowPort:
	default:
		return fmt.Errorf("unknown resolve_fallback: %s", k.ResolveFallback)
	}
	for _, r := range k.Remotes {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
