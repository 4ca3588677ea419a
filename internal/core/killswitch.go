package core

import (
	"context"
	"fmt"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
)

// KillSwitchEnabled reports whether the kill switch rules are in place.
func (s *Service) KillSwitchEnabled() bool {
	return s.deps.Firewall.IsEnabled()
}

// SetKillSwitch enables or disables the kill switch and persists the choice.
// Enabling takes the remotes from source, the active session or the
// configured source, in that order. While a session has a learned endpoint
// the rules are tightened to it straight away.
func (s *Service) SetKillSwitch(ctx context.Context, enabled bool, source string) error {
	if !enabled {
		if err := s.deps.Firewall.Disable(ctx); err != nil {
			return err
		}
		return s.updateKillSwitchConfig(false, nil)
	}

	remotes, err := s.killSwitchRemotes(ctx, source)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var learned *killswitch.Endpoint
	if s.sess != nil && s.sess.learned != nil {
		ep := *s.sess.learned
		learned = &ep
	}
	s.mu.Unlock()

	if err := s.deps.Firewall.Enable(ctx, remotes); err != nil {
		return err
	}
	if learned != nil {
		if err := s.deps.Firewall.Tighten(ctx, *learned); err != nil {
			logger.Error("Failed to tighten kill switch: %v", err)
		}
	}
	return s.updateKillSwitchConfig(true, remotes)
}

func (s *Service) killSwitchRemotes(ctx context.Context, source string) ([]killswitch.Remote, error) {
	var path string
	if source == "" {
		s.mu.Lock()
		if s.sess != nil {
			path = s.sess.paths.Config
		}
		s.mu.Unlock()
	}
	if path == "" {
		if source == "" {
			source = s.deps.Config.Get().ConfigSource
		}
		resolved, err := s.deps.Artifacts.ResolveConfig(ctx, source)
		if err != nil {
			return nil, err
		}
		path = resolved
	}

	text, err := artifacts.ReadConfig(path)
	if err != nil {
		return nil, err
	}
	remotes := killswitch.ParseRemotes(text)
	if len(remotes) == 0 {
		return nil, fmt.Errorf("no VPN remotes found in %s", path)
	}
	return remotes, nil
}

func (s *Service) updateKillSwitchConfig(enabled bool, remotes []killswitch.Remote) error {
	cfg := s.deps.Config.Get()
	cfg.KillSwitch.Enabled = enabled
	if remotes != nil {
		cfg.KillSwitch.Remotes = remotes
	}
	if err := s.deps.Config.Update(cfg); err != nil {
		return fmt.Errorf("failed to save kill switch preference: %w", err)
	}
	return nil
}

// rememberRemotes records the remotes the kill switch was armed with so a
// later process can re-arm it.
func (s *Service) rememberRemotes(remotes []killswitch.Remote) {
	if len(remotes) == 0 {
		return
	}
	if err := s.updateKillSwitchConfig(true, remotes); err != nil {
		logger.Warning("%v", err)
	}
}

type refresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// RefreshKillSwitch asks the firewall whether the rules are in place, which
// also picks up rules left by another process.
func (s *Service) RefreshKillSwitch(ctx context.Context) (bool, error) {
	if r, ok := s.deps.Firewall.(refresher); ok {
		return r.Refresh(ctx)
	}
	return s.deps.Firewall.IsEnabled(), nil
}
