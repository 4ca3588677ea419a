package core

import (
	"context"

	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

// Status reports the connection state, preferring a live probe of the
// engine. Without one it falls back to the cached state, promoted to
// Connected when the engine log shows initialization completed.
func (s *Service) Status(ctx context.Context) tunnel.State {
	if s.deps.Probe != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*tunnel.DefaultManagementTimeout)
		state, err := s.deps.Probe(pctx)
		cancel()
		if err == nil {
			return state
		}
	}

	s.mu.Lock()
	cached := s.state
	var logPath string
	if s.sess != nil {
		logPath = s.sess.paths.Log
	}
	hasSession := s.sess != nil
	s.mu.Unlock()

	if hasSession {
		if cached == tunnel.StateConnecting && tunnel.LogContains(logPath, tunnel.MarkerInitComplete) {
			return tunnel.StateConnected
		}
		return cached
	}

	// Another process may own a running engine.
	rec, err := s.deps.Records.Load()
	if err != nil || rec == nil || !recovery.Alive(ctx, rec) {
		return cached
	}
	if tunnel.LogContains(rec.LogPath, tunnel.MarkerInitComplete) {
		return tunnel.StateConnected
	}
	return tunnel.StateConnecting
}

// EngineLogPath returns the engine log of the latest session.
func (s *Service) EngineLogPath() string {
	return s.deps.Artifacts.EngineLogPath()
}

// RecoveryEnabled reports whether sessions are recorded for adoption by a
// later process.
func (s *Service) RecoveryEnabled() bool {
	return s.deps.Config.Get().Recovery.Enabled
}
