package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

// Start re-arms a persisted kill switch and adopts an engine left running
// by an earlier process.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.deps.Config.Get()
	if cfg.KillSwitch.Enabled && len(cfg.KillSwitch.Remotes) > 0 {
		fctx, cancel := context.WithTimeout(ctx, firewallTimeout)
		err := s.deps.Firewall.Enable(fctx, cfg.KillSwitch.Remotes)
		cancel()
		if err != nil {
			logger.Error("Failed to re-arm kill switch: %v", err)
		}
	}
	return s.Recover(ctx)
}

// Recover inspects the recovery record. A dead engine's record and
// credential file are discarded; a live one is adopted at Connecting and
// reported Connected once its log shows the completion marker again.
func (s *Service) Recover(ctx context.Context) error {
	rec, err := s.deps.Records.Load()
	if err != nil {
		logger.Warning("Discarding unreadable session record: %v", err)
		s.deleteRecord()
		return nil
	}
	if rec == nil {
		return nil
	}

	s.mu.Lock()
	busy := s.sess != nil || s.closed
	s.mu.Unlock()
	if busy {
		return nil
	}

	if !s.recordAlive(ctx, rec) {
		logger.Info("Discarding stale session record (pid %d)", rec.PID)
		artifacts.RemoveCredentials(rec.AuthPath)
		s.deleteRecord()
		return nil
	}

	s.mu.Lock()
	if s.sess != nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	sess := s.beginUnsafe()
	s.mu.Unlock()
	logger.Connection("Adopting running openvpn (pid %d, session %d)", rec.PID, sess.id)

	if rec.KillSwitch && len(rec.Remotes) > 0 {
		fctx, cancel := context.WithTimeout(ctx, firewallTimeout)
		err := s.deps.Firewall.Enable(fctx, rec.Remotes)
		if err == nil && rec.Learned != nil {
			err = s.deps.Firewall.Tighten(fctx, *rec.Learned)
		}
		cancel()
		if err != nil {
			logger.Error("Failed to re-apply kill switch: %v", err)
		}
	}

	sessCtx, cancel := context.WithCancel(s.bgCtx)
	h, err := s.deps.Adopt(sessCtx, rec)
	if err != nil {
		cancel()
		s.abort(sess.id, err)
		return fmt.Errorf("failed to adopt session: %w", err)
	}

	cfg := s.deps.Config.Get()
	s.mu.Lock()
	if !s.isCurrentUnsafe(sess.id) {
		s.mu.Unlock()
		cancel()
		return ErrSuperseded
	}
	sess.cancel = cancel
	sess.handle = h
	sess.pid = rec.PID
	sess.adopted = true
	sess.binary = rec.BinaryPath
	sess.paths = artifacts.Paths{
		Config: rec.ConfigPath,
		Auth:   rec.AuthPath,
		Log:    rec.LogPath,
		Status: rec.StatusPath,
		PID:    rec.PIDPath,
	}
	sess.remotes = rec.Remotes
	sess.learned = rec.Learned
	sess.startedAt = rec.StartedAt
	s.mu.Unlock()

	s.bg.Add(1)
	go s.supervise(sessCtx, sess, cfg)
	return nil
}

// recordAlive checks the recorded engine. Helper sessions are asked about
// through the helper since their pid belongs to root.
func (s *Service) recordAlive(ctx context.Context, rec *recovery.Record) bool {
	if rec.Mode == recovery.ModeHelper && s.deps.Probe != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		state, err := s.deps.Probe(pctx)
		return err == nil && state != tunnel.StateDisconnected
	}
	return recovery.Alive(ctx, rec)
}

func (s *Service) saveRecord(sess *session, cfg *config.Config) {
	s.mu.Lock()
	rec := &recovery.Record{
		PID:        sess.pid,
		Mode:       s.deps.Mode,
		StartedAt:  sess.startedAt,
		BinaryPath: sess.binary,
		ConfigPath: sess.paths.Config,
		AuthPath:   sess.paths.Auth,
		LogPath:    sess.paths.Log,
		StatusPath: sess.paths.Status,
		PIDPath:    sess.paths.PID,
		Remotes:    sess.remotes,
		Learned:    sess.learned,
		KillSwitch: s.deps.Firewall.IsEnabled(),
		Recovery:   cfg.Recovery.Enabled,
	}
	current := s.isCurrentUnsafe(sess.id)
	s.mu.Unlock()
	if !current {
		return
	}
	if err := s.deps.Records.Save(rec); err != nil {
		logger.Error("Failed to save session record: %v", err)
	}
}

func (s *Service) deleteRecord() {
	if err := s.deps.Records.Delete(); err != nil {
		logger.Error("Failed to delete session record: %v", err)
	}
}

// readPID reads the pid file the engine writes after it starts.
func readPID(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
