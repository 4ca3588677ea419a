package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

const firewallTimeout = 30 * time.Second

// Connect starts a session. It returns once the engine is running; the
// connection itself is reported through events and Status. Any failure
// before the engine exists leaves the service Disconnected.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	cfg := s.deps.Config.Get()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sess != nil {
		s.mu.Unlock()
		logger.Warning("Connection attempt ignored: session already active")
		return ErrAlreadyActive
	}
	sess := s.beginUnsafe()
	s.mu.Unlock()

	s.budget.Reset()
	logger.Connection("Connecting (session %d)...", sess.id)

	if err := s.start(ctx, sess.id, req, cfg); err != nil {
		logger.Error("Connect failed: %v", err)
		s.abort(sess.id, err)
		return err
	}
	return nil
}

// start prepares artifacts, arms the kill switch and launches the engine for
// session id. Credentials are removed again on every failure path.
func (s *Service) start(ctx context.Context, id uint64, req ConnectRequest, cfg *config.Config) error {
	source := req.Source
	if source == "" {
		source = cfg.ConfigSource
	}
	configPath, err := s.deps.Artifacts.ResolveConfig(ctx, source)
	if err != nil {
		return err
	}
	binary, err := s.deps.Locate(cfg.Engine.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", tunnel.ErrSpawn, err)
	}
	paths, err := s.deps.Artifacts.Runtime()
	if err != nil {
		return err
	}
	paths.Config = configPath

	auth, err := s.deps.Artifacts.WriteCredentials(req.Username, req.Password)
	if err != nil {
		return err
	}
	paths.Auth = auth
	fail := func(err error) error {
		artifacts.RemoveCredentials(auth)
		return err
	}

	var remotes []killswitch.Remote
	if text, err := artifacts.ReadConfig(configPath); err == nil {
		remotes = killswitch.ParseRemotes(text)
	}
	if cfg.KillSwitch.Enabled {
		if !s.isCurrent(id) {
			return fail(ErrSuperseded)
		}
		fctx, cancel := context.WithTimeout(ctx, firewallTimeout)
		err := s.deps.Firewall.Enable(fctx, remotes)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("failed to enable kill switch: %w", err))
		}
		s.rememberRemotes(remotes)
	}

	params := tunnel.Params{
		BinaryPath:     binary,
		ConfigPath:     paths.Config,
		AuthPath:       paths.Auth,
		LogPath:        paths.Log,
		StatusPath:     paths.Status,
		PIDPath:        paths.PID,
		ManagementAddr: s.deps.ManagementAddr,
		Verbosity:      cfg.Engine.Verbosity,
	}
	sessCtx, cancel := context.WithCancel(s.bgCtx)
	h, err := s.deps.Launcher.Launch(sessCtx, params)
	if err != nil {
		cancel()
		return fail(err)
	}

	s.mu.Lock()
	if !s.isCurrentUnsafe(id) {
		s.mu.Unlock()
		cancel()
		s.kill(h, cfg)
		return fail(ErrSuperseded)
	}
	sess := s.sess
	sess.cancel = cancel
	sess.handle = h
	sess.pid = h.Pid()
	sess.binary = binary
	sess.paths = paths
	sess.remotes = remotes
	sess.startedAt = time.Now()
	if cfg.Recovery.Enabled {
		r := req
		sess.retry = &r
	}
	s.mu.Unlock()

	if cfg.Recovery.Enabled {
		s.saveRecord(sess, cfg)
	}

	s.bg.Add(1)
	go s.supervise(sessCtx, sess, cfg)
	return nil
}

func (s *Service) kill(h tunnel.Handle, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.KillTimeout+time.Second)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		logger.Error("Failed to stop openvpn: %v", err)
		return err
	}
	return nil
}

func (s *Service) supervise(ctx context.Context, sess *session, cfg *config.Config) {
	defer s.bg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic("supervise", r)
			s.finish(sess, tunnel.Result{Outcome: tunnel.OutcomeManualStop, Err: fmt.Errorf("supervisor panic: %v", r)})
		}
	}()

	m := &tunnel.Monitor{
		Handle:   sess.handle,
		Observer: &sessionObserver{s: s, sess: sess},
		Watchdog: tunnel.Watchdog{
			Deadline:  cfg.Watchdog.Deadline,
			IdleGrace: cfg.Watchdog.IdleGrace,
		},
		PollInterval: cfg.Engine.PollInterval,
		KillTimeout:  cfg.Engine.KillTimeout,
	}
	res := m.Run(ctx)
	s.finish(sess, res)
}

// finish handles the end of a monitored run. Runs that are no longer current
// only lose their credential file; Disconnect already did the rest.
func (s *Service) finish(sess *session, res tunnel.Result) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	current := s.sess == sess
	retrying := current && sess.retry != nil
	if current {
		s.sess = nil
		s.lastError = res.Err
		if retrying {
			s.pending++
		}
		s.setStateUnsafe(tunnel.StateDisconnected)
	}
	learned := sess.learned
	s.mu.Unlock()

	if sess.cancel != nil {
		sess.cancel()
	}
	artifacts.RemoveCredentials(sess.paths.Auth)
	if !current {
		return
	}

	if res.Err != nil {
		logger.Error("Session %d ended (%s): %s", sess.id, res.Outcome, res.Describe())
	} else {
		logger.Connection("Session %d ended (%s)", sess.id, res.Outcome)
	}
	s.deleteRecord()
	if learned != nil && s.deps.Firewall.IsEnabled() {
		s.loosen()
	}

	if !retrying {
		return
	}
	if !s.budget.Record(res.Outcome) {
		if res.Outcome.Retryable() {
			logger.Warning("Giving up after %d consecutive failures", s.budget.Failures())
		}
		s.releasePending()
		return
	}
	s.scheduleReconnect(sess.id, *sess.retry)
}

func (s *Service) releasePending() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// scheduleReconnect retries after a backoff unless the session id moved in
// the meantime. The caller holds one pending count, which the retry releases.
func (s *Service) scheduleReconnect(id uint64, req ConnectRequest) {
	cfg := s.deps.Config.Get()
	attempt := s.budget.Failures()
	if attempt < 1 {
		attempt = 1
	}
	delay := recovery.Backoff(attempt, cfg.Recovery.InitialBackoff, cfg.Recovery.MaxBackoff)
	logger.Info("Reconnecting in %s", delay)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.releasePending()
		defer logger.Recover("reconnect")

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.bgCtx.Done():
			return
		}

		s.mu.Lock()
		if s.closed || s.sessionID != id || s.sess != nil {
			s.mu.Unlock()
			return
		}
		sess := s.beginUnsafe()
		s.mu.Unlock()

		logger.Connection("Reconnecting (session %d)...", sess.id)
		err := s.start(s.bgCtx, sess.id, req, s.deps.Config.Get())
		if err == nil {
			return
		}
		logger.Error("Reconnect failed: %v", err)
		if s.abort(sess.id, err) && s.budget.Record(tunnel.OutcomeSpawnFailed) {
			s.mu.Lock()
			s.pending++
			s.mu.Unlock()
			s.scheduleReconnect(sess.id, req)
		}
	}()
}

// Disconnect stops the session. It is idempotent and always ends
// Disconnected. The kill switch is loosened but stays armed.
func (s *Service) Disconnect(ctx context.Context) error {
	cfg := s.deps.Config.Get()

	s.mu.Lock()
	sess := s.sess
	s.sessionID++
	s.sess = nil
	s.lastError = nil
	s.setStateUnsafe(tunnel.StateDisconnected)
	s.mu.Unlock()

	var errs []error
	if sess != nil {
		logger.Connection("Disconnecting (session %d)...", sess.id)
		if sess.cancel != nil {
			sess.cancel()
		}
		if sess.handle != nil {
			if err := s.kill(sess.handle, cfg); err != nil {
				errs = append(errs, err)
			}
		}
		artifacts.RemoveCredentials(sess.paths.Auth)
	} else if s.deps.StopOrphan != nil {
		if err := s.deps.StopOrphan(ctx); err != nil {
			logger.Debug("No orphaned engine to stop: %v", err)
		}
	}

	s.deleteRecord()
	if s.deps.Firewall.IsEnabled() {
		s.loosen()
	}
	return errors.Join(errs...)
}

func (s *Service) loosen() {
	ctx, cancel := context.WithTimeout(context.Background(), firewallTimeout)
	defer cancel()
	if err := s.deps.Firewall.Loosen(ctx); err != nil {
		logger.Error("Failed to loosen kill switch: %v", err)
	}
}

type sessionObserver struct {
	s    *Service
	sess *session
}

func (o *sessionObserver) Current() bool { return o.s.isCurrent(o.sess.id) }

func (o *sessionObserver) Line(line string) {
	o.s.events.emit(Event{Kind: EventLog, Line: line, Session: o.sess.id})
}

func (o *sessionObserver) Connected() {
	s := o.s
	s.mu.Lock()
	if !s.isCurrentUnsafe(o.sess.id) {
		s.mu.Unlock()
		return
	}
	s.setStateUnsafe(tunnel.StateConnected)
	s.mu.Unlock()

	s.budget.Reset()
	logger.Connection("VPN connected (session %d)", o.sess.id)

	cfg := s.deps.Config.Get()
	if cfg.Recovery.Enabled && !o.sess.adopted {
		if pid := readPID(o.sess.paths.PID); pid > 0 {
			s.mu.Lock()
			o.sess.pid = pid
			s.mu.Unlock()
		}
		s.saveRecord(o.sess, cfg)
	}
}

// Remote tightens the kill switch to the endpoint the engine negotiated with.
func (o *sessionObserver) Remote(addr netip.AddrPort, proto string) {
	s := o.s
	if proto == "" {
		proto = commonProto(o.sess.remotes)
	}
	ep := killswitch.Endpoint{Addr: addr.Addr().Unmap(), Port: addr.Port(), Proto: proto}
	if ep.Validate() != nil {
		return
	}

	s.mu.Lock()
	if !s.isCurrentUnsafe(o.sess.id) || (o.sess.learned != nil && *o.sess.learned == ep) {
		s.mu.Unlock()
		return
	}
	o.sess.learned = &ep
	s.mu.Unlock()

	if s.deps.Firewall.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), firewallTimeout)
		err := s.deps.Firewall.Tighten(ctx, ep)
		cancel()
		if err != nil {
			logger.Error("Failed to tighten kill switch: %v", err)
		}
	}
	cfg := s.deps.Config.Get()
	if cfg.Recovery.Enabled {
		s.saveRecord(o.sess, cfg)
	}
}

// commonProto returns the transport shared by every remote, or "".
func commonProto(remotes []killswitch.Remote) string {
	proto := ""
	for _, r := range remotes {
		if proto != "" && r.Proto != proto {
			return ""
		}
		proto = r.Proto
	}
	return proto
}
