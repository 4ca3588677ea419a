// Package core provides the session supervisor: it owns the connection
// state machine, drives the engine through a launcher and keeps the kill
// switch and the recovery record in step with it.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

var (
	// ErrAlreadyActive is returned by Connect while a session exists.
	ErrAlreadyActive = errors.New("a session is already active")
	// ErrNotRunning is returned when an operation needs a session.
	ErrNotRunning = errors.New("no active session")
	// ErrSuperseded is returned when a connect was overtaken by a
	// disconnect or another connect.
	ErrSuperseded = errors.New("connect superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("service closed")
)

// Firewall is the kill switch as the supervisor sees it.
type Firewall interface {
	Enable(ctx context.Context, remotes []killswitch.Remote) error
	Tighten(ctx context.Context, ep killswitch.Endpoint) error
	Loosen(ctx context.Context) error
	Disable(ctx context.Context) error
	IsEnabled() bool
}

// ProbeFunc asks a live source for the engine state.
type ProbeFunc func(ctx context.Context) (tunnel.State, error)

// AdoptFunc wraps the engine named by a recovery record.
type AdoptFunc func(ctx context.Context, rec *recovery.Record) (tunnel.Handle, error)

// Deps are the collaborators of a Service. NewService builds them from the
// configuration; tests pass fakes.
type Deps struct {
	Config    *config.Manager
	Launcher  tunnel.Launcher
	Firewall  Firewall
	Artifacts *artifacts.Store
	Records   *recovery.Store
	// Mode is recorded with each session.
	Mode string
	// Probe, when set, is preferred over cached state.
	Probe ProbeFunc
	// Adopt defaults to following the recorded pid and log.
	Adopt AdoptFunc
	// StopOrphan stops an engine this process has no handle for.
	StopOrphan func(ctx context.Context) error
	// Locate finds the engine binary; defaults to tunnel.LocateEngine.
	Locate func(explicit string) (string, error)
	// ManagementAddr is passed to the engine when set.
	ManagementAddr string
}

// Service supervises at most one engine session.
type Service struct {
	mu        sync.Mutex
	state     tunnel.State
	sessionID uint64
	sess      *session
	lastError error
	closed    bool
	// pending counts reconnects that are scheduled but not yet started.
	pending int

	deps   Deps
	budget *recovery.Budget
	events *dispatcher

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// session is one engine run. A session without a handle is still being
// prepared.
type session struct {
	id        uint64
	cancel    context.CancelFunc
	handle    tunnel.Handle
	pid       int
	binary    string
	paths     artifacts.Paths
	remotes   []killswitch.Remote
	learned   *killswitch.Endpoint
	startedAt time.Time
	adopted   bool
	// retry is kept only while recovery is enabled.
	retry *ConnectRequest
}

// New creates a service from deps.
func New(deps Deps) *Service {
	if deps.Locate == nil {
		deps.Locate = tunnel.LocateEngine
	}
	if deps.Mode == "" {
		deps.Mode = recovery.ModeDirect
	}
	cfg := deps.Config.Get()
	if deps.Adopt == nil {
		poll := cfg.Engine.PollInterval
		deps.Adopt = func(ctx context.Context, rec *recovery.Record) (tunnel.Handle, error) {
			return tunnel.Adopt(ctx, rec.PID, rec.LogPath, poll), nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		state:    tunnel.StateDisconnected,
		deps:     deps,
		budget:   recovery.NewBudget(cfg.Recovery.MaxFailures),
		events:   newDispatcher(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// State returns the cached connection state.
func (s *Service) State() tunnel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Idle reports whether there is neither a session nor a pending reconnect.
func (s *Service) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess == nil && s.pending == 0
}

// LastError returns why the last session ended, if it failed.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Close stops background work. A running engine is left alone so that the
// next process can adopt it through the recovery record.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sess := s.sess
	s.mu.Unlock()

	s.bgCancel()
	if sess != nil && sess.cancel != nil {
		sess.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	s.events.close()
}

// setStateUnsafe must be called with s.mu held; the event is queued under the
// same lock so listeners see transitions in order.
func (s *Service) setStateUnsafe(state tunnel.State) {
	if s.state == state {
		return
	}
	s.state = state
	s.events.emit(Event{Kind: EventStatus, Status: state, Session: s.sessionID, Err: s.lastError})
}

func (s *Service) isCurrentUnsafe(id uint64) bool {
	return !s.closed && s.sess != nil && s.sess.id == id
}

func (s *Service) isCurrent(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrentUnsafe(id)
}

// beginUnsafe allocates a session id and moves to Connecting.
func (s *Service) beginUnsafe() *session {
	s.sessionID++
	s.lastError = nil
	sess := &session{id: s.sessionID}
	s.sess = sess
	s.setStateUnsafe(tunnel.StateConnecting)
	return sess
}

// abort reverts a session that never got a running engine.
func (s *Service) abort(id uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentUnsafe(id) {
		return false
	}
	s.sess = nil
	s.lastError = err
	s.setStateUnsafe(tunnel.StateDisconnected)
	return true
}
