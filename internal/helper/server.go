package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

const (
	requestReadTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
	killSwitchTimeout  = 30 * time.Second
)

// ServerOptions configure a helper server.
type ServerOptions struct {
	SocketPath string
	// SocketGroup, when set, owns the socket and gets 0660 access.
	SocketGroup  string
	Policy       PathPolicy
	Watchdog     tunnel.Watchdog
	PollInterval time.Duration
	KillTimeout  time.Duration
	Verbosity    int
	// Launcher starts the engine; nil uses a DirectLauncher.
	Launcher tunnel.Launcher
	// KillSwitch is nil when firewall control is not offered.
	KillSwitch *killswitch.KillSwitch
}

// Server runs at most one engine session on behalf of socket clients.
type Server struct {
	opts   ServerOptions
	events *Broadcaster

	mu        sync.Mutex
	state     tunnel.State
	sessionID uint64
	current   *serverSession
	listener  net.Listener
}

type serverSession struct {
	id     uint64
	cancel context.CancelFunc
	handle tunnel.Handle
}

// NewServer creates a helper server.
func NewServer(opts ServerOptions) *Server {
	if opts.Launcher == nil {
		opts.Launcher = &tunnel.DirectLauncher{PollInterval: opts.PollInterval, KillTimeout: opts.KillTimeout}
	}
	if opts.Policy.BinaryPrefix == "" {
		opts.Policy = DefaultPathPolicy()
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = tunnel.DefaultKillTimeout
	}
	return &Server{
		opts:   opts,
		events: NewBroadcaster(DefaultSubscriberBuffer),
		state:  tunnel.StateDisconnected,
	}
}

// State returns the current session state.
func (s *Server) State() tunnel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen opens the control socket, replacing a stale socket file left by a
// dead helper.
func (s *Server) Listen() error {
	path := s.opts.SocketPath
	ln, err := net.Listen("unix", path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		conn, dialErr := net.DialTimeout("unix", path, time.Second)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("helper already running on %s", path)
		}
		logger.Info("Removing stale socket file: %s", path)
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("failed to remove stale socket: %w", rmErr)
		}
		if ln, err = net.Listen("unix", path); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", path, err)
		}
	}
	if err := s.secureSocket(path); err != nil {
		ln.Close()
		os.Remove(path)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("Helper listening on %s", path)
	return nil
}

func (s *Server) secureSocket(path string) error {
	if s.opts.SocketGroup == "" {
		if err := os.Chmod(path, 0o666); err != nil {
			return fmt.Errorf("failed to chmod socket: %w", err)
		}
		return nil
	}
	grp, err := user.LookupGroup(s.opts.SocketGroup)
	if err != nil {
		return fmt.Errorf("unknown socket group %q: %w", s.opts.SocketGroup, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for group %q: %w", s.opts.SocketGroup, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("failed to chgrp socket: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	return nil
}

// Serve accepts clients until ctx is done, then stops the engine and removes
// the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}
	defer os.Remove(s.opts.SocketPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				defer logger.Recover("helperConnection")
				s.handleConnection(gctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()

	s.stopCurrent()
	s.mu.Lock()
	s.setStateUnsafe(tunnel.StateDisconnected)
	s.mu.Unlock()
	logger.Info("Helper stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()[:8]

	if p, ok := peerCredentials(conn); ok {
		logger.Debug("Client %s connected (uid %d, pid %d)", connID, p.UID, p.PID)
	}

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	if !scanner.Scan() {
		return
	}
	conn.SetReadDeadline(time.Time{})

	req, err := ParseRequest(scanner.Bytes())
	if err != nil {
		s.reply(conn, errResponse(err))
		return
	}
	if req.Cmd != CmdStatus && req.Cmd != CmdSubscribe {
		logger.Info("Client %s: %s %s", connID, req.Cmd, req.Action)
	}

	switch req.Cmd {
	case CmdConnect:
		s.reply(conn, s.connect(req))
	case CmdDisconnect:
		s.reply(conn, s.disconnect())
	case CmdStatus:
		s.reply(conn, okResponse(string(s.State())))
	case CmdKillSwitch:
		s.reply(conn, s.killSwitch(ctx, req))
	case CmdSubscribe:
		s.subscribe(ctx, conn)
	}
}

func (s *Server) reply(conn net.Conn, resp Response) {
	line, err := encodeLine(resp)
	if err != nil {
		logger.Error("Failed to encode response: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(line); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

// setStateUnsafe must be called with s.mu held so events follow state order.
func (s *Server) setStateUnsafe(state tunnel.State) {
	if s.state == state {
		return
	}
	s.publishStateUnsafe(state)
}

// publishStateUnsafe sets and announces state even when it is unchanged.
func (s *Server) publishStateUnsafe(state tunnel.State) {
	s.state = state
	s.events.Publish(Event{Type: EventStatus, Value: string(state)})
}

func (s *Server) isCurrent(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.id == id
}

// stopCurrent invalidates the running session and kills its engine.
func (s *Server) stopCurrent() {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.sessionID++
	s.mu.Unlock()

	if sess == nil {
		return
	}
	sess.cancel()
	if sess.handle != nil {
		s.kill(sess.handle)
	}
}

func (s *Server) kill(h tunnel.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.KillTimeout+time.Second)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		logger.Error("Failed to stop openvpn: %v", err)
	}
}

func (s *Server) connect(req Request) Response {
	if err := s.opts.Policy.CheckConnect(req); err != nil {
		logger.Warning("Rejected connect request: %v", err)
		return errResponse(err)
	}
	s.stopCurrent()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sessionID++
	id := s.sessionID
	s.current = &serverSession{id: id, cancel: cancel}
	// Subscribers following the new session arm on this event, even when a
	// replaced session was still connecting.
	s.publishStateUnsafe(tunnel.StateConnecting)
	s.mu.Unlock()

	params := tunnel.Params{
		BinaryPath: req.OpenVPNPath,
		ConfigPath: req.ConfigPath,
		AuthPath:   req.AuthPath,
		Verbosity:  s.opts.Verbosity,
	}
	h, err := s.opts.Launcher.Launch(ctx, params)
	if err != nil {
		cancel()
		s.mu.Lock()
		if s.current != nil && s.current.id == id {
			s.current = nil
			s.setStateUnsafe(tunnel.StateDisconnected)
		}
		s.mu.Unlock()
		logger.Error("Failed to launch openvpn: %v", err)
		return errResponse(err)
	}

	s.mu.Lock()
	if s.current == nil || s.current.id != id {
		s.mu.Unlock()
		cancel()
		s.kill(h)
		return errResponse(errors.New("connect superseded"))
	}
	s.current.handle = h
	s.mu.Unlock()

	logger.SafeGo("helperMonitor", func() { s.monitor(ctx, id, h) })
	return okResponse(string(tunnel.StateConnecting))
}

func (s *Server) monitor(ctx context.Context, id uint64, h tunnel.Handle) {
	m := &tunnel.Monitor{
		Handle:       h,
		Observer:     &sessionObserver{s: s, id: id},
		Watchdog:     s.opts.Watchdog,
		PollInterval: s.opts.PollInterval,
		KillTimeout:  s.opts.KillTimeout,
	}
	res := m.Run(ctx)

	s.mu.Lock()
	if s.current == nil || s.current.id != id {
		s.mu.Unlock()
		return
	}
	cancel := s.current.cancel
	s.current = nil
	s.setStateUnsafe(tunnel.StateDisconnected)
	s.mu.Unlock()
	cancel()

	if res.Err != nil {
		logger.Error("Session ended (%s): %s", res.Outcome, res.Describe())
	} else {
		logger.Info("Session ended (%s)", res.Outcome)
	}
}

type sessionObserver struct {
	s  *Server
	id uint64
}

func (o *sessionObserver) Current() bool { return o.s.isCurrent(o.id) }

func (o *sessionObserver) Line(line string) {
	o.s.events.Publish(Event{Type: EventLog, Line: line})
}

func (o *sessionObserver) Connected() {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if o.s.current != nil && o.s.current.id == o.id {
		o.s.setStateUnsafe(tunnel.StateConnected)
	}
}

func (o *sessionObserver) Remote(addr netip.AddrPort, proto string) {
	logger.Debug("openvpn remote %s (%s)", addr, proto)
}

func (s *Server) disconnect() Response {
	s.stopCurrent()
	s.mu.Lock()
	s.setStateUnsafe(tunnel.StateDisconnected)
	s.mu.Unlock()
	return okResponse(string(tunnel.StateDisconnected))
}

func (s *Server) subscribe(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	id, ch := s.events.Subscribe()
	snapshot := Event{Type: EventStatus, Value: string(s.state)}
	s.mu.Unlock()
	defer s.events.Unsubscribe(id)

	write := func(line []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := conn.Write(line)
		return err == nil
	}
	first, err := encodeLine(snapshot)
	if err != nil || !write(first) {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok || !write(line) {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) killSwitch(ctx context.Context, req Request) Response {
	ks := s.opts.KillSwitch
	if ks == nil {
		return errResponse(errors.New("kill switch not available"))
	}
	ctx, cancel := context.WithTimeout(ctx, killSwitchTimeout)
	defer cancel()

	var err error
	switch req.Action {
	case ActionEnable:
		if len(req.Remotes) == 0 {
			return errResponse(errors.New("no remotes given"))
		}
		for _, r := range req.Remotes {
			if verr := r.Validate(); verr != nil {
				return errResponse(verr)
			}
		}
		err = ks.Enable(ctx, req.Remotes)
	case ActionTighten:
		if req.Learned == nil {
			return errResponse(errors.New("no endpoint given"))
		}
		if verr := req.Learned.Validate(); verr != nil {
			return errResponse(verr)
		}
		err = ks.Tighten(ctx, *req.Learned)
	case ActionLoosen:
		err = ks.Loosen(ctx)
	case ActionDisable:
		err = ks.Disable(ctx)
	case ActionStatus:
		_, err = ks.Refresh(ctx)
	default:
		return errResponse(fmt.Errorf("unknown kill switch action %q", req.Action))
	}
	if err != nil {
		logger.Error("Kill switch %s failed: %v", req.Action, err)
		return errResponse(err)
	}
	enabled := ks.IsEnabled()
	return Response{OK: true, KillSwitch: &enabled}
}
