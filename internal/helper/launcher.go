package helper

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

// Launcher runs the engine through the helper. Output arrives as log events
// and is mirrored into the local log file when Params.LogPath is set.
type Launcher struct {
	Client *Client
}

// Launch subscribes before connecting so no output is missed.
func (l *Launcher) Launch(ctx context.Context, p tunnel.Params) (tunnel.Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	events, err := l.Client.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", tunnel.ErrSpawn, err)
	}
	h := newRemoteHandle(subCtx, cancel, l.Client, p.LogPath)
	go h.run(events, false)

	if err := l.Client.Connect(ctx, p.BinaryPath, p.ConfigPath, p.AuthPath); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", tunnel.ErrSpawn, err)
	}
	return h, nil
}

// Reattach follows a session the helper is already running. The handle is
// exited at once when the helper reports no session.
func (l *Launcher) Reattach(ctx context.Context, logPath string) (tunnel.Handle, error) {
	subCtx, cancel := context.WithCancel(ctx)
	events, err := l.Client.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	h := newRemoteHandle(subCtx, cancel, l.Client, logPath)
	go h.run(events, true)
	return h, nil
}

type remoteHandle struct {
	client  *Client
	ctx     context.Context
	cancel  context.CancelFunc
	logPath string
	lines   chan string

	mu      sync.Mutex
	done    chan struct{}
	exitErr error
	closed  bool
}

func newRemoteHandle(ctx context.Context, cancel context.CancelFunc, c *Client, logPath string) *remoteHandle {
	return &remoteHandle{
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		logPath: logPath,
		lines:   make(chan string, 256),
		done:    make(chan struct{}),
	}
}

// run consumes helper events. A fresh launch ignores the status snapshot and
// arms on "connecting"; a reattach trusts the snapshot.
func (h *remoteHandle) run(events <-chan Event, reattach bool) {
	defer close(h.lines)
	defer logger.Recover("remoteHandle")

	var logFile *os.File
	if h.logPath != "" {
		f, err := os.OpenFile(h.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			logger.Warning("Cannot mirror helper output to %s: %v", h.logPath, err)
		} else {
			logFile = f
			defer logFile.Close()
		}
	}

	armed := false
	first := true
	for ev := range events {
		switch ev.Type {
		case EventLog:
			if logFile != nil {
				fmt.Fprintln(logFile, ev.Line)
			}
			h.emit(ev.Line)
		case EventStatus:
			snapshot := first
			first = false
			if snapshot && !reattach {
				continue
			}
			switch tunnel.State(ev.Value) {
			case tunnel.StateConnecting:
				armed = true
			case tunnel.StateConnected:
				armed = true
				if snapshot {
					// The engine's completion line was emitted before we attached.
					h.emit(tunnel.MarkerInitComplete)
				}
			case tunnel.StateDisconnected:
				if armed || snapshot {
					h.finish(nil)
					return
				}
			}
		}
	}
	h.finish(fmt.Errorf("lost connection to helper"))
}

func (h *remoteHandle) emit(line string) {
	select {
	case h.lines <- line:
	case <-h.ctx.Done():
	}
}

func (h *remoteHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.exitErr = err
	close(h.done)
	h.cancel()
}

func (h *remoteHandle) Pid() int             { return 0 }
func (h *remoteHandle) Lines() <-chan string { return h.lines }

func (h *remoteHandle) Exited() (bool, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return true, h.exitErr
	default:
		return false, nil
	}
}

func (h *remoteHandle) Kill(ctx context.Context) error {
	err := h.client.Disconnect(ctx)
	h.finish(nil)
	if err != nil {
		return fmt.Errorf("helper disconnect: %w", err)
	}
	return nil
}

// RemoteFirewall drives the helper's kill switch.
type RemoteFirewall struct {
	Client *Client

	mu      sync.Mutex
	enabled bool
}

func (f *RemoteFirewall) do(ctx context.Context, action string, remotes []killswitch.Remote, learned *killswitch.Endpoint) error {
	enabled, err := f.Client.KillSwitch(ctx, action, remotes, learned)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
	return nil
}

func (f *RemoteFirewall) Enable(ctx context.Context, remotes []killswitch.Remote) error {
	return f.do(ctx, ActionEnable, remotes, nil)
}

func (f *RemoteFirewall) Tighten(ctx context.Context, ep killswitch.Endpoint) error {
	return f.do(ctx, ActionTighten, nil, &ep)
}

func (f *RemoteFirewall) Loosen(ctx context.Context) error {
	return f.do(ctx, ActionLoosen, nil, nil)
}

func (f *RemoteFirewall) Disable(ctx context.Context) error {
	return f.do(ctx, ActionDisable, nil, nil)
}

// Refresh asks the helper whether the rules are in place.
func (f *RemoteFirewall) Refresh(ctx context.Context) (bool, error) {
	if err := f.do(ctx, ActionStatus, nil, nil); err != nil {
		return f.IsEnabled(), err
	}
	return f.IsEnabled(), nil
}

// IsEnabled returns the state seen in the last helper response.
func (f *RemoteFirewall) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
