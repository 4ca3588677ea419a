package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/user/vpn-guard/internal/logger"
)

// Watchdog defaults.
const (
	DefaultConnectDeadline = 10 * time.Second
	DefaultIdleGrace       = 5 * time.Second
	TailLines              = 100
)

// ErrAuthFailed is reported when the engine rejects the credentials.
var ErrAuthFailed = errors.New("authentication failed")

// Observer receives monitor callbacks. Every callback is preceded by a
// Current check; once Current returns false the monitor stops.
type Observer interface {
	Current() bool
	Line(line string)
	Connected()
	Remote(addr netip.AddrPort, proto string)
}

// Watchdog aborts a connect attempt that is past Deadline and has produced
// no output for IdleGrace.
type Watchdog struct {
	Deadline  time.Duration
	IdleGrace time.Duration
}

func (w Watchdog) withDefaults() Watchdog {
	if w.Deadline <= 0 {
		w.Deadline = DefaultConnectDeadline
	}
	if w.IdleGrace < 0 {
		w.IdleGrace = 0
	}
	return w
}

// Result is how a monitored run ended.
type Result struct {
	Outcome Outcome
	Err     error
	// Tail holds the last engine lines seen, for diagnostics.
	Tail []string
}

// Monitor supervises one engine run.
type Monitor struct {
	Handle       Handle
	Observer     Observer
	Watchdog     Watchdog
	PollInterval time.Duration
	KillTimeout  time.Duration

	tail      []string
	connected bool
}

// Run blocks until the engine exits, the watchdog fires, the credentials are
// rejected, ctx is cancelled or the observer stops being current. Cancellation
// does not kill the engine; the caller owns that decision.
func (m *Monitor) Run(ctx context.Context) Result {
	wd := m.Watchdog.withDefaults()
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	lastActivity := time.Now()
	deadline := time.NewTimer(wd.Deadline)
	defer deadline.Stop()
	poll := time.NewTicker(interval)
	defer poll.Stop()

	lines := m.Handle.Lines()
	for {
		select {
		case <-ctx.Done():
			return m.result(OutcomeManualStop, nil)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			lastActivity = time.Now()
			if res, done := m.handleLine(ctx, line); done {
				return res
			}

		case <-deadline.C:
			if m.connected {
				continue
			}
			idle := time.Since(lastActivity)
			if idle < wd.IdleGrace {
				deadline.Reset(wd.IdleGrace - idle)
				continue
			}
			m.kill()
			err := fmt.Errorf("openvpn did not connect within %s", wd.Deadline)
			return m.result(OutcomeTimedOut, err)

		case <-poll.C:
			if !m.Observer.Current() {
				return m.result(OutcomeManualStop, nil)
			}
			exited, exitErr := m.Handle.Exited()
			if !exited {
				continue
			}
			if res, done := m.drain(ctx, lines, interval); done {
				return res
			}
			if m.connected {
				return m.result(OutcomeExitedAfterConnect, exitError("openvpn exited", exitErr))
			}
			return m.result(OutcomeExitedBeforeConnect, exitError("openvpn exited before connecting", exitErr))
		}
	}
}

func (m *Monitor) handleLine(ctx context.Context, line string) (Result, bool) {
	if !m.Observer.Current() {
		return m.result(OutcomeManualStop, nil), true
	}
	m.tail = append(m.tail, line)
	if len(m.tail) > TailLines {
		m.tail = m.tail[len(m.tail)-TailLines:]
	}
	m.Observer.Line(line)

	switch Classify(line) {
	case LineAuthFailed:
		m.kill()
		return m.result(OutcomeAuthFailed, ErrAuthFailed), true
	case LineConnected:
		if !m.connected {
			m.connected = true
			m.Observer.Connected()
		}
	default:
		if addr, proto, ok := ParseRemote(line); ok {
			m.Observer.Remote(addr, proto)
		}
	}
	return Result{}, false
}

// drain picks up output written just before the exit, such as an auth
// failure, before the exit is classified.
func (m *Monitor) drain(ctx context.Context, lines <-chan string, wait time.Duration) (Result, bool) {
	if lines == nil {
		return Result{}, false
	}
	timeout := time.NewTimer(2 * wait)
	defer timeout.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return Result{}, false
			}
			if res, done := m.handleLine(ctx, line); done {
				return res, true
			}
		case <-timeout.C:
			return Result{}, false
		case <-ctx.Done():
			return m.result(OutcomeManualStop, nil), true
		}
	}
}

func (m *Monitor) kill() {
	timeout := m.KillTimeout
	if timeout <= 0 {
		timeout = DefaultKillTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	if err := m.Handle.Kill(ctx); err != nil {
		logger.Error("Failed to kill openvpn: %v", err)
	}
}

func (m *Monitor) result(o Outcome, err error) Result {
	return Result{Outcome: o, Err: err, Tail: append([]string(nil), m.tail...)}
}

func exitError(msg string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.New(msg)
}

// Describe renders a result error with its log tail.
func (r Result) Describe() string {
	if r.Err == nil {
		return ""
	}
	if len(r.Tail) == 0 {
		return r.Err.Error()
	}
	return r.Err.Error() + "\n--- last openvpn output ---\n" + strings.Join(r.Tail, "\n")
}
