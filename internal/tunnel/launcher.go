package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/procutil"
)

// DefaultKillTimeout bounds how long a stop waits before SIGKILL.
const DefaultKillTimeout = 5 * time.Second

// Handle is a running engine process as seen by the monitor.
type Handle interface {
	// Pid is 0 when the process is not local.
	Pid() int
	// Lines delivers engine output. It is closed when no more output will come.
	Lines() <-chan string
	// Exited reports, without blocking, whether the process has ended.
	Exited() (bool, error)
	// Kill terminates the process and waits for it within ctx.
	Kill(ctx context.Context) error
}

// Launcher starts the engine. The context bounds the lifetime of the output
// stream, not the process: stopping the process is Handle.Kill's job.
type Launcher interface {
	Launch(ctx context.Context, p Params) (Handle, error)
}

// ErrSpawn marks failures to start the engine process.
var ErrSpawn = errors.New("failed to start openvpn")

// DirectLauncher spawns the engine as a child of this process.
type DirectLauncher struct {
	// Wrap, when set, rewrites the command (for example through pkexec).
	Wrap         func(*exec.Cmd) (*exec.Cmd, error)
	PollInterval time.Duration
	KillTimeout  time.Duration
}

// Launch starts the engine in its own session. With a LogPath the log file is
// tailed; otherwise stdout and stderr are read directly.
func (l *DirectLauncher) Launch(ctx context.Context, p Params) (Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(p.BinaryPath); err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: openvpn binary not found at %s", ErrSpawn, p.BinaryPath)
	}

	cmd := exec.Command(p.BinaryPath, p.Args()...)
	if l.Wrap != nil {
		wrapped, err := l.Wrap(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		cmd = wrapped
	}
	procutil.Detach(cmd)

	lines := make(chan string, 256)
	var pipes []io.Reader
	if p.LogPath == "" {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		pipes = []io.Reader{stdout, stderr}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	logger.Info("Started openvpn (pid %d)", cmd.Process.Pid)

	h := &process{
		pid:         cmd.Process.Pid,
		lines:       lines,
		done:        make(chan struct{}),
		killTimeout: l.KillTimeout,
		mgmtAddr:    p.ManagementAddr,
	}

	emit := func(line string) {
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	}

	var readers sync.WaitGroup
	if p.LogPath != "" {
		readers.Add(1)
		go func() {
			defer readers.Done()
			defer logger.Recover("tailLog")
			t := &Tailer{Path: p.LogPath, Interval: l.PollInterval}
			t.Run(ctx, emit)
		}()
	}
	for _, r := range pipes {
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			defer logger.Recover("readEngineOutput")
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				emit(scanner.Text())
			}
		}(r)
	}

	go func() {
		defer logger.Recover("waitEngine")
		// Pipes must be drained before Wait closes them.
		if len(pipes) > 0 {
			readers.Wait()
		}
		err := cmd.Wait()
		h.setExited(err)
		if len(pipes) == 0 {
			readers.Wait()
		}
		close(lines)
	}()

	return h, nil
}

type process struct {
	pid         int
	lines       chan string
	killTimeout time.Duration
	mgmtAddr    string

	mu      sync.Mutex
	done    chan struct{}
	exitErr error
}

func (p *process) Pid() int             { return p.pid }
func (p *process) Lines() <-chan string { return p.lines }

func (p *process) setExited(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *process) Exited() (bool, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitErr
	default:
		return false, nil
	}
}

func (p *process) exited() bool {
	done, _ := p.Exited()
	return done
}

func (p *process) Kill(ctx context.Context) error {
	err := procutil.Terminate(p.pid, killTimeout(ctx, p.killTimeout), p.exited)
	if errors.Is(err, os.ErrPermission) && p.mgmtAddr != "" {
		// An elevated engine cannot be signalled by us; ask it to exit itself.
		err = (&Management{Addr: p.mgmtAddr}).Signal(ctx, "SIGTERM")
	}
	if err != nil {
		return fmt.Errorf("failed to stop openvpn (pid %d): %w", p.pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func killTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultKillTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < fallback {
			return left
		}
	}
	return fallback
}

// adopted is an engine started by an earlier incarnation of the supervisor.
type adopted struct {
	pid         int
	lines       chan string
	killTimeout time.Duration
}

// Adopt wraps a still-running engine found through a persisted record. Its
// log file is read from the start so the completion marker is seen again.
func Adopt(ctx context.Context, pid int, logPath string, interval time.Duration) Handle {
	a := &adopted{pid: pid, lines: make(chan string, 256)}
	go func() {
		defer close(a.lines)
		defer logger.Recover("tailAdoptedLog")
		if logPath == "" {
			<-ctx.Done()
			return
		}
		t := &Tailer{Path: logPath, Interval: interval}
		t.Run(ctx, func(line string) {
			select {
			case a.lines <- line:
			case <-ctx.Done():
			}
		})
	}()
	return a
}

func (a *adopted) Pid() int             { return a.pid }
func (a *adopted) Lines() <-chan string { return a.lines }

func (a *adopted) Exited() (bool, error) {
	if procutil.Alive(a.pid) {
		return false, nil
	}
	return true, nil
}

func (a *adopted) Kill(ctx context.Context) error {
	if err := procutil.Terminate(a.pid, killTimeout(ctx, a.killTimeout), nil); err != nil {
		return fmt.Errorf("failed to stop openvpn (pid %d): %w", a.pid, err)
	}
	return nil
}
