//go:build unix

// Package procutil holds the small process helpers shared by the supervisor
// and the privileged helper.
package procutil

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Detach starts cmd in its own session so it survives the parent and does
// not receive terminal signals aimed at the parent's process group.
func Detach(cmd *exec.Cmd) *exec.Cmd {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	return cmd
}

// Alive reports whether pid refers to a running process. EPERM counts as
// alive: the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Name returns the executable name of pid.
func Name(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// IsNamed reports whether pid is alive and its executable name starts with
// prefix. It guards adoption of a recorded pid against pid reuse.
func IsNamed(ctx context.Context, pid int, prefix string) bool {
	if !Alive(pid) {
		return false
	}
	name, err := Name(ctx, pid)
	if err != nil {
		// Name lookups can be denied for foreign processes; liveness is all we know.
		return errors.Is(err, os.ErrPermission)
	}
	return strings.HasPrefix(name, prefix)
}

// Terminate sends SIGTERM to pid, polls for exit until timeout, then SIGKILL.
// exited, when non-nil, is consulted instead of signal-0 polling; it lets a
// parent that reaps its child observe the exit.
func Terminate(pid int, timeout time.Duration, exited func() bool) error {
	if pid <= 0 {
		return nil
	}
	gone := exited
	if gone == nil {
		gone = func() bool { return !Alive(pid) }
	}
	if gone() {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if gone() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
