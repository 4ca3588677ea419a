//go:build linux || darwin

// Package elevate runs commands with root privileges.
package elevate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrNoWrapper is returned when no privilege wrapper is installed.
var ErrNoWrapper = errors.New("no privilege wrapper (pkexec or sudo) found")

// IsAdmin returns true if the current process is running as root.
func IsAdmin() bool {
	return os.Geteuid() == 0
}

// Wrap returns a copy of cmd that runs through the first available privilege
// wrapper. The wrapper execs the target, so the returned process pid is the
// target's pid. When already root cmd is returned unchanged.
func Wrap(cmd *exec.Cmd) (*exec.Cmd, error) {
	if IsAdmin() {
		return cmd, nil
	}
	for _, w := range wrappers() {
		path, err := exec.LookPath(w.name)
		if err != nil {
			continue
		}
		args := append(append([]string{}, w.args...), cmd.Path)
		args = append(args, cmd.Args[1:]...)

		wrapped := exec.Command(path, args...)
		wrapped.Env = cmd.Env
		wrapped.Dir = cmd.Dir
		wrapped.Stdin = cmd.Stdin
		wrapped.Stdout = cmd.Stdout
		wrapped.Stderr = cmd.Stderr
		wrapped.SysProcAttr = cmd.SysProcAttr
		return wrapped, nil
	}
	return nil, ErrNoWrapper
}

type wrapper struct {
	name string
	args []string
}

func selfArgs() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	return append([]string{exe}, os.Args[1:]...), nil
}
