//go:build linux

package logger

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// getLogDir returns $XDG_STATE_HOME/vpn-guard, falling back to ~/.local/state.
func getLogDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "vpn-guard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "vpn-guard")
}

func redirectStderr(f *os.File) error {
	return unix.Dup3(int(f.Fd()), int(os.Stderr.Fd()), 0)
}
