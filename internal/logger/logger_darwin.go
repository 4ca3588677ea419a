//go:build darwin

package logger

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// getLogDir returns ~/Library/Logs/VPN Guard so logs stay writable when the
// binary lives inside a signed bundle.
func getLogDir() string {
	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, "Library", "Logs", "VPN Guard")
	}

	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func redirectStderr(f *os.File) error {
	return unix.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
