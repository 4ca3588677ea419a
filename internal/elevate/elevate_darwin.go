//go:build darwin

package elevate

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

func wrappers() []wrapper {
	return []wrapper{{name: "sudo", args: []string{"-n"}}}
}

// RunAsAdmin re-launches the current executable with root privileges using
// the native authorization dialog, falling back to sudo.
func RunAsAdmin() error {
	args, err := selfArgs()
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(args[0]); err == nil {
		args[0] = resolved
	}

	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = quoted(a)
	}

	if osascript, err := exec.LookPath("osascript"); err == nil {
		script := fmt.Sprintf(`do shell script "%s" with administrator privileges`, escapeAppleScript(strings.Join(parts, " ")))
		cmd := exec.Command(osascript, "-e", script)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			os.Exit(0)
		}
	}

	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("osascript and sudo not available; please run as root")
	}
	return syscall.Exec(sudoPath, append([]string{"sudo"}, args...), os.Environ())
}

// quoted wraps a string in single quotes for shell usage.
func quoted(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// escapeAppleScript escapes a string for use inside an AppleScript double-quoted string.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
