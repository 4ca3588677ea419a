//go:build linux

package elevate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// pkexec exit codes for a dismissed or refused authorization.
const (
	pkexecNotAuthorized = 126
	pkexecDismissed     = 127
)

func wrappers() []wrapper {
	return []wrapper{
		{name: "pkexec"},
		// Non-interactive: a supervisor in the background cannot answer a prompt.
		{name: "sudo", args: []string{"-n"}},
	}
}

// RunAsAdmin re-launches the current executable with root privileges,
// trying pkexec first and then sudo.
func RunAsAdmin() error {
	args, err := selfArgs()
	if err != nil {
		return err
	}

	if path, err := exec.LookPath("pkexec"); err == nil {
		cmd := &exec.Cmd{
			Path:   path,
			Args:   append([]string{"pkexec"}, args...),
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		}
		if code, done := pkexecResult(cmd.Run()); done {
			os.Exit(code)
		}
	}

	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("neither pkexec nor sudo found; please run as root")
	}
	return syscall.Exec(sudoPath, append([]string{"sudo"}, args...), os.Environ())
}

// pkexecResult reports the exit code to pass on, or done=false when pkexec
// never ran the command and sudo should be tried.
func pkexecResult(err error) (code int, done bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, false
	}
	switch c := exitErr.ExitCode(); c {
	case pkexecNotAuthorized, pkexecDismissed, -1:
		return 0, false
	default:
		return c, true
	}
}
