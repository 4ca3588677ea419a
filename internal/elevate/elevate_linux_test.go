//go:build linux

package elevate

import (
	"errors"
	"os/exec"
	"testing"
)

func exitErr(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	if err == nil && code != "0" {
		t.Fatalf("sh exited 0, want %s", code)
	}
	return err
}

func TestPkexecResult(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantDone bool
	}{
		{"success", nil, 0, true},
		{"command failed", exitErr(t, "3"), 3, true},
		{"not authorized", exitErr(t, "126"), 0, false},
		{"dialog dismissed", exitErr(t, "127"), 0, false},
		{"not started", errors.New("exec: no such file"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, done := pkexecResult(tt.err)
			if code != tt.wantCode || done != tt.wantDone {
				t.Fatalf("pkexecResult = (%d, %v), want (%d, %v)", code, done, tt.wantCode, tt.wantDone)
			}
		})
	}
}
