package main

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/tunnel"
)

func TestCredentialsFromStdin(t *testing.T) {
	t.Setenv(envPassword, "ignored")
	req, err := credentials(strings.NewReader("hunter2\r\n"), io.Discard, "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if req.Username != "alice" || req.Password != "hunter2" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(envUsername, "bob")
	t.Setenv(envPassword, "pw")
	var prompt bytes.Buffer
	req, err := credentials(strings.NewReader(""), &prompt, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Username != "bob" || req.Password != "pw" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if prompt.Len() != 0 {
		t.Fatalf("prompted although the password was set: %q", prompt.String())
	}
}

// setupCLI points every state directory at a temp dir and selects helper
// mode with a socket nobody listens on.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv(config.EnvLaunchMode, string(config.LaunchHelper))
	t.Setenv(config.EnvSocketPath, filepath.Join(dir, "missing.sock"))
	t.Setenv(config.EnvConfigSource, "")
	t.Setenv(config.EnvRecovery, "")
	return filepath.Join(dir, "config", "vpn-guard", "config.yaml")
}

func TestStatusJSONWithoutHelper(t *testing.T) {
	cfgPath := setupCLI(t)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--json", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var report statusReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("json parse: %v; output=%s", err, out.String())
	}
	if report.State != tunnel.StateDisconnected {
		t.Fatalf("state = %q", report.State)
	}
	if report.KillSwitch {
		t.Fatal("kill switch reported on without a helper")
	}
	if report.Error == "" {
		t.Fatal("expected the unreachable helper to be reported")
	}
}

func TestDetachNeedsRecovery(t *testing.T) {
	cfgPath := setupCLI(t)
	t.Setenv(envUsername, "alice")
	t.Setenv(envPassword, "pw")

	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"up", "--detach", "--config", cfgPath})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "recovery") {
		t.Fatalf("expected recovery error, got %v", err)
	}
}
