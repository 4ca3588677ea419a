// Package recovery persists the running session so a restarted supervisor
// can find and adopt an engine that outlived it.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/procutil"
)

// Launch modes recorded with a session.
const (
	ModeDirect   = "direct"
	ModeElevated = "elevate"
	ModeHelper   = "helper"
)

// EngineName is the process name prefix a recorded pid must carry.
const EngineName = "openvpn"

// Record is the persisted subset of a running session.
type Record struct {
	PID        int                  `json:"pid"`
	Mode       string               `json:"mode"`
	StartedAt  time.Time            `json:"started_at"`
	BinaryPath string               `json:"binary_path"`
	ConfigPath string               `json:"config_path"`
	AuthPath   string               `json:"auth_path,omitempty"`
	LogPath    string               `json:"log_path,omitempty"`
	StatusPath string               `json:"status_path,omitempty"`
	PIDPath    string               `json:"pid_path,omitempty"`
	Remotes    []killswitch.Remote  `json:"remotes,omitempty"`
	Learned    *killswitch.Endpoint `json:"learned,omitempty"`
	KillSwitch bool                 `json:"killswitch"`
	Recovery   bool                 `json:"recovery"`
}

// Store keeps at most one record in a JSON file.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the record file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes rec atomically with owner-only permissions.
func (s *Store) Save(rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil when there is none.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}
	return &rec, nil
}

// Delete removes the record. A missing record is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// Alive reports whether the recorded engine is still running.
func Alive(ctx context.Context, rec *Record) bool {
	if rec == nil || rec.PID <= 0 {
		return false
	}
	return procutil.IsNamed(ctx, rec.PID, EngineName)
}
