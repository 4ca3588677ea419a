// Package artifacts stages the files a session runs with: the tunnel
// configuration, the transient credential file and the engine's runtime files.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/user/vpn-guard/internal/logger"
)

// Download limits.
const (
	MaxConfigSize   = 2 * 1024 * 1024
	DownloadTimeout = 20 * time.Second
)

// Paths are the files of one session.
type Paths struct {
	Config string
	Auth   string
	Log    string
	Status string
	PID    string
}

// Store lays session files out under a data directory:
//
//	<dir>/configs  downloaded configurations
//	<dir>/run      pid and status files
//	<dir>/logs     engine log
//
// Credential files live under the OS temp directory.
type Store struct {
	Dir string
	// AuthDir overrides where credential files are written.
	AuthDir     string
	BearerToken string
	Client      *http.Client
}

func (s *Store) authDir() string {
	if s.AuthDir != "" {
		return s.AuthDir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("vpn-guard-%d", os.Getuid()))
}

// ResolveConfig turns a source into a local configuration path. https URLs
// are downloaded into the cache; anything else must be an existing file.
func (s *Store) ResolveConfig(ctx context.Context, source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", fmt.Errorf("config source is required")
	}
	if strings.Contains(source, "://") {
		return s.download(ctx, source)
	}

	path, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("invalid config path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("config file not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("config path %s is not a file", path)
	}
	return path, nil
}

// httpsOnly refuses redirects that leave https before applying next, or the
// default limit of 10 hops when next is nil.
func httpsOnly(next func(*http.Request, []*http.Request) error) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme != "https" {
			return fmt.Errorf("config URL redirected to non-https %s", req.URL.Redacted())
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	}
}

func (s *Store) download(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid config URL: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("config URL must use https")
	}

	client := &http.Client{Timeout: DownloadTimeout}
	if s.Client != nil {
		c := *s.Client
		client = &c
	}
	client.CheckRedirect = httpsOnly(client.CheckRedirect)
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", fmt.Errorf("invalid config URL: %w", err)
	}
	if s.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.BearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("config download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("config download failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxConfigSize+1))
	if err != nil {
		return "", fmt.Errorf("config download failed: %w", err)
	}
	if len(body) > MaxConfigSize {
		return "", fmt.Errorf("config too large (max %d bytes)", MaxConfigSize)
	}
	if err := CheckConfig(string(body)); err != nil {
		return "", err
	}

	dir := filepath.Join(s.Dir, "configs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config cache: %w", err)
	}
	sum := blake2b.Sum256([]byte(raw))
	path := filepath.Join(dir, hex.EncodeToString(sum[:16])+".ovpn")
	if err := writePrivate(path, body); err != nil {
		return "", fmt.Errorf("failed to cache config: %w", err)
	}
	logger.Info("Downloaded config from %s (%d bytes)", u.Host, len(body))
	return path, nil
}

// CheckConfig is a sanity check that text looks like a client configuration.
func CheckConfig(text string) error {
	if !strings.Contains(text, "client") || !strings.Contains(text, "remote") {
		return fmt.Errorf("downloaded config does not look like an OpenVPN client config")
	}
	return nil
}

// ReadConfig returns the text of a resolved configuration.
func ReadConfig(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxConfigSize))
	if err != nil {
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return string(data), nil
}

// WriteCredentials writes a fresh owner-only credential file.
func (s *Store) WriteCredentials(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("username and password are required")
	}
	if strings.ContainsAny(username, "\r\n") || strings.ContainsAny(password, "\r\n") {
		return "", fmt.Errorf("credentials must not contain line breaks")
	}

	dir := s.authDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create credential dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to secure credential dir: %w", err)
	}

	path := filepath.Join(dir, "auth-"+uuid.NewString()+".txt")
	if err := writePrivate(path, []byte(username+"\n"+password+"\n")); err != nil {
		return "", fmt.Errorf("failed to write credentials: %w", err)
	}
	return path, nil
}

// RemoveCredentials deletes a credential file. Missing files are fine.
func RemoveCredentials(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warning("Failed to remove credential file %s: %v", path, err)
	}
}

// Runtime prepares the log, status and pid paths for a new session. The
// previous log is rotated to openvpn.log.1.
func (s *Store) Runtime() (Paths, error) {
	runDir := filepath.Join(s.Dir, "run")
	logDir := filepath.Join(s.Dir, "logs")
	for _, d := range []string{runDir, logDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return Paths{}, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	p := Paths{
		Log:    s.EngineLogPath(),
		Status: filepath.Join(runDir, "openvpn.status"),
		PID:    filepath.Join(runDir, "openvpn.pid"),
	}
	if _, err := os.Stat(p.Log); err == nil {
		if err := os.Rename(p.Log, p.Log+".1"); err != nil {
			return Paths{}, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	for _, f := range []string{p.Log, p.Status, p.PID} {
		if err := writePrivate(f, nil); err != nil {
			return Paths{}, fmt.Errorf("failed to prepare %s: %w", f, err)
		}
	}
	return p, nil
}

// EngineLogPath is the engine log of the current session.
func (s *Store) EngineLogPath() string {
	return filepath.Join(s.Dir, "logs", "openvpn.log")
}

// SessionRecordPath is where the recovery record is kept.
func (s *Store) SessionRecordPath() string {
	return filepath.Join(s.Dir, "run", "session.json")
}

func writePrivate(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
