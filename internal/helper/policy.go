package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathPolicy decides which paths a client may hand to the helper.
type PathPolicy struct {
	// BinaryPrefix is the required basename prefix of the engine binary.
	BinaryPrefix string
	// TempPrefixes are directories under which not-yet-existing auxiliary
	// files are accepted.
	TempPrefixes []string
}

// DefaultPathPolicy accepts openvpn* binaries and the usual temp dirs.
func DefaultPathPolicy() PathPolicy {
	prefixes := []string{"/tmp/", "/private/tmp/", "/var/folders/", "/private/var/folders/"}
	if tmp := filepath.Clean(os.TempDir()); tmp != "/" {
		prefixes = append(prefixes, tmp+"/")
	}
	return PathPolicy{BinaryPrefix: "openvpn", TempPrefixes: prefixes}
}

func checkShape(kind, path string) error {
	if path == "" {
		return fmt.Errorf("%s path is required", kind)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s path must be absolute", kind)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("%s path must be clean", kind)
	}
	return nil
}

// CheckBinary accepts an existing regular file named like the engine.
func (p PathPolicy) CheckBinary(path string) error {
	if err := checkShape("openvpn", path); err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("openvpn binary not found")
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("openvpn path is not a regular file")
	}
	if !strings.HasPrefix(filepath.Base(path), p.BinaryPrefix) {
		return fmt.Errorf("openvpn path is not allowed")
	}
	return nil
}

// CheckAux accepts an existing regular file, or any path under a temp prefix.
func (p PathPolicy) CheckAux(kind, path string) error {
	if err := checkShape(kind, path); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode().IsRegular() {
			return nil
		}
		return fmt.Errorf("%s path is not a regular file", kind)
	}
	for _, prefix := range p.TempPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%s path is not allowed", kind)
}

// CheckConnect validates a connect request.
func (p PathPolicy) CheckConnect(req Request) error {
	if err := p.CheckBinary(req.OpenVPNPath); err != nil {
		return err
	}
	if err := p.CheckAux("config", req.ConfigPath); err != nil {
		return err
	}
	if _, err := os.Stat(req.ConfigPath); err != nil {
		return fmt.Errorf("config file not found")
	}
	if req.AuthPath != "" {
		if err := p.CheckAux("auth", req.AuthPath); err != nil {
			return err
		}
	}
	return nil
}
