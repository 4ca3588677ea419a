package tunnel

import (
	"fmt"
	"os"
	"os/exec"
)

// EngineEnv overrides engine discovery.
const EngineEnv = "VPN_OPENVPN_PATH"

var engineCandidates = []string{
	"/usr/sbin/openvpn",
	"/usr/bin/openvpn",
	"/usr/local/sbin/openvpn",
	"/usr/local/bin/openvpn",
	"/opt/homebrew/sbin/openvpn",
	"/opt/homebrew/bin/openvpn",
}

// LocateEngine finds the openvpn binary: the explicit path, then the
// environment override, then well-known install paths, then $PATH.
func LocateEngine(explicit string) (string, error) {
	if explicit != "" {
		if isFile(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("openvpn not found at %s", explicit)
	}
	if env := os.Getenv(EngineEnv); env != "" {
		if isFile(env) {
			return env, nil
		}
		return "", fmt.Errorf("openvpn not found at %s (from %s)", env, EngineEnv)
	}
	for _, c := range engineCandidates {
		if isFile(c) {
			return c, nil
		}
	}
	if p, err := exec.LookPath("openvpn"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("openvpn not found; install it or set %s", EngineEnv)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
