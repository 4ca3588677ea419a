package tunnel

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultVerbosity is the engine --verb level.
const DefaultVerbosity = 3

// Params is the fixed set of inputs the engine is started with.
type Params struct {
	BinaryPath string
	ConfigPath string
	AuthPath   string
	LogPath    string
	StatusPath string
	PIDPath    string
	// ManagementAddr is host:port for the engine's management interface.
	ManagementAddr string
	Verbosity      int
}

// Validate checks the parameters every launcher needs.
func (p Params) Validate() error {
	if p.BinaryPath == "" {
		return fmt.Errorf("openvpn binary path is required")
	}
	if p.ConfigPath == "" {
		return fmt.Errorf("openvpn config path is required")
	}
	if p.ManagementAddr != "" {
		if _, _, err := net.SplitHostPort(p.ManagementAddr); err != nil {
			return fmt.Errorf("invalid management address: %w", err)
		}
	}
	return nil
}

// Args returns the engine argument vector. Credentials are never cached by
// the engine and all traffic is routed through the tunnel.
func (p Params) Args() []string {
	args := []string{"--config", p.ConfigPath}
	if p.AuthPath != "" {
		args = append(args, "--auth-user-pass", p.AuthPath, "--auth-nocache")
	}
	args = append(args, "--redirect-gateway", "def1")

	verb := p.Verbosity
	if verb <= 0 {
		verb = DefaultVerbosity
	}
	args = append(args, "--verb", strconv.Itoa(verb))

	if p.LogPath != "" {
		args = append(args, "--log-append", p.LogPath)
	}
	if p.StatusPath != "" {
		args = append(args, "--status", p.StatusPath, "1")
	}
	if p.PIDPath != "" {
		args = append(args, "--writepid", p.PIDPath)
	}
	if p.ManagementAddr != "" {
		host, port, _ := net.SplitHostPort(p.ManagementAddr)
		args = append(args, "--management", host, port)
	}
	return args
}
