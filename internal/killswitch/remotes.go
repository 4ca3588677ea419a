package killswitch

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultPort is the engine's port when a remote directive omits one.
const DefaultPort = 1194

// Transport protocols understood by the firewall rules.
const (
	ProtoUDP = "udp"
	ProtoTCP = "tcp"
)

// Remote is one remote directive of a tunnel configuration.
type Remote struct {
	Host  string `json:"host"`
	Port  uint16 `json:"port"`
	Proto string `json:"proto"`
}

func (r Remote) String() string {
	return fmt.Sprintf("%s:%d/%s", r.Host, r.Port, r.Proto)
}

// Validate checks the fields that end up in firewall rules.
func (r Remote) Validate() error {
	if r.Host == "" {
		return fmt.Errorf("remote host is required")
	}
	if strings.ContainsAny(r.Host, " \t\r\n\"';{}") {
		return fmt.Errorf("invalid remote host %q", r.Host)
	}
	if r.Port == 0 {
		return fmt.Errorf("remote %s: port is required", r.Host)
	}
	if r.Proto != ProtoUDP && r.Proto != ProtoTCP {
		return fmt.Errorf("remote %s: unsupported transport %q", r.Host, r.Proto)
	}
	return nil
}

// Endpoint is a concrete address the engine was observed talking to.
type Endpoint struct {
	Addr  netip.Addr `json:"addr"`
	Port  uint16     `json:"port"`
	Proto string     `json:"proto"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", netip.AddrPortFrom(e.Addr, e.Port), e.Proto)
}

// Validate checks the endpoint is usable in a rule.
func (e Endpoint) Validate() error {
	if !e.Addr.IsValid() {
		return fmt.Errorf("endpoint address is required")
	}
	if e.Port == 0 {
		return fmt.Errorf("endpoint port is required")
	}
	if e.Proto != ProtoUDP && e.Proto != ProtoTCP {
		return fmt.Errorf("unsupported endpoint transport %q", e.Proto)
	}
	return nil
}

// NormalizeProto maps engine transport spellings (udp4, tcp-client, ...) to
// udp or tcp. Unknown values yield "".
func NormalizeProto(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch {
	case strings.HasPrefix(p, ProtoTCP):
		return ProtoTCP
	case strings.HasPrefix(p, ProtoUDP):
		return ProtoUDP
	}
	return ""
}

// ParseRemotes extracts remote directives from configuration text. A
// per-remote transport overrides the global "proto" directive, which itself
// defaults to udp. The global directive applies regardless of where it
// appears in the file.
func ParseRemotes(text string) []Remote {
	type pending struct {
		host  string
		port  uint16
		proto string
	}

	global := ProtoUDP
	var found []pending

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "proto":
			if len(fields) > 1 {
				if p := NormalizeProto(fields[1]); p != "" {
					global = p
				}
			}
		case "remote":
			if len(fields) < 2 {
				continue
			}
			r := pending{host: fields[1], port: DefaultPort}
			if len(fields) > 2 {
				if n, err := strconv.ParseUint(fields[2], 10, 16); err == nil && n > 0 {
					r.port = uint16(n)
				}
			}
			if len(fields) > 3 {
				r.proto = NormalizeProto(fields[3])
			}
			found = append(found, r)
		}
	}

	out := make([]Remote, 0, len(found))
	for _, r := range found {
		proto := r.proto
		if proto == "" {
			proto = global
		}
		out = append(out, Remote{Host: r.host, Port: r.port, Proto: proto})
	}
	return out
}
