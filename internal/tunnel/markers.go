package tunnel

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Engine log markers with protocol meaning.
const (
	MarkerInitComplete = "Initialization Sequence Completed"
	MarkerAuthFailed   = "AUTH_FAILED"
	markerAuthFailure  = "auth-failure"
)

// LineKind is what a log line means to the monitor.
type LineKind int

const (
	LineOther LineKind = iota
	LineConnected
	LineAuthFailed
)

// Classify inspects one engine log line.
func Classify(line string) LineKind {
	switch {
	case strings.Contains(line, MarkerAuthFailed), strings.Contains(line, markerAuthFailure):
		return LineAuthFailed
	case strings.Contains(line, MarkerInitComplete):
		return LineConnected
	}
	return LineOther
}

var remoteLine = regexp.MustCompile(`(?i)(udp|tcp)\w* link remote: \[AF_INET6?\](\S+)|Peer Connection Initiated with \[AF_INET6?\](\S+)|(TCP) connection established with \[AF_INET6?\](\S+)`)

// ParseRemote extracts the concrete remote address the engine is talking to.
// proto is "udp", "tcp" or "" when the line does not say.
func ParseRemote(line string) (netip.AddrPort, string, bool) {
	m := remoteLine.FindStringSubmatch(line)
	if m == nil {
		return netip.AddrPort{}, "", false
	}
	var raw, proto string
	switch {
	case m[2] != "":
		raw, proto = m[2], strings.ToLower(m[1])
	case m[3] != "":
		raw = m[3]
	default:
		raw, proto = m[5], "tcp"
	}

	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return netip.AddrPort{}, "", false
	}
	addr, err := netip.ParseAddr(strings.Trim(raw[:i], "[]"))
	if err != nil {
		return netip.AddrPort{}, "", false
	}
	port, err := strconv.ParseUint(raw[i+1:], 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, "", false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), proto, true
}
