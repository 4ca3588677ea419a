// Package dns discovers the resolvers the system is configured to use, so the
// kill switch can keep name resolution working while everything else is blocked.
package dns

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"
)

// ResolvConfPath is the resolver configuration read by SystemResolvers.
const ResolvConfPath = "/etc/resolv.conf"

// SystemResolvers returns the nameservers from /etc/resolv.conf. A missing or
// unreadable file yields an empty list.
func SystemResolvers() []netip.Addr {
	f, err := os.Open(ResolvConfPath)
	if err != nil {
		return nil
	}
	defer f.Close()
	return ParseResolvConf(f)
}

// ParseResolvConf extracts nameserver addresses. Scoped IPv6 zones are
// dropped; the firewall matches on the bare address.
func ParseResolvConf(r io.Reader) []netip.Addr {
	seen := map[netip.Addr]bool{}
	var out []netip.Addr

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			continue
		}
		addr = addr.WithZone("").Unmap()
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// Upstream filters out loopback resolvers (stub resolvers such as
// systemd-resolved at 127.0.0.53) and returns the rest sorted.
func Upstream(addrs []netip.Addr) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		if !a.IsLoopback() && !a.IsUnspecified() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
