package killswitch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// DefaultTable is the dedicated nft table owned by the kill switch.
const DefaultTable = "vpnguard_killswitch"

// Fallback decides what happens to a remote whose name resolves to nothing.
type Fallback string

const (
	// FallbackFailClosed allows nothing for an unresolved remote.
	FallbackFailClosed Fallback = "fail-closed"
	// FallbackAllowPort allows the remote's port and transport to any destination.
	FallbackAllowPort Fallback = "allow-port"
)

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DefaultTunnelInterfaces match the engine's tun/tap devices.
var DefaultTunnelInterfaces = []string{"tun*", "tap*"}

// Policy is everything the rule set is derived from.
type Policy struct {
	Table            string
	Remotes          []Remote
	Learned          *Endpoint
	TunnelInterfaces []string
	// DNSServers restricts port 53 to these resolvers; empty allows port 53
	// to any destination.
	DNSServers     []netip.Addr
	Fallback       Fallback
	ResolveTimeout time.Duration
}

type allowance struct {
	addr  netip.Addr // invalid means any destination
	port  uint16
	proto string
}

func (a allowance) rule() string {
	if !a.addr.IsValid() {
		return fmt.Sprintf("%s dport %d accept", a.proto, a.port)
	}
	family := "ip"
	if a.addr.Is6() {
		family = "ip6"
	}
	return fmt.Sprintf("%s daddr %s %s dport %d accept", family, a.addr, a.proto, a.port)
}

// Script renders the policy as a single nft transaction. The table is added,
// deleted and re-created inside the same transaction, so re-applying replaces
// the previous rule set atomically instead of merging into it.
func (p Policy) Script(ctx context.Context, r Resolver) (string, error) {
	table := p.Table
	if table == "" {
		table = DefaultTable
	}
	if err := validateName(table); err != nil {
		return "", err
	}

	allows, err := p.allowances(ctx, r)
	if err != nil {
		return "", err
	}

	ifaces := p.TunnelInterfaces
	if len(ifaces) == 0 {
		ifaces = DefaultTunnelInterfaces
	}

	var b strings.Builder
	fmt.Fprintf(&b, "add table inet %s\n", table)
	fmt.Fprintf(&b, "delete table inet %s\n", table)
	fmt.Fprintf(&b, "add table inet %s\n", table)
	fmt.Fprintf(&b, "add chain inet %s output { type filter hook output priority 0; policy accept; }\n", table)

	rule := func(body string) {
		fmt.Fprintf(&b, "add rule inet %s output %s\n", table, body)
	}

	rule(`oifname "lo" accept`)
	rule("ct state established,related accept")
	for _, iface := range ifaces {
		if err := validateName(strings.TrimSuffix(iface, "*")); err != nil {
			return "", fmt.Errorf("tunnel interface: %w", err)
		}
		rule(fmt.Sprintf("oifname %q accept", iface))
	}

	dns := append([]netip.Addr(nil), p.DNSServers...)
	sort.Slice(dns, func(i, j int) bool { return dns[i].Less(dns[j]) })
	if len(dns) == 0 {
		rule("udp dport 53 accept")
		rule("tcp dport 53 accept")
	}
	for _, addr := range dns {
		for _, proto := range []string{ProtoUDP, ProtoTCP} {
			rule(allowance{addr: addr, port: 53, proto: proto}.rule())
		}
	}

	for _, a := range allows {
		rule(a.rule())
	}
	rule("drop")

	return b.String(), nil
}

func (p Policy) allowances(ctx context.Context, r Resolver) ([]allowance, error) {
	if p.Learned != nil {
		if err := p.Learned.Validate(); err != nil {
			return nil, err
		}
		return []allowance{{addr: p.Learned.Addr.Unmap(), port: p.Learned.Port, proto: p.Learned.Proto}}, nil
	}

	if len(p.Remotes) == 0 {
		return nil, fmt.Errorf("no VPN remotes found in config")
	}

	fallback := p.Fallback
	if fallback == "" {
		fallback = FallbackFailClosed
	}
	if fallback != FallbackFailClosed && fallback != FallbackAllowPort {
		return nil, fmt.Errorf("unknown resolve fallback %q", fallback)
	}

	seen := map[allowance]bool{}
	var out []allowance
	add := func(a allowance) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	var unresolved []string
	for _, remote := range p.Remotes {
		if err := remote.Validate(); err != nil {
			return nil, err
		}
		addrs := p.resolve(ctx, r, remote.Host)
		if len(addrs) == 0 {
			unresolved = append(unresolved, remote.Host)
			if fallback == FallbackAllowPort {
				add(allowance{port: remote.Port, proto: remote.Proto})
			}
			continue
		}
		for _, addr := range addrs {
			add(allowance{addr: addr, port: remote.Port, proto: remote.Proto})
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no VPN remote could be allowed (unresolved: %s)", strings.Join(unresolved, ", "))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.addr != b.addr {
			return a.addr.Less(b.addr)
		}
		if a.port != b.port {
			return a.port < b.port
		}
		return a.proto < b.proto
	})
	return out, nil
}

func (p Policy) resolve(ctx context.Context, r Resolver, host string) []netip.Addr {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.WithZone("").Unmap()}
	}
	if r == nil {
		r = net.DefaultResolver
	}
	timeout := p.ResolveTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.WithZone("").Unmap())
	}
	return out
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("invalid character %q in %q", c, name)
		}
	}
	return nil
}
