package dns

import (
	"net/netip"
	"strings"
	"testing"
)

func TestParseResolvConf(t *testing.T) {
	conf := `# generated
nameserver 10.0.0.1
; comment
nameserver   fe80::1%eth0
search example.com
nameserver 10.0.0.1
nameserver not-an-ip
nameserver 127.0.0.53
`
	got := ParseResolvConf(strings.NewReader(conf))
	want := []string{"10.0.0.1", "fe80::1", "127.0.0.53"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, w := range want {
		if got[i] != netip.MustParseAddr(w) {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], w)
		}
	}
}

func TestUpstreamDropsLoopback(t *testing.T) {
	in := []netip.Addr{
		netip.MustParseAddr("127.0.0.53"),
		netip.MustParseAddr("9.9.9.9"),
		netip.MustParseAddr("::1"),
		netip.MustParseAddr("1.1.1.1"),
	}
	got := Upstream(in)
	if len(got) != 2 || got[0].String() != "1.1.1.1" || got[1].String() != "9.9.9.9" {
		t.Fatalf("Upstream = %v", got)
	}
}
