package tunnel

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	lines chan string

	mu     sync.Mutex
	exited bool
	killed int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{lines: make(chan string, 64)}
}

func (f *fakeHandle) Pid() int             { return 4242 }
func (f *fakeHandle) Lines() <-chan string { return f.lines }

func (f *fakeHandle) Exited() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited, nil
}

func (f *fakeHandle) Kill(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	f.exited = true
	return nil
}

func (f *fakeHandle) exit() {
	f.mu.Lock()
	f.exited = true
	f.mu.Unlock()
}

func (f *fakeHandle) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type recorder struct {
	mu        sync.Mutex
	current   bool
	lines     []string
	connected int
	remotes   []netip.AddrPort
}

func newRecorder() *recorder { return &recorder{current: true} }

func (r *recorder) Current() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *recorder) Line(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

func (r *recorder) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) Remote(a netip.AddrPort, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes = append(r.remotes, a)
}

func (r *recorder) setCurrent(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = v
}

func runMonitor(h Handle, obs Observer, wd Watchdog) <-chan Result {
	out := make(chan Result, 1)
	m := &Monitor{Handle: h, Observer: obs, Watchdog: wd, PollInterval: 10 * time.Millisecond}
	go func() { out <- m.Run(context.Background()) }()
	return out
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish")
	}
	return Result{}
}

func TestArgs(t *testing.T) {
	p := Params{
		BinaryPath:     "/usr/sbin/openvpn",
		ConfigPath:     "/c.ovpn",
		AuthPath:       "/tmp/auth",
		LogPath:        "/l",
		StatusPath:     "/s",
		PIDPath:        "/p",
		ManagementAddr: "127.0.0.1:2077",
	}
	want := []string{
		"--config", "/c.ovpn",
		"--auth-user-pass", "/tmp/auth", "--auth-nocache",
		"--redirect-gateway", "def1",
		"--verb", "3",
		"--log-append", "/l",
		"--status", "/s", "1",
		"--writepid", "/p",
		"--management", "127.0.0.1", "2077",
	}
	if got := p.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Args = %v\nwant %v", got, want)
	}
	if err := (Params{BinaryPath: "x"}).Validate(); err == nil {
		t.Fatal("missing config accepted")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]LineKind{
		"2024 Initialization Sequence Completed":          LineConnected,
		"AUTH: Received control message: AUTH_FAILED":     LineAuthFailed,
		"SIGTERM[soft,auth-failure] received, exiting":    LineAuthFailed,
		"TLS: Initial packet from [AF_INET]1.2.3.4:1194": LineOther,
	}
	for line, want := range cases {
		if got := Classify(line); got != want {
			t.Errorf("Classify(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestParseRemote(t *testing.T) {
	cases := []struct {
		line  string
		addr  string
		proto string
	}{
		{"UDPv4 link remote: [AF_INET]203.0.113.7:1194", "203.0.113.7:1194", "udp"},
		{"TCP/UDP: link remote: x", "", ""},
		{"TCPv4_CLIENT link remote: [AF_INET]198.51.100.2:443", "198.51.100.2:443", "tcp"},
		{"TCP connection established with [AF_INET]198.51.100.3:443", "198.51.100.3:443", "tcp"},
		{"[vpn] Peer Connection Initiated with [AF_INET]203.0.113.9:1194", "203.0.113.9:1194", ""},
		{"UDP link remote: [AF_INET6]2001:db8::7:1194", "[2001:db8::7]:1194", "udp"},
	}
	for _, c := range cases {
		ap, proto, ok := ParseRemote(c.line)
		if c.addr == "" {
			if ok {
				t.Errorf("ParseRemote(%q) matched %v", c.line, ap)
			}
			continue
		}
		if !ok || ap.String() != c.addr || proto != c.proto {
			t.Errorf("ParseRemote(%q) = %v %q %v, want %s %q", c.line, ap, proto, ok, c.addr, c.proto)
		}
	}
}

func TestMonitorConnectsAndExits(t *testing.T) {
	h := newFakeHandle()
	obs := newRecorder()
	done := runMonitor(h, obs, Watchdog{Deadline: time.Second})

	h.lines <- "UDPv4 link remote: [AF_INET]203.0.113.7:1194"
	h.lines <- "Initialization Sequence Completed"
	time.Sleep(50 * time.Millisecond)
	h.exit()

	res := waitResult(t, done)
	if res.Outcome != OutcomeExitedAfterConnect {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.connected != 1 || len(obs.lines) != 2 || len(obs.remotes) != 1 {
		t.Fatalf("observer = %+v", obs)
	}
}

func TestMonitorAuthFailure(t *testing.T) {
	h := newFakeHandle()
	done := runMonitor(h, newRecorder(), Watchdog{Deadline: time.Second})
	h.lines <- "AUTH: Received control message: AUTH_FAILED"

	res := waitResult(t, done)
	if res.Outcome != OutcomeAuthFailed || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if h.kills() == 0 {
		t.Fatal("engine not killed on auth failure")
	}
	if len(res.Tail) != 1 || !strings.Contains(res.Describe(), "AUTH_FAILED") {
		t.Fatalf("tail = %v", res.Tail)
	}
}

func TestMonitorAuthFailureJustBeforeExit(t *testing.T) {
	h := newFakeHandle()
	h.lines <- "AUTH_FAILED"
	h.exit()
	res := waitResult(t, runMonitor(h, newRecorder(), Watchdog{Deadline: time.Second}))
	if res.Outcome != OutcomeAuthFailed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestMonitorExitBeforeConnect(t *testing.T) {
	h := newFakeHandle()
	h.exit()
	res := waitResult(t, runMonitor(h, newRecorder(), Watchdog{Deadline: time.Second}))
	if res.Outcome != OutcomeExitedBeforeConnect || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestWatchdogBounds(t *testing.T) {
	const deadline = 150 * time.Millisecond
	const grace = 100 * time.Millisecond

	h := newFakeHandle()
	start := time.Now()
	done := runMonitor(h, newRecorder(), Watchdog{Deadline: deadline, IdleGrace: grace})
	// Output right before the deadline pushes the timeout out by the grace period.
	time.Sleep(deadline - 30*time.Millisecond)
	h.lines <- "TLS handshake in progress"

	res := waitResult(t, done)
	elapsed := time.Since(start)
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if elapsed < deadline {
		t.Fatalf("watchdog fired after %v, before deadline %v", elapsed, deadline)
	}
	if elapsed > deadline+grace+time.Second {
		t.Fatalf("watchdog fired after %v, too late", elapsed)
	}
	if h.kills() == 0 {
		t.Fatal("engine not killed by watchdog")
	}
}

func TestWatchdogQuietEngine(t *testing.T) {
	const deadline = 100 * time.Millisecond
	start := time.Now()
	res := waitResult(t, runMonitor(newFakeHandle(), newRecorder(), Watchdog{Deadline: deadline, IdleGrace: 50 * time.Millisecond}))
	elapsed := time.Since(start)
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if elapsed < deadline || elapsed > deadline+50*time.Millisecond+time.Second {
		t.Fatalf("elapsed %v outside bounds", elapsed)
	}
}

func TestMonitorStopsWhenSuperseded(t *testing.T) {
	h := newFakeHandle()
	obs := newRecorder()
	done := runMonitor(h, obs, Watchdog{Deadline: time.Minute})
	obs.setCurrent(false)
	h.lines <- "Initialization Sequence Completed"

	res := waitResult(t, done)
	if res.Outcome != OutcomeManualStop {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.connected != 0 || len(obs.lines) != 0 {
		t.Fatal("stale monitor reported to observer")
	}
}

func TestMonitorCancel(t *testing.T) {
	h := newFakeHandle()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Result, 1)
	go func() {
		out <- (&Monitor{Handle: h, Observer: newRecorder(), PollInterval: 10 * time.Millisecond}).Run(ctx)
	}()
	cancel()
	if res := waitResult(t, out); res.Outcome != OutcomeManualStop {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if h.kills() != 0 {
		t.Fatal("cancel killed the engine")
	}
}

func TestTailerCarriesPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openvpn.log")
	if err := os.WriteFile(path, []byte("first\nsec"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl := &Tailer{Path: path, Interval: 10 * time.Millisecond}
	go tl.Run(ctx, func(l string) { got <- l })

	expect := func(want string) {
		t.Helper()
		select {
		case l := <-got:
			if l != want {
				t.Fatalf("line = %q, want %q", l, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	expect("first")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("ond\r\nthird\n")
	f.Close()
	expect("second")
	expect("third")

	// Truncation restarts from the beginning.
	if err := os.WriteFile(path, []byte("x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	expect("x")
}

func TestLogContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	os.WriteFile(path, []byte(strings.Repeat("noise\n", 100)+MarkerInitComplete+"\n"), 0o600)
	if !LogContains(path, MarkerInitComplete) {
		t.Fatal("marker not found")
	}
	if LogContains(filepath.Join(t.TempDir(), "missing"), MarkerInitComplete) {
		t.Fatal("missing file reported marker")
	}
}

func TestParseManagementState(t *testing.T) {
	cases := map[string]State{
		"1700000000,CONNECTED,SUCCESS,10.8.0.2,203.0.113.7,1194,,\nEND\n": StateConnected,
		"1700000000,WAIT,,,,,,\nEND\n":                                   StateConnecting,
		"1700000000,EXITING,SIGTERM,,,,,\nEND\n":                         StateDisconnected,
	}
	for reply, want := range cases {
		got, err := ParseManagementState(reply)
		if err != nil || got != want {
			t.Errorf("ParseManagementState(%q) = %v, %v", reply, got, err)
		}
	}
	if _, err := ParseManagementState("garbage"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestManagementState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(">INFO:OpenVPN Management Interface Version 5\r\n"))
		line, _ := bufio.NewReader(conn).ReadString('\n')
		if strings.TrimSpace(line) == "state" {
			conn.Write([]byte("1700000000,CONNECTED,SUCCESS,10.8.0.2,203.0.113.7\r\nEND\r\n"))
		}
	}()

	m := &Management{Addr: ln.Addr().String(), Timeout: time.Second}
	st, err := m.State(context.Background())
	if err != nil || st != StateConnected {
		t.Fatalf("State = %v, %v", st, err)
	}
}

func writeFakeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openvpn")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDirectLauncherPiped(t *testing.T) {
	bin := writeFakeEngine(t, "echo starting\necho 'Initialization Sequence Completed'\nexec sleep 30\n")
	l := &DirectLauncher{PollInterval: 10 * time.Millisecond, KillTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := l.Launch(ctx, Params{BinaryPath: bin, ConfigPath: "/dev/null"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	obs := newRecorder()
	out := make(chan Result, 1)
	mctx, mcancel := context.WithCancel(context.Background())
	go func() {
		out <- (&Monitor{Handle: h, Observer: obs, PollInterval: 10 * time.Millisecond, Watchdog: Watchdog{Deadline: 5 * time.Second}}).Run(mctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		obs.mu.Lock()
		c := obs.connected
		obs.mu.Unlock()
		if c == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine output never reported connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	kctx, kcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer kcancel()
	if err := h.Kill(kctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if exited, _ := h.Exited(); !exited {
		t.Fatal("engine still running after Kill")
	}
	mcancel()
	waitResult(t, out)
}

func TestDirectLauncherTailsLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "openvpn.log")
	// The fake engine honours --log-append the way the real one does.
	bin := writeFakeEngine(t, `while [ $# -gt 0 ]; do
  if [ "$1" = "--log-append" ]; then log="$2"; fi
  shift
done
echo 'Initialization Sequence Completed' >> "$log"
sleep 1
`)
	l := &DirectLauncher{PollInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := l.Launch(ctx, Params{BinaryPath: bin, ConfigPath: "/dev/null", LogPath: logPath})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	res := waitResult(t, runMonitor(h, newRecorder(), Watchdog{Deadline: 5 * time.Second}))
	if res.Outcome != OutcomeExitedAfterConnect {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
}

func TestDirectLauncherMissingBinary(t *testing.T) {
	_, err := (&DirectLauncher{}).Launch(context.Background(), Params{BinaryPath: "/nonexistent/openvpn", ConfigPath: "/dev/null"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestLocateEngine(t *testing.T) {
	bin := writeFakeEngine(t, "exit 0\n")
	if got, err := LocateEngine(bin); err != nil || got != bin {
		t.Fatalf("explicit: %v %v", got, err)
	}
	t.Setenv(EngineEnv, bin)
	if got, err := LocateEngine(""); err != nil || got != bin {
		t.Fatalf("env: %v %v", got, err)
	}
	t.Setenv(EngineEnv, filepath.Join(t.TempDir(), "nope"))
	if _, err := LocateEngine(""); err == nil {
		t.Fatal("bad env override accepted")
	}
}
