package core

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

type fakeHandle struct {
	lines  chan string
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	killed bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{lines: make(chan string, 64), done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int             { return 4242 }
func (h *fakeHandle) Lines() <-chan string { return h.lines }

func (h *fakeHandle) Exited() (bool, error) {
	select {
	case <-h.done:
		return true, nil
	default:
		return false, nil
	}
}

func (h *fakeHandle) Kill(context.Context) error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit()
	return nil
}

func (h *fakeHandle) exit() { h.once.Do(func() { close(h.done) }) }

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type fakeLauncher struct {
	mu           sync.Mutex
	handles      []*fakeHandle
	params       []tunnel.Params
	err          error
	exitOnLaunch bool
}

func (l *fakeLauncher) Launch(_ context.Context, p tunnel.Params) (tunnel.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = append(l.params, p)
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle()
	if l.exitOnLaunch {
		h.exit()
	}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.params)
}

func (l *fakeLauncher) last(t *testing.T) (*fakeHandle, tunnel.Params) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		t.Fatal("nothing launched")
	}
	return l.handles[len(l.handles)-1], l.params[len(l.params)-1]
}

type fakeFirewall struct {
	mu      sync.Mutex
	enabled bool
	remotes []killswitch.Remote
	learned *killswitch.Endpoint
	calls   []string
}

func (f *fakeFirewall) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeFirewall) Enable(_ context.Context, remotes []killswitch.Remote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("enable")
	if len(remotes) == 0 {
		return errors.New("no remotes")
	}
	f.enabled = true
	f.remotes = remotes
	f.learned = nil
	return nil
}

func (f *fakeFirewall) Tighten(_ context.Context, ep killswitch.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("tighten")
	f.learned = &ep
	return nil
}

func (f *fakeFirewall) Loosen(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("loosen")
	f.learned = nil
	return nil
}

func (f *fakeFirewall) Disable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disable")
	f.enabled = false
	return nil
}

func (f *fakeFirewall) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeFirewall) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	svc      *Service
	launcher *fakeLauncher
	firewall *fakeFirewall
	config   *config.Manager
	store    *artifacts.Store
	records  *recovery.Store
	ovpn     string
}

func newFixture(t *testing.T, mutate func(*config.Config), deps func(*Deps)) *fixture {
	t.Helper()
	for _, env := range []string{
		config.EnvConfigSource, config.EnvBearerToken, config.EnvEnginePath,
		config.EnvLaunchMode, config.EnvSocketPath, config.EnvRecovery,
	} {
		t.Setenv(env, "")
	}

	dir := t.TempDir()
	ovpn := filepath.Join(dir, "client.ovpn")
	if err := os.WriteFile(ovpn, []byte("client\nproto udp\nremote 203.0.113.5 1194\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	mgr := config.NewManager(filepath.Join(dir, "config.yaml"))
	if err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := mgr.Get()
	cfg.ConfigSource = ovpn
	cfg.Engine.PollInterval = 10 * time.Millisecond
	cfg.Engine.KillTimeout = time.Second
	cfg.Watchdog = config.Watchdog{Deadline: time.Minute, IdleGrace: time.Minute}
	cfg.Recovery.InitialBackoff = 10 * time.Millisecond
	cfg.Recovery.MaxBackoff = 40 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	if err := mgr.Update(cfg); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		launcher: &fakeLauncher{},
		firewall: &fakeFirewall{},
		config:   mgr,
		store:    &artifacts.Store{Dir: filepath.Join(dir, "data"), AuthDir: filepath.Join(dir, "auth")},
		ovpn:     ovpn,
	}
	f.records = recovery.NewStore(f.store.SessionRecordPath())
	d := Deps{
		Config:    mgr,
		Launcher:  f.launcher,
		Firewall:  f.firewall,
		Artifacts: f.store,
		Records:   f.records,
		Locate:    func(string) (string, error) { return "/usr/sbin/openvpn", nil },
	}
	if deps != nil {
		deps(&d)
	}
	f.svc = New(d)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) authFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.store.AuthDir, "auth-*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var creds = ConnectRequest{Username: "alice", Password: "s3cret"}

func TestConnectWhileActiveFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if err := f.svc.Connect(ctx, creds); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Connect(ctx, creds); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Connect = %v, want ErrAlreadyActive", err)
	}
	if f.launcher.count() != 1 {
		t.Fatalf("launched %d times, want 1", f.launcher.count())
	}
	if got := f.svc.State(); got != tunnel.StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	_, p := f.launcher.last(t)
	data, err := os.ReadFile(p.AuthPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "alice\ns3cret\n" {
		t.Fatalf("credential file = %q", data)
	}
	info, _ := os.Stat(p.AuthPath)
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("credential mode = %v", info.Mode().Perm())
	}
	if p.ConfigPath != f.ovpn || p.LogPath == "" || p.PIDPath == "" {
		t.Fatalf("params = %+v", p)
	}
}

func TestConnectReachesConnected(t *testing.T) {
	f := newFixture(t, nil, nil)

	var mu sync.Mutex
	var statuses []tunnel.State
	var lines []string
	f.svc.AddListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventStatus:
			statuses = append(statuses, ev.Status)
		case EventLog:
			lines = append(lines, ev.Line)
		}
	})

	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	h, _ := f.launcher.last(t)
	h.lines <- "Initialization Sequence Completed"
	waitFor(t, "connected", func() bool { return f.svc.State() == tunnel.StateConnected })

	if err := f.svc.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "three status events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []tunnel.State{tunnel.StateConnecting, tunnel.StateConnected, tunnel.StateDisconnected}
	if !reflect.DeepEqual(statuses, want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	if len(lines) != 1 || lines[0] != "Initialization Sequence Completed" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Recovery.Enabled = true }, nil)

	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	h, _ := f.launcher.last(t)
	h.lines <- "AUTH: Received control message: AUTH_FAILED"

	waitFor(t, "disconnected", func() bool { return f.svc.State() == tunnel.StateDisconnected })
	if !errors.Is(f.svc.LastError(), tunnel.ErrAuthFailed) {
		t.Fatalf("LastError = %v, want auth failure", f.svc.LastError())
	}
	if !h.wasKilled() {
		t.Fatal("engine not killed after auth failure")
	}

	time.Sleep(150 * time.Millisecond)
	if f.launcher.count() != 1 {
		t.Fatalf("launched %d times after auth failure, want 1", f.launcher.count())
	}
	if files := f.authFiles(t); len(files) != 0 {
		t.Fatalf("credential files left: %v", files)
	}
	if rec, _ := f.records.Load(); rec != nil {
		t.Fatalf("session record left: %+v", rec)
	}
}

func TestReconnectStopsAfterBudget(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Recovery.Enabled = true
		c.Recovery.MaxFailures = 3
	}, nil)
	f.launcher.exitOnLaunch = true

	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "three attempts", func() bool { return f.launcher.count() == 3 })
	waitFor(t, "disconnected", func() bool { return f.svc.State() == tunnel.StateDisconnected })

	time.Sleep(200 * time.Millisecond)
	if n := f.launcher.count(); n != 3 {
		t.Fatalf("launched %d times, want 3", n)
	}
	if !f.svc.Idle() {
		t.Fatal("service still has a reconnect pending after giving up")
	}

	f.launcher.mu.Lock()
	seen := map[string]bool{}
	for _, p := range f.launcher.params {
		seen[p.AuthPath] = true
	}
	f.launcher.mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("credential files reused across attempts: %v", seen)
	}
	waitFor(t, "credential cleanup", func() bool { return len(f.authFiles(t)) == 0 })
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Recovery.Enabled = true
		c.Recovery.InitialBackoff = 300 * time.Millisecond
		c.Recovery.MaxBackoff = 300 * time.Millisecond
	}, nil)

	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	h, _ := f.launcher.last(t)
	h.exit()
	waitFor(t, "disconnected", func() bool { return f.svc.State() == tunnel.StateDisconnected })

	if err := f.svc.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if n := f.launcher.count(); n != 1 {
		t.Fatalf("launched %d times, want 1", n)
	}
	if !f.svc.Idle() {
		t.Fatal("cancelled reconnect still counted as pending")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Recovery.Enabled = true }, nil)
	ctx := context.Background()

	if err := f.svc.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect without session: %v", err)
	}
	if err := f.svc.Connect(ctx, creds); err != nil {
		t.Fatal(err)
	}
	if rec, _ := f.records.Load(); rec == nil || rec.PID != 4242 {
		t.Fatalf("record = %+v, want pid 4242", rec)
	}
	h, p := f.launcher.last(t)

	for i := 0; i < 2; i++ {
		if err := f.svc.Disconnect(ctx); err != nil {
			t.Fatal(err)
		}
		if f.svc.State() != tunnel.StateDisconnected {
			t.Fatalf("state = %s after Disconnect", f.svc.State())
		}
	}
	if !h.wasKilled() {
		t.Fatal("engine not killed")
	}
	if _, err := os.Stat(p.AuthPath); !os.IsNotExist(err) {
		t.Fatalf("credential file still present: %v", err)
	}
	if rec, _ := f.records.Load(); rec != nil {
		t.Fatalf("record left after disconnect: %+v", rec)
	}
}

func TestLaunchFailureRevertsToDisconnected(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.launcher.err = tunnel.ErrSpawn

	var mu sync.Mutex
	var statuses []tunnel.State
	f.svc.AddListener(func(ev Event) {
		if ev.Kind == EventStatus {
			mu.Lock()
			statuses = append(statuses, ev.Status)
			mu.Unlock()
		}
	})

	err := f.svc.Connect(context.Background(), creds)
	if !errors.Is(err, tunnel.ErrSpawn) {
		t.Fatalf("Connect = %v, want ErrSpawn", err)
	}
	if f.svc.State() != tunnel.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", f.svc.State())
	}
	if files := f.authFiles(t); len(files) != 0 {
		t.Fatalf("credential files left: %v", files)
	}
	waitFor(t, "two status events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	})
	if statuses[0] != tunnel.StateConnecting || statuses[1] != tunnel.StateDisconnected {
		t.Fatalf("statuses = %v", statuses)
	}

	f.launcher.err = nil
	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
}

func TestMissingEngineFailsConnect(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Locate = func(string) (string, error) { return "", errors.New("openvpn not found") }
	})
	if err := f.svc.Connect(context.Background(), creds); err == nil {
		t.Fatal("Connect succeeded without an engine")
	}
	if f.svc.State() != tunnel.StateDisconnected {
		t.Fatalf("state = %s", f.svc.State())
	}
}

func TestConnectRejectsBadRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	bad := []ConnectRequest{
		{Password: "x"},
		{Username: "u"},
		{Username: "u\nroot", Password: "x"},
		{Username: "u", Password: "x", Source: "http://vpn.example.com/c.ovpn"},
	}
	for _, req := range bad {
		if err := f.svc.Connect(context.Background(), req); err == nil {
			t.Errorf("Connect(%+v) succeeded", req)
		}
	}
	if f.launcher.count() != 0 {
		t.Fatal("launcher called for invalid requests")
	}
}

func TestKillSwitchSurvivesDisconnect(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.KillSwitch.Enabled = true }, nil)
	ctx := context.Background()

	if err := f.svc.Connect(ctx, creds); err != nil {
		t.Fatal(err)
	}
	want := []killswitch.Remote{{Host: "203.0.113.5", Port: 1194, Proto: "udp"}}
	if !reflect.DeepEqual(f.firewall.remotes, want) {
		t.Fatalf("kill switch remotes = %+v", f.firewall.remotes)
	}
	if got := f.config.Get().KillSwitch.Remotes; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted remotes = %+v", got)
	}

	h, _ := f.launcher.last(t)
	h.lines <- "UDPv4 link remote: [AF_INET]203.0.113.5:1194"
	waitFor(t, "tighten", func() bool {
		f.firewall.mu.Lock()
		defer f.firewall.mu.Unlock()
		return f.firewall.learned != nil
	})
	f.firewall.mu.Lock()
	learned := *f.firewall.learned
	f.firewall.mu.Unlock()
	wantEP := killswitch.Endpoint{Addr: netip.MustParseAddr("203.0.113.5"), Port: 1194, Proto: "udp"}
	if learned != wantEP {
		t.Fatalf("learned = %+v", learned)
	}

	if err := f.svc.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if !f.svc.KillSwitchEnabled() {
		t.Fatal("kill switch disabled by disconnect")
	}
	calls := f.firewall.callList()
	if calls[len(calls)-1] != "loosen" {
		t.Fatalf("firewall calls = %v, want trailing loosen", calls)
	}
	for _, c := range calls {
		if c == "disable" {
			t.Fatalf("disconnect disabled the kill switch: %v", calls)
		}
	}
}

func TestKillSwitchFailureAbortsConnect(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.KillSwitch.Enabled = true }, nil)
	if err := os.WriteFile(f.ovpn, []byte("client\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Connect(context.Background(), creds); err == nil {
		t.Fatal("Connect succeeded without kill switch rules")
	}
	if f.launcher.count() != 0 {
		t.Fatal("engine launched without kill switch")
	}
	if files := f.authFiles(t); len(files) != 0 {
		t.Fatalf("credential files left: %v", files)
	}
}

func TestSetKillSwitch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if err := f.svc.SetKillSwitch(ctx, true, ""); err != nil {
		t.Fatal(err)
	}
	if !f.svc.KillSwitchEnabled() {
		t.Fatal("kill switch not enabled")
	}
	cfg := f.config.Get()
	if !cfg.KillSwitch.Enabled || len(cfg.KillSwitch.Remotes) != 1 {
		t.Fatalf("persisted kill switch = %+v", cfg.KillSwitch)
	}

	if err := f.svc.SetKillSwitch(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	if f.svc.KillSwitchEnabled() || f.config.Get().KillSwitch.Enabled {
		t.Fatal("kill switch still enabled")
	}

	empty := filepath.Join(t.TempDir(), "empty.ovpn")
	os.WriteFile(empty, []byte("client\n"), 0o600)
	if err := f.svc.SetKillSwitch(ctx, true, empty); err == nil {
		t.Fatal("enable without remotes succeeded")
	}
}

func TestStartRearmsKillSwitch(t *testing.T) {
	remotes := []killswitch.Remote{{Host: "198.51.100.7", Port: 443, Proto: "tcp"}}
	f := newFixture(t, func(c *config.Config) {
		c.KillSwitch.Enabled = true
		c.KillSwitch.Remotes = remotes
	}, nil)

	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(f.firewall.remotes, remotes) {
		t.Fatalf("re-armed with %+v", f.firewall.remotes)
	}
}

func TestStaleSessionIsIgnored(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if err := f.svc.Connect(ctx, creds); err != nil {
		t.Fatal(err)
	}
	old, _ := f.launcher.last(t)
	if err := f.svc.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Connect(ctx, creds); err != nil {
		t.Fatal(err)
	}

	old.lines <- "Initialization Sequence Completed"
	time.Sleep(100 * time.Millisecond)
	if got := f.svc.State(); got != tunnel.StateConnecting {
		t.Fatalf("state = %s, stale session leaked into the current one", got)
	}
}

func TestRecoverDiscardsDeadRecord(t *testing.T) {
	f := newFixture(t, nil, nil)
	auth := filepath.Join(t.TempDir(), "auth-old.txt")
	os.WriteFile(auth, []byte("a\nb\n"), 0o600)
	if err := f.records.Save(&recovery.Record{PID: 0, Mode: recovery.ModeDirect, AuthPath: auth}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(auth); !os.IsNotExist(err) {
		t.Fatal("credential file of a dead engine kept")
	}
	if rec, _ := f.records.Load(); rec != nil {
		t.Fatal("stale record kept")
	}
	if f.svc.State() != tunnel.StateDisconnected {
		t.Fatalf("state = %s", f.svc.State())
	}
}

func TestRecoverAdoptsLiveEngine(t *testing.T) {
	adopted := newFakeHandle()
	f := newFixture(t, nil, func(d *Deps) {
		d.Mode = recovery.ModeHelper
		d.Probe = func(context.Context) (tunnel.State, error) { return tunnel.StateConnecting, nil }
		d.Adopt = func(context.Context, *recovery.Record) (tunnel.Handle, error) { return adopted, nil }
	})
	learned := &killswitch.Endpoint{Addr: netip.MustParseAddr("203.0.113.5"), Port: 1194, Proto: "udp"}
	rec := &recovery.Record{
		Mode:       recovery.ModeHelper,
		Remotes:    []killswitch.Remote{{Host: "vpn.example.com", Port: 1194, Proto: "udp"}},
		Learned:    learned,
		KillSwitch: true,
	}
	if err := f.records.Save(rec); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.svc.State() != tunnel.StateConnecting {
		t.Fatalf("state = %s, want connecting", f.svc.State())
	}
	if calls := f.firewall.callList(); !reflect.DeepEqual(calls, []string{"enable", "tighten"}) {
		t.Fatalf("firewall calls = %v", calls)
	}

	adopted.lines <- "Initialization Sequence Completed"
	waitFor(t, "connected", func() bool { return f.svc.State() == tunnel.StateConnected })

	if err := f.svc.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !adopted.wasKilled() {
		t.Fatal("adopted engine not stopped")
	}
}

func TestCloseLeavesEngineRunning(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Recovery.Enabled = true }, nil)
	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	h, p := f.launcher.last(t)
	f.svc.Close()

	if h.wasKilled() {
		t.Fatal("Close killed the engine")
	}
	if rec, _ := f.records.Load(); rec == nil {
		t.Fatal("Close removed the session record")
	}
	if _, err := os.Stat(p.AuthPath); err != nil {
		t.Fatalf("Close removed the credential file: %v", err)
	}
	if err := f.svc.Connect(context.Background(), creds); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close = %v", err)
	}
}

func TestStatusFallsBackToLog(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Probe = func(context.Context) (tunnel.State, error) { return "", errors.New("unreachable") }
	})
	if err := f.svc.Connect(context.Background(), creds); err != nil {
		t.Fatal(err)
	}
	if got := f.svc.Status(context.Background()); got != tunnel.StateConnecting {
		t.Fatalf("Status = %s, want connecting", got)
	}
	_, p := f.launcher.last(t)
	if err := os.WriteFile(p.LogPath, []byte("... Initialization Sequence Completed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := f.svc.Status(context.Background()); got != tunnel.StateConnected {
		t.Fatalf("Status = %s, want connected", got)
	}
}

func TestStatusPrefersProbe(t *testing.T) {
	f := newFixture(t, nil, func(d *Deps) {
		d.Probe = func(context.Context) (tunnel.State, error) { return tunnel.StateConnected, nil }
	})
	if got := f.svc.Status(context.Background()); got != tunnel.StateConnected {
		t.Fatalf("Status = %s, want probe result", got)
	}
}

func TestDispatcherKeepsOrder(t *testing.T) {
	d := newDispatcher()
	var got []int
	d.add(func(ev Event) { got = append(got, int(ev.Session)) })
	d.add(func(Event) { panic("listener bug") })
	for i := 0; i < 200; i++ {
		d.emit(Event{Kind: EventLog, Session: uint64(i)})
	}
	d.close()

	if len(got) != 200 {
		t.Fatalf("delivered %d events, want 200", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered as %d", i, v)
		}
	}
}

func TestResolveLaunchMode(t *testing.T) {
	tests := []struct {
		mode config.LaunchMode
		root bool
		want config.LaunchMode
	}{
		{config.LaunchAuto, true, config.LaunchDirect},
		{config.LaunchAuto, false, config.LaunchHelper},
		{config.LaunchElevated, false, config.LaunchElevated},
		{config.LaunchDirect, false, config.LaunchDirect},
	}
	for _, tt := range tests {
		if got := ResolveLaunchMode(tt.mode, tt.root); got != tt.want {
			t.Errorf("ResolveLaunchMode(%s, %v) = %s, want %s", tt.mode, tt.root, got, tt.want)
		}
	}
}
