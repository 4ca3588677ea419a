// Package killswitch builds and applies the firewall policy that keeps
// traffic inside the tunnel.
package killswitch

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/user/vpn-guard/internal/logger"
)

// KillSwitch owns the dedicated firewall table. Operations are serialized.
type KillSwitch struct {
	mu       sync.Mutex
	engine   Engine
	resolver Resolver
	opts     Options
	enabled  bool
	remotes  []Remote
	learned  *Endpoint
	script   string
}

// Options configure rule generation.
type Options struct {
	Table            string
	Fallback         Fallback
	TunnelInterfaces []string
	// DNSServers returns the resolvers DNS is allowed to; nil allows port 53 anywhere.
	DNSServers     func() []netip.Addr
	ResolveTimeout time.Duration
}

// New creates a kill switch applying rules through engine.
func New(engine Engine, resolver Resolver, opts Options) *KillSwitch {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &KillSwitch{engine: engine, resolver: resolver, opts: opts}
}

// IsEnabled returns whether the kill switch is enabled.
func (k *KillSwitch) IsEnabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled
}

// Script returns the last applied script.
func (k *KillSwitch) Script() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.script
}

// Enable applies the policy for remotes, replacing any previous rule set.
func (k *KillSwitch) Enable(ctx context.Context, remotes []Remote) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.applyUnsafe(ctx, remotes, nil); err != nil {
		return err
	}
	logger.Info("Kill switch enabled for %d remote(s)", len(remotes))
	return nil
}

// Tighten narrows the remote allowance to the address the engine actually
// negotiated with. No-op when disabled or already tightened to ep.
func (k *KillSwitch) Tighten(ctx context.Context, ep Endpoint) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.enabled {
		return nil
	}
	if k.learned != nil && *k.learned == ep {
		return nil
	}
	if err := k.applyUnsafe(ctx, k.remotes, &ep); err != nil {
		return err
	}
	logger.Info("Kill switch tightened to %s", ep)
	return nil
}

// Loosen drops a learned endpoint and re-allows every configured remote.
func (k *KillSwitch) Loosen(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.enabled || k.learned == nil {
		return nil
	}
	return k.applyUnsafe(ctx, k.remotes, nil)
}

// Disable deletes the table and verifies it is gone.
func (k *KillSwitch) Disable(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.engine.DeleteTable(ctx, k.opts.Table); err != nil {
		return fmt.Errorf("failed to delete kill switch table: %w", err)
	}
	exists, err := k.engine.TableExists(ctx, k.opts.Table)
	if err != nil {
		return fmt.Errorf("failed to verify kill switch removal: %w", err)
	}
	if exists {
		return fmt.Errorf("kill switch table %s still present after delete", k.opts.Table)
	}

	k.enabled = false
	k.learned = nil
	k.script = ""
	logger.Info("Kill switch disabled")
	return nil
}

// Refresh syncs the enabled flag with the firewall, for rules left behind by
// a previous process.
func (k *KillSwitch) Refresh(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	exists, err := k.engine.TableExists(ctx, k.opts.Table)
	if err != nil {
		return k.enabled, err
	}
	k.enabled = exists
	return exists, nil
}

func (k *KillSwitch) applyUnsafe(ctx context.Context, remotes []Remote, learned *Endpoint) error {
	policy := Policy{
		Table:            k.opts.Table,
		Remotes:          remotes,
		Learned:          learned,
		TunnelInterfaces: k.opts.TunnelInterfaces,
		Fallback:         k.opts.Fallback,
		ResolveTimeout:   k.opts.ResolveTimeout,
	}
	if k.opts.DNSServers != nil {
		policy.DNSServers = k.opts.DNSServers()
	}

	script, err := policy.Script(ctx, k.resolver)
	if err != nil {
		return fmt.Errorf("failed to build kill switch rules: %w", err)
	}
	if err := k.engine.Apply(ctx, script); err != nil {
		return fmt.Errorf("failed to apply kill switch rules: %w", err)
	}

	k.enabled = true
	k.remotes = append([]Remote(nil), remotes...)
	k.learned = learned
	k.script = script
	return nil
}
