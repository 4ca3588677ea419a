package core

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/dns"
	"github.com/user/vpn-guard/internal/elevate"
	"github.com/user/vpn-guard/internal/helper"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/recovery"
	"github.com/user/vpn-guard/internal/tunnel"
)

// NewService loads the configuration at configPath and builds a service for
// the configured launch mode.
func NewService(configPath string) (*Service, error) {
	mgr := config.NewManager(configPath)
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := mgr.Get()
	logger.SetVerbose(cfg.Verbose)

	store := &artifacts.Store{
		Dir:         cfg.ResolveDataDir(mgr.Path()),
		BearerToken: cfg.BearerToken,
	}
	deps := Deps{
		Config:    mgr,
		Artifacts: store,
		Records:   recovery.NewStore(store.SessionRecordPath()),
	}

	mode := ResolveLaunchMode(cfg.Engine.LaunchMode, elevate.IsAdmin())
	logger.Info("Launch mode: %s", mode)
	switch mode {
	case config.LaunchHelper:
		client := helper.NewClient(cfg.Helper.SocketPath, cfg.Helper.DialTimeout)
		launcher := &helper.Launcher{Client: client}
		deps.Mode = recovery.ModeHelper
		deps.Launcher = launcher
		deps.Firewall = &helper.RemoteFirewall{Client: client}
		deps.Probe = client.Status
		deps.StopOrphan = client.Disconnect
		deps.Adopt = func(ctx context.Context, rec *recovery.Record) (tunnel.Handle, error) {
			return launcher.Reattach(ctx, rec.LogPath)
		}
	case config.LaunchElevated:
		deps.Mode = recovery.ModeElevated
		deps.Launcher = &tunnel.DirectLauncher{
			Wrap:         elevate.Wrap,
			PollInterval: cfg.Engine.PollInterval,
			KillTimeout:  cfg.Engine.KillTimeout,
		}
		deps.Firewall = newKillSwitch(cfg, &killswitch.NFT{Wrap: elevate.Wrap})
	default:
		deps.Mode = recovery.ModeDirect
		deps.Launcher = &tunnel.DirectLauncher{
			PollInterval: cfg.Engine.PollInterval,
			KillTimeout:  cfg.Engine.KillTimeout,
		}
		deps.Firewall = newKillSwitch(cfg, &killswitch.NFT{})
	}

	if mode != config.LaunchHelper && cfg.Engine.ManagementPort > 0 {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Engine.ManagementPort))
		mgmt := &tunnel.Management{Addr: addr}
		deps.ManagementAddr = addr
		deps.Probe = mgmt.State
		deps.StopOrphan = func(ctx context.Context) error {
			return mgmt.Signal(ctx, "SIGTERM")
		}
	}

	return New(deps), nil
}

// ResolveLaunchMode turns auto into direct for root and helper otherwise.
func ResolveLaunchMode(mode config.LaunchMode, root bool) config.LaunchMode {
	if mode != config.LaunchAuto && mode != "" {
		return mode
	}
	if root {
		return config.LaunchDirect
	}
	return config.LaunchHelper
}

func newKillSwitch(cfg *config.Config, engine killswitch.Engine) *killswitch.KillSwitch {
	return killswitch.New(engine, nil, KillSwitchOptions(cfg))
}

// KillSwitchOptions maps the kill switch configuration onto rule options.
func KillSwitchOptions(cfg *config.Config) killswitch.Options {
	opts := killswitch.Options{
		Table:            cfg.KillSwitch.Table,
		Fallback:         cfg.KillSwitch.ResolveFallback,
		TunnelInterfaces: cfg.KillSwitch.TunnelInterfaces,
	}
	if cfg.KillSwitch.RestrictDNS {
		opts.DNSServers = func() []netip.Addr {
			return dns.Upstream(dns.SystemResolvers())
		}
	}
	return opts
}
