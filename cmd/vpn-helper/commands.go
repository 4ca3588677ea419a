package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/vpn-guard/internal/artifacts"
	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/core"
	"github.com/user/vpn-guard/internal/elevate"
	"github.com/user/vpn-guard/internal/helper"
	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

type rootOptions struct {
	configPath string
	logDir     string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vpn-helper",
		Short:         "Privileged OpenVPN and firewall helper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !elevate.IsAdmin() {
				if err := elevate.RunAsAdmin(); err != nil {
					return fmt.Errorf("vpn-helper needs root: %w", err)
				}
			}
			if err := logger.Init(opts.logDir); err != nil {
				return fmt.Errorf("failed to open log: %w", err)
			}
			logger.SetConsole(os.Stderr)
			logger.SetVerbose(opts.verbose)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/vpn-guard/config.yaml", "configuration file")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "/var/log/vpn-guard", "log directory")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug lines")

	root.AddCommand(newServeCmd(opts), newKillSwitchCmd(opts))
	return root
}

// loadConfig writes the defaults when the file does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	mgr := config.NewManager(path)
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return mgr.Get(), nil
}

func newFirewall(cfg *config.Config) *killswitch.KillSwitch {
	return killswitch.New(&killswitch.NFT{}, nil, core.KillSwitchOptions(cfg))
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		socketPath string
		group      string
		noFirewall bool
		foreground bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for clients on the control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !foreground {
				// Stderr now is the log file; mirroring would duplicate lines.
				logger.SetConsole(nil)
				if err := logger.CaptureStderr(); err != nil {
					return fmt.Errorf("failed to redirect stderr: %w", err)
				}
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = cfg.Helper.SocketPath
			}
			if group == "" {
				group = cfg.Helper.SocketGroup
			}

			serverOpts := helper.ServerOptions{
				SocketPath:  socketPath,
				SocketGroup: group,
				Policy:      helper.DefaultPathPolicy(),
				Watchdog: tunnel.Watchdog{
					Deadline:  cfg.Watchdog.Deadline,
					IdleGrace: cfg.Watchdog.IdleGrace,
				},
				PollInterval: cfg.Engine.PollInterval,
				KillTimeout:  cfg.Engine.KillTimeout,
				Verbosity:    cfg.Engine.Verbosity,
			}
			if !noFirewall {
				serverOpts.KillSwitch = newFirewall(cfg)
			}

			srv := helper.NewServer(serverOpts)
			if err := srv.Listen(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("vpn-helper listening on %s", socketPath)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "control socket path (default: helper.socket_path)")
	cmd.Flags().StringVar(&group, "group", "", "group allowed to use the socket (default: world)")
	cmd.Flags().BoolVar(&noFirewall, "no-firewall", false, "refuse kill switch requests")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "keep stderr on the terminal instead of the log file")
	return cmd
}

// newKillSwitchCmd manages the firewall without a running server, e.g. from a
// boot script before any client has started.
func newKillSwitchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Install or remove the firewall table directly",
	}

	var configFile string
	enable := &cobra.Command{
		Use:   "enable",
		Short: "Block everything except the VPN servers of an OpenVPN config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			remotes := cfg.KillSwitch.Remotes
			if configFile != "" {
				text, err := artifacts.ReadConfig(configFile)
				if err != nil {
					return err
				}
				remotes = killswitch.ParseRemotes(text)
			}
			if len(remotes) == 0 {
				return errors.New("no VPN servers known; pass --config-file")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := newFirewall(cfg).Enable(ctx, remotes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kill switch on (%d servers)\n", len(remotes))
			return nil
		},
	}
	enable.Flags().StringVar(&configFile, "config-file", "", "OpenVPN config to take remotes from")

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Remove the firewall table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newFirewall(cfg).Disable(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "kill switch off")
			return nil
		},
	}

	cmd.AddCommand(enable, disable)
	return cmd
}
