package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/vpn-guard/internal/config"
	"github.com/user/vpn-guard/internal/core"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

// Credential environment variables, read when flags are not given.
const (
	envUsername = "VPN_USERNAME"
	envPassword = "VPN_PASSWORD"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vpn-client",
		Short:         "OpenVPN session supervisor with kill switch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(""); err != nil {
				return fmt.Errorf("failed to open log: %w", err)
			}
			if opts.verbose {
				logger.SetConsole(os.Stderr)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.GetConfigPath(), "configuration file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "mirror the log to stderr")

	root.AddCommand(newUpCmd(opts), newDownCmd(opts), newStatusCmd(opts), newKillSwitchCmd(opts), newLogsCmd(opts))
	return root
}

func openService(opts *rootOptions) (*core.Service, error) {
	svc, err := core.NewService(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		logger.SetVerbose(true)
	}
	return svc, nil
}

func newUpCmd(opts *rootOptions) *cobra.Command {
	var (
		source        string
		username      string
		passwordStdin bool
		detach        bool
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Connect and supervise the session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := credentials(cmd.InOrStdin(), cmd.ErrOrStderr(), username, passwordStdin)
			if err != nil {
				return err
			}
			req.Source = source

			svc, err := openService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				logger.Warning("Recovery failed: %v", err)
			}
			if detach {
				return connectDetached(ctx, cmd.OutOrStdout(), svc, req)
			}
			return connectForeground(ctx, cmd.OutOrStdout(), svc, req)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "config URL or file (default: config_source)")
	cmd.Flags().StringVarP(&username, "user", "u", "", "VPN username (default: $"+envUsername+")")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once connected and leave the engine running (needs recovery)")
	return cmd
}

func credentials(in io.Reader, prompt io.Writer, username string, fromStdin bool) (core.ConnectRequest, error) {
	if username == "" {
		username = os.Getenv(envUsername)
	}
	password := os.Getenv(envPassword)
	if fromStdin || password == "" {
		if !fromStdin {
			fmt.Fprint(prompt, "Password: ")
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return core.ConnectRequest{}, fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	return core.ConnectRequest{Username: username, Password: password}, nil
}

// connectForeground streams events until the user interrupts, which
// disconnects, or the session ends for good.
func connectForeground(ctx context.Context, out io.Writer, svc *core.Service, req core.ConnectRequest) error {
	ended := make(chan struct{}, 1)
	svc.AddListener(func(ev core.Event) {
		if ev.Kind != core.EventStatus {
			return
		}
		fmt.Fprintf(out, "status: %s\n", ev.Status)
		if ev.Status == tunnel.StateDisconnected {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})

	if err := svc.Connect(ctx, req); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return svc.Disconnect(dctx)
		case <-ended:
		case <-time.After(time.Second):
		}
		if svc.Idle() {
			return svc.LastError()
		}
	}
}

// connectDetached waits for the connection and then leaves the engine to the
// recovery record.
func connectDetached(ctx context.Context, out io.Writer, svc *core.Service, req core.ConnectRequest) error {
	if !svc.RecoveryEnabled() {
		return errors.New("--detach needs recovery.enabled in the configuration")
	}
	if err := svc.Connect(ctx, req); err != nil {
		return err
	}
	for {
		switch svc.State() {
		case tunnel.StateConnected:
			fmt.Fprintln(out, "connected")
			return nil
		case tunnel.StateDisconnected:
			if !svc.Idle() {
				break
			}
			if err := svc.LastError(); err != nil {
				return err
			}
			return errors.New("session ended before connecting")
		}
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return svc.Disconnect(dctx)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func newDownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the running session, including one left by another process",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := svc.Start(ctx); err != nil {
				logger.Warning("Recovery failed: %v", err)
			}
			if err := svc.Disconnect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
}

type statusReport struct {
	State      tunnel.State `json:"state"`
	KillSwitch bool         `json:"kill_switch"`
	EngineLog  string       `json:"engine_log"`
	Error      string       `json:"error,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection and kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			report := statusReport{
				State:     svc.Status(ctx),
				EngineLog: svc.EngineLogPath(),
			}
			enabled, err := svc.RefreshKillSwitch(ctx)
			if err != nil {
				report.Error = err.Error()
			}
			report.KillSwitch = enabled

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(out, "state:       %s\n", report.State)
			fmt.Fprintf(out, "kill switch: %s\n", onOff(report.KillSwitch))
			fmt.Fprintf(out, "engine log:  %s\n", report.EngineLog)
			if report.Error != "" {
				fmt.Fprintf(out, "error:       %s\n", report.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func newKillSwitchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Manage the firewall kill switch",
	}

	var source string
	on := &cobra.Command{
		Use:   "on",
		Short: "Block all traffic except to the VPN servers and the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKillSwitch(cmd, opts, true, source)
		},
	}
	on.Flags().StringVar(&source, "source", "", "config URL or file to take VPN servers from")

	off := &cobra.Command{
		Use:   "off",
		Short: "Remove the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKillSwitch(cmd, opts, false, "")
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the kill switch is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			enabled, err := svc.RefreshKillSwitch(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), onOff(enabled))
			return nil
		},
	}

	cmd.AddCommand(on, off, status)
	return cmd
}

func setKillSwitch(cmd *cobra.Command, opts *rootOptions, enabled bool, source string) error {
	svc, err := openService(opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := svc.SetKillSwitch(ctx, enabled, source); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "kill switch %s\n", onOff(enabled))
	return nil
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		engine bool
		clear  bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the client log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear {
				return logger.ClearLogs()
			}
			if engine {
				svc, err := openService(opts)
				if err != nil {
					return err
				}
				defer svc.Close()
				data, err := os.ReadFile(svc.EngineLogPath())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			text, err := logger.ReadLogs()
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().BoolVar(&engine, "engine", false, "print the engine log instead")
	cmd.Flags().BoolVar(&clear, "clear", false, "truncate the client log")
	return cmd
}
