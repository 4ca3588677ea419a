package killswitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Engine applies scripts to the system firewall.
type Engine interface {
	Apply(ctx context.Context, script string) error
	DeleteTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)
}

// ErrFirewallUnavailable is returned when the firewall binary cannot be run.
var ErrFirewallUnavailable = errors.New("firewall engine unavailable")

// NFT drives the nft command line tool.
type NFT struct {
	// Path to nft; empty looks it up on $PATH.
	Path    string
	Timeout time.Duration
	// Wrap, when set, rewrites the command before it runs (privilege elevation).
	Wrap func(*exec.Cmd) (*exec.Cmd, error)
}

func (n *NFT) run(ctx context.Context, stdin string, args ...string) (string, error) {
	path := n.Path
	if path == "" {
		p, err := exec.LookPath("nft")
		if err != nil {
			for _, candidate := range []string{"/usr/sbin/nft", "/sbin/nft"} {
				if _, statErr := exec.LookPath(candidate); statErr == nil {
					p, err = candidate, nil
					break
				}
			}
		}
		if err != nil {
			return "", fmt.Errorf("%w: nft not found: %v", ErrFirewallUnavailable, err)
		}
		path = p
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	if n.Wrap != nil {
		wrapped, err := n.Wrap(cmd)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFirewallUnavailable, err)
		}
		cmd = wrapped
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	msg := strings.TrimSpace(stderr.String())
	if ctx.Err() == context.DeadlineExceeded {
		return msg, fmt.Errorf("nft %s timed out after %s", strings.Join(args, " "), timeout)
	}
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		return msg, fmt.Errorf("nft %s: %s", strings.Join(args, " "), msg)
	}
	return msg, nil
}

// Apply feeds script to nft on stdin.
func (n *NFT) Apply(ctx context.Context, script string) error {
	_, err := n.run(ctx, script, "-f", "-")
	return err
}

// DeleteTable removes the table. A table that is already gone is success.
func (n *NFT) DeleteTable(ctx context.Context, table string) error {
	msg, err := n.run(ctx, "", "delete", "table", "inet", table)
	if err != nil && isMissingTable(msg) {
		return nil
	}
	return err
}

// TableExists lists the table and reports whether nft knows it.
func (n *NFT) TableExists(ctx context.Context, table string) (bool, error) {
	msg, err := n.run(ctx, "", "list", "table", "inet", table)
	if err == nil {
		return true, nil
	}
	if isMissingTable(msg) {
		return false, nil
	}
	return false, err
}

func isMissingTable(stderr string) bool {
	return strings.Contains(stderr, "No such file") || strings.Contains(stderr, "does not exist")
}
