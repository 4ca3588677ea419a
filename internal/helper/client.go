package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/user/vpn-guard/internal/killswitch"
	"github.com/user/vpn-guard/internal/logger"
	"github.com/user/vpn-guard/internal/tunnel"
)

// ErrUnavailable is returned when the helper socket cannot be reached.
var ErrUnavailable = errors.New("privileged helper unavailable")

const (
	defaultDialTimeout    = 2 * time.Second
	defaultRequestTimeout = 45 * time.Second
)

// Client talks to a helper over its control socket. Every request uses a
// fresh connection.
type Client struct {
	SocketPath  string
	DialTimeout time.Duration
}

// NewClient creates a client for the socket at path.
func NewClient(path string, dialTimeout time.Duration) *Client {
	return &Client{SocketPath: path, DialTimeout: dialTimeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultRequestTimeout)
}

func send(conn net.Conn, req Request) error {
	line, err := encodeLine(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// Do sends one request and reads its response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	conn.SetDeadline(c.deadline(ctx))
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := send(conn, req); err != nil {
		return Response{}, err
	}
	reader := bufio.NewReaderSize(conn, 4096)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("invalid response: %w", err)
	}
	return resp, nil
}

// Connect asks the helper to start the engine.
func (c *Client) Connect(ctx context.Context, binary, config, auth string) error {
	resp, err := c.Do(ctx, Request{Cmd: CmdConnect, OpenVPNPath: binary, ConfigPath: config, AuthPath: auth})
	if err != nil {
		return err
	}
	return resp.Err()
}

// Disconnect asks the helper to stop the engine.
func (c *Client) Disconnect(ctx context.Context) error {
	resp, err := c.Do(ctx, Request{Cmd: CmdDisconnect})
	if err != nil {
		return err
	}
	return resp.Err()
}

// Status returns the helper's session state.
func (c *Client) Status(ctx context.Context) (tunnel.State, error) {
	resp, err := c.Do(ctx, Request{Cmd: CmdStatus})
	if err != nil {
		return tunnel.StateDisconnected, err
	}
	if err := resp.Err(); err != nil {
		return tunnel.StateDisconnected, err
	}
	return tunnel.ParseState(resp.Status)
}

// KillSwitch runs a kill switch action and returns whether it is enabled.
func (c *Client) KillSwitch(ctx context.Context, action string, remotes []killswitch.Remote, learned *killswitch.Endpoint) (bool, error) {
	resp, err := c.Do(ctx, Request{Cmd: CmdKillSwitch, Action: action, Remotes: remotes, Learned: learned})
	if err != nil {
		return false, err
	}
	if err := resp.Err(); err != nil {
		return false, err
	}
	return resp.KillSwitch != nil && *resp.KillSwitch, nil
}

// Subscribe streams helper events until ctx is done or the helper goes
// away; the channel is closed then. The first event is the current status.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := send(conn, Request{Cmd: CmdSubscribe}); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Time{})

	// The server sends the current status once the subscription is
	// registered; wait for it so later requests are observed.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	conn.SetReadDeadline(c.deadline(ctx))
	var snapshot Event
	if !scanner.Scan() {
		conn.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read subscription status: %w", err)
		}
		return nil, errors.New("helper closed the subscription")
	}
	if err := json.Unmarshal(scanner.Bytes(), &snapshot); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed subscription status: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	events := make(chan Event, 64)
	events <- snapshot
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(events)
		defer stop()
		defer conn.Close()
		defer logger.Recover("helperSubscription")

		for scanner.Scan() {
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				logger.Debug("Ignoring malformed helper event: %v", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
