package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultManagementTimeout bounds each management exchange.
const DefaultManagementTimeout = 350 * time.Millisecond

const maxManagementReply = 32 * 1024

// Management talks to the engine's management interface.
type Management struct {
	Addr    string
	Timeout time.Duration
}

// Query sends one command and returns the reply up to the END marker, or
// whatever arrived before the deadline.
func (m *Management) Query(ctx context.Context, command string) (string, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultManagementTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return "", fmt.Errorf("management interface unavailable: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("management write: %w", err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		// Banner and asynchronous notifications start with '>'.
		if strings.HasPrefix(line, ">") {
			continue
		}
		if line == "END" || strings.HasPrefix(line, "SUCCESS:") || strings.HasPrefix(line, "ERROR:") {
			out.WriteString(line + "\n")
			break
		}
		out.WriteString(line + "\n")
		if out.Len() > maxManagementReply {
			break
		}
	}
	if out.Len() == 0 {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("management read: %w", err)
		}
		return "", fmt.Errorf("management interface returned nothing")
	}
	return out.String(), nil
}

// State asks the engine for its current state.
func (m *Management) State(ctx context.Context) (State, error) {
	reply, err := m.Query(ctx, "state")
	if err != nil {
		return "", err
	}
	return ParseManagementState(reply)
}

// Signal asks the engine to deliver sig to itself, e.g. SIGTERM.
func (m *Management) Signal(ctx context.Context, sig string) error {
	reply, err := m.Query(ctx, "signal "+sig)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "ERROR:") {
		return fmt.Errorf("management signal %s: %s", sig, strings.TrimSpace(reply))
	}
	return nil
}

// ParseManagementState maps the reply of the "state" command. Lines look like
// "1700000000,CONNECTED,SUCCESS,10.8.0.2,203.0.113.7,1194,,".
func ParseManagementState(reply string) (State, error) {
	for _, line := range strings.Split(reply, "\n") {
		parts := strings.Split(strings.TrimSpace(line), ",")
		if len(parts) < 2 {
			continue
		}
		switch parts[1] {
		case "CONNECTED":
			return StateConnected, nil
		case "EXITING":
			return StateDisconnected, nil
		case "CONNECTING", "WAIT", "AUTH", "GET_CONFIG", "ASSIGN_IP", "ADD_ROUTES",
			"RECONNECTING", "TCP_CONNECT", "RESOLVE", "AUTH_PENDING":
			return StateConnecting, nil
		}
	}
	return "", fmt.Errorf("unrecognized management state reply %q", strings.TrimSpace(reply))
}
