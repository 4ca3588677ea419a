// Package tunnel launches and watches the OpenVPN engine process.
package tunnel

import "fmt"

// State is the connection state reported to callers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ParseState accepts the wire spelling of a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateDisconnected, StateConnecting, StateConnected:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Outcome classifies how a supervised engine run ended.
type Outcome int

const (
	OutcomeManualStop Outcome = iota
	OutcomeExitedAfterConnect
	OutcomeExitedBeforeConnect
	OutcomeTimedOut
	OutcomeSpawnFailed
	OutcomeAuthFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeManualStop:
		return "manual-stop"
	case OutcomeExitedAfterConnect:
		return "exited-after-connect"
	case OutcomeExitedBeforeConnect:
		return "exited-before-connect"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeSpawnFailed:
		return "spawn-failed"
	case OutcomeAuthFailed:
		return "auth-failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Retryable reports whether an automatic reconnect may follow this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeExitedAfterConnect, OutcomeExitedBeforeConnect, OutcomeTimedOut, OutcomeSpawnFailed:
		return true
	}
	return false
}

// BeforeConnect reports whether the run failed without ever connecting.
func (o Outcome) BeforeConnect() bool {
	switch o {
	case OutcomeExitedBeforeConnect, OutcomeTimedOut, OutcomeSpawnFailed:
		return true
	}
	return false
}
