// Package helper implements the privileged control protocol: newline
// delimited JSON over a unix socket between the unprivileged supervisor and
// a root helper that runs the engine and the firewall.
package helper

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/vpn-guard/internal/killswitch"
)

// Request commands.
const (
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdStatus     = "status"
	CmdSubscribe  = "subscribe"
	CmdKillSwitch = "killswitch"
)

// Kill switch actions.
const (
	ActionEnable  = "enable"
	ActionTighten = "tighten"
	ActionLoosen  = "loosen"
	ActionDisable = "disable"
	ActionStatus  = "status"
)

// Event types.
const (
	EventLog    = "log"
	EventStatus = "status"
)

// MaxLineSize bounds a single protocol line.
const MaxLineSize = 64 * 1024

// Request is one client request line.
type Request struct {
	Cmd         string `json:"cmd"`
	OpenVPNPath string `json:"openvpn_path,omitempty"`
	ConfigPath  string `json:"config_path,omitempty"`
	AuthPath    string `json:"auth_path,omitempty"`

	Action  string               `json:"action,omitempty"`
	Remotes []killswitch.Remote  `json:"remotes,omitempty"`
	Learned *killswitch.Endpoint `json:"learned,omitempty"`
}

// Response answers every request except subscribe.
type Response struct {
	OK         bool   `json:"ok"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	KillSwitch *bool  `json:"killswitch,omitempty"`
}

// Event is streamed to subscribers. Log events carry Line, status events
// carry Value.
type Event struct {
	Type  string `json:"type"`
	Line  string `json:"line,omitempty"`
	Value string `json:"value,omitempty"`
}

type logEvent struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

type statusEvent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON always writes the payload field of the event type, so an
// empty engine line is still {"type":"log","line":""}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventLog:
		return json.Marshal(logEvent{Type: e.Type, Line: e.Line})
	case EventStatus:
		return json.Marshal(statusEvent{Type: e.Type, Value: e.Value})
	}
	type plain Event
	return json.Marshal(plain(e))
}

func okResponse(status string) Response {
	return Response{OK: true, Status: status}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Err converts a failed response into an error.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == "" {
		return errors.New("helper request failed")
	}
	return errors.New(r.Error)
}

func encodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseRequest decodes and checks one request line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request: %w", err)
	}
	switch req.Cmd {
	case CmdConnect, CmdDisconnect, CmdStatus, CmdSubscribe, CmdKillSwitch:
	case "":
		return Request{}, fmt.Errorf("missing cmd")
	default:
		return Request{}, fmt.Errorf("unknown cmd %q", req.Cmd)
	}
	return req, nil
}
