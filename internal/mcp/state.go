package mcp

import "time"

// State is the connection lifecycle position of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in yaml and json output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time snapshot of a Client.
type Status struct {
	State       State         `yaml:"state" json:"state"`
	Server      string        `yaml:"server,omitempty" json:"server,omitempty"`
	Transport   Kind          `yaml:"transport,omitempty" json:"transport,omitempty"`
	Attempt     int           `yaml:"attempt" json:"attempt"`
	LastError   string        `yaml:"last_error,omitempty" json:"lastError,omitempty"`
	LastLatency time.Duration `yaml:"last_latency,omitempty" json:"lastLatency,omitempty"`
	ConnectedAt *time.Time    `yaml:"connected_at,omitempty" json:"connectedAt,omitempty"`
	SessionID   string        `yaml:"session_id,omitempty" json:"sessionId,omitempty"`
}
