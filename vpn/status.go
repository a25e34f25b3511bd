// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file contains the connection status model.
package vpn

// State identifies the coarse connection state.
type State int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota
	// StateConnecting indicates the handshake is in progress.
	StateConnecting
	// StateConnected indicates an established tunnel carrying traffic.
	StateConnected
	// StateReconnecting indicates the engine is re-establishing a
	// dropped tunnel on its own.
	StateReconnecting
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting..."
	default:
		return "Unknown"
	}
}

// Handshake stage descriptions reported while StateConnecting.
const (
	StageInitializing       = "Initializing"
	StageAuthenticating     = "Authenticating…"
	StageEstablishingTunnel = "Establishing secure tunnel"
	StageDataChannel        = "Setting up encrypted data channel"
	StageConfiguringTunnel  = "Configuring tunnel"
)

// Status is the full connection status: exactly one state, with a
// free-text stage while connecting and a failure cause while
// disconnected. Err is nil after a user-initiated disconnect.
type Status struct {
	State State
	Stage string
	Err   error
}

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s.State {
	case StateConnecting:
		if s.Stage != "" {
			return "Connecting: " + s.Stage
		}
	case StateDisconnected:
		if s.Err != nil {
			return "Disconnected: " + s.Err.Error()
		}
	}
	return s.State.String()
}

// Equal reports whether two statuses describe the same observable state.
// Errors compare by message since they may cross a callback boundary.
func (s Status) Equal(other Status) bool {
	if s.State != other.State || s.Stage != other.Stage {
		return false
	}
	if (s.Err == nil) != (other.Err == nil) {
		return false
	}
	if s.Err != nil && s.Err.Error() != other.Err.Error() {
		return false
	}
	return true
}
