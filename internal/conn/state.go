// Package conn owns the single realtime gateway connection: authentication
// handoff, automatic bounded reconnection, and low-level event dispatch. It
// has no knowledge of chat semantics.
package conn

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Reason distinguishes why a disconnect happened.
type Reason string

const (
	// ReasonClient marks a deliberate local disconnect. Never reconnected.
	ReasonClient Reason = "client"
	// ReasonServer marks a server-initiated or network-failure disconnect.
	ReasonServer Reason = "server"
	// ReasonAuth marks a rejected credential. Fatal for the session.
	ReasonAuth Reason = "auth"
)

// StateChange describes one observable transition.
type StateChange struct {
	From   State
	To     State
	Reason Reason
}
