package emuctl

import "fmt"

// ConnState represents the connection state of a protocol client.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateActive
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("ConnState(%d)", s)
	}
}

// IsConnected returns true if the state indicates a usable connection.
func (s ConnState) IsConnected() bool {
	return s == StateActive
}
