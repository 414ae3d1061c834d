package collector

import (
	"strconv"
)

// State is where a device session currently stands.
type State uint32

const (
	StateScanning State = iota
	StateConnecting
	StateConnected
	StatePairing
	StateEnumerating
	StateInitializing
	StateStreaming
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StatePairing:
		return "Pairing"
	case StateEnumerating:
		return "Enumerating"
	case StateInitializing:
		return "Initializing"
	case StateStreaming:
		return "Streaming"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		panic("unknown session state: " + strconv.Itoa(int(s)))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
