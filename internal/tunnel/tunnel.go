package tunnel

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyActive rejects a connect while a handle exists for the
	// location, whatever state it is in.
	ErrAlreadyActive = errors.New("tunnel already active for location")
	// ErrHandshakeTimeout means the peer never completed a handshake
	// within the configured window. The interface is torn down.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrInterfaceLost means the interface or its data plane vanished
	// while the tunnel was connected.
	ErrInterfaceLost = errors.New("interface lost")
	// ErrProcessSpawn means the userspace data-plane process could not be
	// started.
	ErrProcessSpawn = errors.New("data-plane process spawn failed")
)

// State is the lifecycle state of one location's tunnel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
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
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener observes transitions into and out of Connected. For a given
// location the callbacks are strictly ordered: Connected is never
// delivered twice without an intervening Disconnected.
type Listener interface {
	OnConnected(locationID, iface string, at time.Time)
	OnDisconnected(locationID string, at time.Time)
}

type nopListener struct{}

func (nopListener) OnConnected(string, string, time.Time) {}
func (nopListener) OnDisconnected(string, time.Time)      {}
