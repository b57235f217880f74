package session

import "fmt"

// State is a session lifecycle state.
type State int32

const (
	// Connecting sessions exist from the first Connect until the handshake
	// completes. Application data is not accepted.
	Connecting State = iota
	Connected
	// Disconnecting sessions accept no new sends and wait for their pending
	// acknowledgments to drain or the grace period to pass.
	Disconnecting
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
