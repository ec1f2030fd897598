// ABOUTME: Connection state values for the realtime channel state machine
// ABOUTME: disconnected -> connecting -> connected, and back to disconnected on loss

package realtime

// State is the channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
