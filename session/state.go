package session

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateAuthenticated
	StateClosing
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
