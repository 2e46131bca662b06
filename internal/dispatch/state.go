package dispatch

// State is the connection lifecycle state. It is owned exclusively by the
// Client; consumers infer connectivity only from announced transitions.
type State string

const (
	StateIdle               State = "idle"
	StateConnecting         State = "connecting"
	StateConnectedUnauth    State = "connected_unauthenticated"
	StateAuthenticating     State = "authenticating"
	StateAuthenticated      State = "authenticated"
	StateDisconnected       State = "disconnected"
	StateReconnectScheduled State = "reconnect_scheduled"
)

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// Live reports whether a connection attempt is already underway or
// established; Connect calls are ignored in these states.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateConnectedUnauth, StateAuthenticating, StateAuthenticated:
		return true
	default:
		return false
	}
}
