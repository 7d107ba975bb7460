package session

// State identifies a phase of the tunnel session lifecycle.
type State int

// Session lifecycle states. A session always moves forward through these;
// every failure path routes through StateTearingDown before StateClosed.
const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingEndpoint
	StateRouteInstalled
	StateChannelActive
	StateTearingDown
	StateClosed
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingEndpoint:
		return "awaiting-endpoint"
	case StateRouteInstalled:
		return "route-installed"
	case StateChannelActive:
		return "channel-active"
	case StateTearingDown:
		return "tearing-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
