package peer

// State tracks one remote peer's connection lifecycle. Closed is terminal;
// a closed peer id may reconnect later only via a fresh peer-joined round.
type State int

const (
	StateIdle State = iota
	StateConnectingOfferer
	StateConnectingAnswerer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingOfferer:
		return "connecting-offerer"
	case StateConnectingAnswerer:
		return "connecting-answerer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
