// Package lifecycle implements the state machine shared by every
// reactor-managed protocol endpoint: connections, sessions and links
// all move through Opening, Opened, Closing and Closed, in that order
// and only on the reactor goroutine.
package lifecycle

// State is the endpoint lifecycle state.
type State uint8

const (
	StateUninit State = iota
	StateOpening
	StateOpened
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateOpening:
		return "OPENING"
	case StateOpened:
		return "OPENED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// transitions is the closed set of legal state changes. Closed is
// terminal; reopening means constructing a new endpoint.
var transitions = map[State][]State{
	StateUninit:  {StateOpening, StateClosed},
	StateOpening: {StateOpened, StateClosing},
	StateOpened:  {StateClosing},
	StateClosing: {StateClosed},
	StateClosed:  {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
