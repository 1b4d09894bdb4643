package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyOpen    = errors.New("endpoint already open")
	ErrEndpointClosed = errors.New("endpoint closed")
	ErrConnectionLost = errors.New("connection lost")
)

// InvalidTransitionError reports a transport callback arriving in a
// state that does not permit it. It marks a logic error in the layer
// driving the machine, not a recoverable condition.
type InvalidTransitionError struct {
	From  State
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s in state %s", e.Event, e.From)
}
