package client

import "fmt"

// State is the phase of the request currently in flight.
type State uint8

const (
	StateIdle State = iota
	StateSending
	StateAwaitingFrame
	StateCorrelating
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateSending:       "sending",
	StateAwaitingFrame: "awaiting_frame",
	StateCorrelating:   "correlating",
	StateDone:          "done",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// StateError records the phase a request failed in. The underlying error
// kind stays reachable through errors.Is and errors.As.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}
