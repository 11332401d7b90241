package service

// State is the last observed run state of a service.
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateFailed   State = "failed"
	// StateUnknown means the backend answered with something unrecognized.
	StateUnknown State = "unknown"
	// StateError means the backend could not be queried at all.
	StateError State = "error"
)

// Running reports whether the state counts as up.
func (s State) Running() bool { return s == StateActive }

// AllStates lists every state, in display order.
func AllStates() []State {
	return []State{StateActive, StateInactive, StateFailed, StateUnknown, StateError}
}
