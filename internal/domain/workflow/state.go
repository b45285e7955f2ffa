package workflow

// State represents a withdrawal state in the approval lifecycle
type State string

const (
	StateRequested       State = "requested"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateExpired         State = "expired"
)

var validStates = map[State]bool{
	StateRequested:       true,
	StatePendingApproval: true,
	StateApproved:        true,
	StateRejected:        true,
	StateExecuting:       true,
	StateCompleted:       true,
	StateFailed:          true,
	StateExpired:         true,
}

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateRejected:  true,
	StateExpired:   true,
}

// AllStates returns every state in lifecycle order
func AllStates() []State {
	return []State{
		StateRequested,
		StatePendingApproval,
		StateApproved,
		StateRejected,
		StateExecuting,
		StateCompleted,
		StateFailed,
		StateExpired,
	}
}

// IsTerminal returns true if the state is a terminal state (no further transitions allowed)
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid withdrawal state
func (s State) IsValid() bool {
	return validStates[s]
}
