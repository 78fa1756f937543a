package notification

import "fmt"

// State is the lifecycle state of a Record.
type State string

const (
	StatePending         State = "pending"
	StateSent            State = "sent"
	StateFailed          State = "failed"
	StateRetryScheduled  State = "retry_scheduled"
	StateFailedPermanent State = "failed_permanent"
	StateCancelled       State = "cancelled"
)

var allStates = []State{StatePending, StateSent, StateFailed, StateRetryScheduled, StateFailedPermanent, StateCancelled}

func (s State) Valid() bool {
	for _, v := range allStates {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal states absorb: no transition leaves them.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailedPermanent || s == StateCancelled
}

// Handled reports whether a record in this state blocks a new record for the
// same key. Only sent and retry_scheduled count.
func (s State) Handled() bool {
	return s == StateSent || s == StateRetryScheduled
}

var transitions = map[State][]State{
	StatePending:        {StateSent, StateFailed, StateRetryScheduled, StateFailedPermanent, StateCancelled},
	StateFailed:         {StateRetryScheduled, StateFailedPermanent, StateCancelled},
	StateRetryScheduled: {StateSent, StateFailed, StateRetryScheduled, StateFailedPermanent, StateCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes an illegal edge.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}
