// Package callflow holds the call-screen state machine shared by speakers and listeners.
package callflow

import "fmt"

// State is the lifecycle state of a single call session.
type State int

const (
	// StateReady is the initial state: the speaker waits for an incoming call,
	// the listener is about to dial.
	StateReady State = iota
	// StateConnecting is after the call was placed or accepted and before the
	// calling subsystem reports the outcome.
	StateConnecting
	// StateInCall is while media is flowing.
	StateInCall
	// StateFailed is after a failed attempt that may still be retried.
	StateFailed
	// StateFailedFinal is after the retry budget ran out.
	StateFailedFinal
)

var stateNames = map[State]string{
	StateReady:       "ready",
	StateConnecting:  "connecting",
	StateInCall:      "in_call",
	StateFailed:      "failed",
	StateFailedFinal: "failed_final",
}

// String returns the wire name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText keeps JSON payloads readable.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal returns true if no event can move the session out of s.
func (s State) IsTerminal() bool {
	return s == StateFailedFinal
}

// States lists every defined state in declaration order.
func States() []State {
	return []State{StateReady, StateConnecting, StateInCall, StateFailed, StateFailedFinal}
}

// validTransitions defines which state changes the coordinator may apply.
// Exits that only navigate away keep the state and are not listed here.
var validTransitions = map[State][]State{
	StateReady:       {StateConnecting, StateFailed},
	StateConnecting:  {StateInCall, StateFailed, StateFailedFinal},
	StateInCall:      {StateReady},
	StateFailed:      {StateConnecting, StateFailedFinal},
	StateFailedFinal: {},
}

// CanTransitionTo checks if moving from s to next is allowed.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
