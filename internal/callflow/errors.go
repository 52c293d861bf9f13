package callflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEvent means the event kind is not one the coordinator knows.
	// It points at broken wiring rather than at a user mistake.
	ErrUnsupportedEvent = errors.New("unsupported event")
	// ErrInvalidActionForState means a user action is not offered for the current
	// state and role. The session is left untouched.
	ErrInvalidActionForState = errors.New("action not valid in current state")
	// ErrInvalidTransition means the event cannot move the session from its current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionClosed means the session was torn down; late events are discarded.
	ErrSessionClosed = errors.New("session closed")
	// ErrStaleSignal means an external signal refers to an earlier connection attempt.
	ErrStaleSignal = errors.New("stale signal")
)

// TransitionError describes a rejected event.
type TransitionError struct {
	Err   error
	State State
	Role  Role
	Event EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: event %q in state %s for %s", e.Err, e.Event, e.State, e.Role)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Discarded reports whether err means the event was dropped because it arrived late,
// as opposed to being wrong.
func Discarded(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrStaleSignal)
}
