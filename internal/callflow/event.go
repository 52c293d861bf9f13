package callflow

import "time"

// EventKind names a user action or an external signal from the calling subsystem.
type EventKind string

const (
	EventAccept         EventKind = "accept"
	EventRefuse         EventKind = "refuse"
	EventStop           EventKind = "stop"
	EventRetryRequested EventKind = "retry_requested"
	EventDelayRequested EventKind = "delay_requested"
	EventAcknowledge    EventKind = "acknowledge"
	EventDial           EventKind = "dial"

	EventExternalConnected EventKind = "external_connected"
	EventExternalFailed    EventKind = "external_failed"
	EventExternalEnded     EventKind = "external_ended"
)

// eventActions maps user-initiated events to the UI action that must be enabled for them.
var eventActions = map[EventKind]Action{
	EventAccept:         ActionAccept,
	EventRefuse:         ActionRefuse,
	EventStop:           ActionStop,
	EventRetryRequested: ActionRetry,
	EventDelayRequested: ActionDelay,
	EventAcknowledge:    ActionAcknowledge,
	EventDial:           ActionDial,
}

// Known reports whether k is a defined event kind.
func (k EventKind) Known() bool {
	if _, ok := eventActions[k]; ok {
		return true
	}
	return k.External()
}

// External reports whether k is a signal from the calling subsystem.
func (k EventKind) External() bool {
	switch k {
	case EventExternalConnected, EventExternalFailed, EventExternalEnded:
		return true
	}
	return false
}

// Action returns the UI action behind a user event.
func (k EventKind) Action() (Action, bool) {
	a, ok := eventActions[k]
	return a, ok
}

// Event is one input to the coordinator.
type Event struct {
	Kind EventKind
	// At is the caller's clock reading; the retry window is measured against it.
	At time.Time
	// Attempt ties an external signal to the connection attempt it reports on.
	// Zero means "current attempt".
	Attempt uint64
}
