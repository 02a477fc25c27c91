package realtime

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateFaulted:
		return "Faulted"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateDisconnected:
		switch next {
		case StateConnecting, StateDisconnected:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateOpen, StateFaulted, StateDisconnected:
			return nil
		}
	case StateOpen:
		switch next {
		case StateClosing, StateFaulted, StateDisconnected:
			return nil
		}
	case StateClosing, StateFaulted:
		if next == StateDisconnected {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}

// EventKind identifies a channel lifecycle event.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	// EventDisconnected is emitted for closures the channel does not
	// recover from by itself. A recovery coordinator decides whether to
	// call Reconnect.
	EventDisconnected EventKind = "disconnected"
	// EventDataRefreshRequested follows every successful reconnect;
	// consumers refetch instead of trusting the events they missed.
	EventDataRefreshRequested EventKind = "data_refresh_requested"
	EventAuthRejected         EventKind = "auth_rejected"
	EventCooldown             EventKind = "cooldown"
)

type Event struct {
	Kind   EventKind
	State  State
	Code   int
	Reason string
}
