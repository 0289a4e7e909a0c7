package orchestrator

import "time"

// State is the position of a booking transaction in its phase sequence.
// States advance strictly forward; Aborted absorbs from any non-terminal
// state.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateSelecting
	StateInitiating
	StateConfirming
	StateMonitoring
	StateRating
	StateClosed
	StateAborted
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateSelecting:
		return "selecting"
	case StateInitiating:
		return "initiating"
	case StateConfirming:
		return "confirming"
	case StateMonitoring:
		return "monitoring"
	case StateRating:
		return "rating"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the transaction can make no further progress.
func (s State) Terminal() bool { return s == StateClosed || s == StateAborted }

// Transaction tracks one booking flow for a schedule decision.
type Transaction struct {
	ID      string
	JobID   string
	State   State
	OrderID string
	// LastDigest is the sha256 of the last response payload.
	LastDigest string
	StartedAt  time.Time
	ClosedAt   time.Time
}
