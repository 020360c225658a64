// Package model defines the core domain types for textrelay.
package model

import "time"

// State is the lifecycle stage of a relay session.
// States only move forward; a session never returns to an earlier stage.
type State int

const (
	StateConnecting    State = iota // accepted, handshake not done
	StateAuthenticated              // username resolved, registered
	StateActive                     // read loop running
	StateClosing                    // teardown started or delivery failed
	StateClosed                     // resources released
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	return next > s && next <= StateClosed
}

// Registered reports whether a session in this state belongs in the registry.
func (s State) Registered() bool {
	return s == StateAuthenticated || s == StateActive
}

// Entry is one line of a "who is in" listing.
type Entry struct {
	Position    int // 1-based join order
	SessionID   uint64
	Username    string
	ConnectedAt time.Time
}
