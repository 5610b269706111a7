// SPDX-License-Identifier: MIT

// Package model defines the durable charging-session domain types.
package model

// Mode is the user-visible charging mode.
type Mode string

const (
	ModeFast    Mode = "fast"    // direct-current, high power
	ModeTrickle Mode = "trickle" // alternating-current, low power
)

// Valid reports whether m is a known charging mode.
func (m Mode) Valid() bool {
	return m == ModeFast || m == ModeTrickle
}

// QueueLetter returns the type letter used in queue numbers.
func (m Mode) QueueLetter() string {
	if m == ModeFast {
		return "F"
	}
	return "T"
}

// SessionStatus is the authoritative lifecycle state of a session.
// Transitions are guarded by CanTransition; terminal records never mutate.
type SessionStatus string

const (
	StatusStationWaiting          SessionStatus = "station_waiting"
	StatusEngineQueued            SessionStatus = "engine_queued"
	StatusCharging                SessionStatus = "charging"
	StatusCompleting              SessionStatus = "completing"
	StatusCompleted               SessionStatus = "completed"
	StatusCancelled               SessionStatus = "cancelled"
	StatusFaultCompleted          SessionStatus = "fault_completed"
	StatusCancellingAfterDispatch SessionStatus = "cancelling_after_dispatch"
)

// IsTerminal returns true if the status is final.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFaultCompleted:
		return true
	}
	return false
}

// IsActive returns true for statuses that count against the one-active-
// session-per-user invariant.
func (s SessionStatus) IsActive() bool {
	return s != "" && !s.IsTerminal()
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusStationWaiting:          {StatusEngineQueued, StatusCancelled},
	StatusEngineQueued:            {StatusCharging, StatusCancellingAfterDispatch},
	StatusCancellingAfterDispatch: {StatusCancelled},
	StatusCharging:                {StatusCompleting, StatusCompleted, StatusCancelled, StatusFaultCompleted},
	StatusCompleting:              {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
