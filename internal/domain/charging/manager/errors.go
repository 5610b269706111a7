// SPDX-License-Identifier: MIT

package manager

import "errors"

// Sentinel errors surfaced to the transport layer. Wrap with
// fmt.Errorf("…: %w", err) when adding context.
var (
	ErrWaitingAreaFull      = errors.New("waiting area is full")
	ErrActiveSessionExists  = errors.New("user already has an active session")
	ErrNotOwner             = errors.New("session belongs to another user")
	ErrInvalidState         = errors.New("operation not valid in the session's current state")
	ErrInvalidRequest       = errors.New("invalid request parameters")
	ErrUnknownPile          = errors.New("unknown pile")
	ErrSessionNotFound      = errors.New("session not found")
	ErrAlreadyTerminal      = errors.New("session already finished")
	ErrPileHasActiveSession = errors.New("pile has an active session")
)
