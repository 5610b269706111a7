// SPDX-License-Identifier: MIT

// Package cache is the fast key/value view of live dispatch state:
// station waiting lists, session/pile status hashes, and the NX+TTL
// guard locks. Everything here is derived state; the durable session
// store stays authoritative.
package cache

import "time"

// Cache key layout. The waiting lists and status hashes are rebuilt
// from the durable store on startup; nothing here survives a flush.
const (
	keyWaitingPrefix = "station_waiting_area:" // + mode
	keySessionPrefix = "session_status:"       // + session_id
	keyPilePrefix    = "pile_status:"          // + pile_id

	KeyTimeoutCheckLock = "timeout_check_lock"
	KeyBroadcastLock    = "broadcast_lock"
)

// Guard TTLs. A guard that expires before finalization is reclaimed by
// the timeout sweeper.
const (
	CompletingGuardTTL  = 30 * time.Second
	ForceCompleteTTL    = 60 * time.Second
	TimeoutCheckLockTTL = 15 * time.Second
	BroadcastLockTTL    = 1 * time.Second
)

// CompletingKey is the completion-once guard for a session.
func CompletingKey(sessionID string) string { return "completing:" + sessionID }

// ForceCompleteKey marks a session for pickup by the recovery sweeper
// after a failed engine call.
func ForceCompleteKey(sessionID string) string { return "force_complete:" + sessionID }
