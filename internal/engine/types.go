// SPDX-License-Identifier: MIT

// Package engine is the in-memory dispatch primitive: typed FIFO queues,
// a pile registry, and a shortest-finish-time assignment loop. It knows
// nothing about sessions, fees, or durable state; the manager package
// consumes its events and owns those concerns.
package engine

import "time"

// PileType selects one of the two typed dispatch queues. The value is
// the letter prefix of user-visible queue numbers.
type PileType string

const (
	TypeFast    PileType = "F" // direct-current
	TypeTrickle PileType = "T" // alternating-current
)

// Types lists the pile types in deterministic dispatch order.
func Types() []PileType {
	return []PileType{TypeFast, TypeTrickle}
}

// PileStatus is the engine-side operational state of a pile.
type PileStatus string

const (
	StatusIdle    PileStatus = "IDLE"
	StatusBusy    PileStatus = "BUSY"
	StatusFault   PileStatus = "FAULT"
	StatusPaused  PileStatus = "PAUSED"
	StatusOffline PileStatus = "OFFLINE"
)

// Pile is a registered charging point. CurrentReqID is set iff the pile
// is BUSY or PAUSED; both fields are mutated only under the engine lock.
type Pile struct {
	PileID       string
	Type         PileType
	MaxKW        float64
	Status       PileStatus
	CurrentReqID string
	EstimatedEnd time.Time
}

// ChargeRequest is an immutable queue entry. ReqID doubles as the
// session id and is stable across re-enqueues; QueueNo is not.
type ChargeRequest struct {
	ReqID       string
	QueueNo     string
	UserID      string
	Type        PileType
	KWH         float64
	GeneratedAt time.Time
}

// DispatchResult records one request-to-pile binding.
type DispatchResult struct {
	ReqID        string
	PileID       string
	QueueNo      string
	StartTime    time.Time
	EstimatedEnd time.Time
}

// EventType enumerates engine event kinds.
type EventType string

const (
	EventQueueUpdate    EventType = "queue_update"
	EventDispatch       EventType = "dispatch"
	EventPileFault      EventType = "pile_fault"
	EventPileRecover    EventType = "pile_recover"
	EventChargingPaused EventType = "charging_paused"
	EventChargingEnd    EventType = "charging_end"
)

// Event is one entry of the bounded engine event buffer. Seq is a
// monotonic production order assigned under the engine lock.
type Event struct {
	Type     EventType
	Seq      uint64
	Time     time.Time
	PileID   string
	ReqID    string          // set for charging_end when the pile had a request
	Queue    PileType        // set for queue_update
	Dispatch *DispatchResult // set for dispatch
}
