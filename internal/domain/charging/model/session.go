// SPDX-License-Identifier: MIT

package model

import "time"

// Session is the durable record and source of truth for one charging
// request across its full lifetime. Fees are fixed-point with 2
// decimals, energy with 4 decimals.
type Session struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	PileID      string        `json:"pileId,omitempty"`      // set on dispatch, cleared on fault
	QueueNumber string        `json:"queueNumber,omitempty"` // set on promotion
	Mode        Mode          `json:"mode"`
	Status      SessionStatus `json:"status"`

	RequestedKWH  float64 `json:"requestedKwh"`
	ActualKWH     float64 `json:"actualKwh"`
	DurationHours float64 `json:"durationHours"`

	StartTime time.Time `json:"startTime,omitempty"`
	EndTime   time.Time `json:"endTime,omitempty"`

	ChargingFee float64 `json:"chargingFee"`
	ServiceFee  float64 `json:"serviceFee"`
	TotalFee    float64 `json:"totalFee"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WaitingEntry is the lightweight record held in the per-mode station
// waiting lists. It is JSON-encoded into the cache.
type WaitingEntry struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Mode         Mode      `json:"mode"`
	RequestedKWH float64   `json:"requested_kwh"`
	CreatedAt    time.Time `json:"created_at"`
}

// PileRecord is the durable pile row: identity, rating, operational
// status and lifetime statistics. Stats only ever increase.
type PileRecord struct {
	PileID  string  `json:"pileId"`
	Mode    Mode    `json:"mode"`
	PowerKW float64 `json:"powerKw"`
	Status  string  `json:"status"` // available | occupied | fault | maintenance | offline

	TotalCharges int     `json:"totalCharges"`
	TotalEnergy  float64 `json:"totalEnergy"`
	TotalRevenue float64 `json:"totalRevenue"`
}

// Durable pile statuses. The engine keeps its own operational view;
// these are the application-level states persisted across restarts.
const (
	PileAvailable   = "available"
	PileOccupied    = "occupied"
	PileFault       = "fault"
	PileMaintenance = "maintenance"
	PileOffline     = "offline"
)
