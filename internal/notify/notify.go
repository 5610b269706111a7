// SPDX-License-Identifier: MIT

// Package notify defines the outbound event boundary. The transport
// layer (WebSocket, etc.) plugs in its own Notifier; the core only
// depends on this port.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/stationd/internal/log"
)

// Event types published by the core.
const (
	TypeRequestSubmittedStation   = "request_submitted_station"
	TypeRequestQueuedEngine       = "request_queued_engine"
	TypeChargingStarted           = "charging_started"
	TypeChargingEnded             = "charging_ended"
	TypeChargingPaused            = "charging_paused"
	TypeSessionFaultStopped       = "session_fault_stopped"
	TypeRequestCancelledStation   = "request_cancelled_station"
	TypeRequestCancelledEngine    = "request_cancelled_engine"
	TypeRequestCancelledCharging  = "request_cancelled_charging"
	TypeChargingCompletedRecovery = "charging_completed_recovery"
	TypeStatusUpdate              = "status_update"
)

// Event is the envelope handed to the notifier. TargetUserID is empty
// for system-wide broadcasts.
type Event struct {
	Type         string                 `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	TargetUserID string                 `json:"target_user_id,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// Notifier consumes outbound events. Implementations must not block
// the caller for long; the core publishes from its serialized handlers.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// LogNotifier is the default sink: it logs every event.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier that writes events to the log.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

func (n *LogNotifier) Publish(_ context.Context, ev Event) {
	n.logger.Info().
		Str(log.FieldEvent, ev.Type).
		Str(log.FieldUserID, ev.TargetUserID).
		Interface("payload", ev.Payload).
		Msg("event published")
}

// NopNotifier discards events; used in tests that assert on state only.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}
