// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldUserID    = "user_id"
	FieldPileID    = "pile_id"
	FieldQueueNo   = "queue_no"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldMode      = "mode"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
)
