// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/notify"
)

// UserStatus is the answer to "where is my request": the active session
// snapshot plus its place in whichever queue currently holds it.
type UserStatus struct {
	Session *model.Session `json:"session"`
	// Stage is "station_waiting" or "engine_queue" while the session is
	// queued, empty otherwise.
	Stage string `json:"stage,omitempty"`
	// Position is 1-based within the stage's queue; 0 when not queued.
	Position int `json:"position,omitempty"`
}

// QueueEntryView is one engine-queue entry in a status snapshot.
type QueueEntryView struct {
	SessionID   string  `json:"session_id"`
	QueueNumber string  `json:"queue_number"`
	UserID      string  `json:"user_id"`
	KWH         float64 `json:"kwh"`
}

// PileView is one pile in a status snapshot.
type PileView struct {
	PileID           string    `json:"pile_id"`
	Mode             model.Mode `json:"mode"`
	PowerKW          float64   `json:"power_kw"`
	Status           string    `json:"status"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	EstimatedEnd     time.Time `json:"estimated_end,omitempty"`
}

// SystemStatus is the system-wide snapshot broadcast to all clients.
type SystemStatus struct {
	Timestamp      time.Time                       `json:"timestamp"`
	StationWaiting map[model.Mode]int              `json:"station_waiting"`
	EngineQueues   map[model.Mode][]QueueEntryView `json:"engine_queues"`
	Piles          []PileView                      `json:"piles"`
}

// Status answers the user status query. A user without an active
// session gets (nil, nil).
func (m *Manager) Status(ctx context.Context, userID string) (*UserStatus, error) {
	sess, err := m.store.ActiveSessionForUser(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load active session: %w", err)
	}

	st := &UserStatus{Session: sess}
	switch sess.Status {
	case model.StatusStationWaiting:
		st.Stage = "station_waiting"
		entries, err := m.cache.WaitingList(ctx, sess.Mode)
		if err != nil {
			return nil, fmt.Errorf("read waiting list: %w", err)
		}
		for i, e := range entries {
			if e.SessionID == sess.SessionID {
				st.Position = i + 1
				break
			}
		}
	case model.StatusEngineQueued:
		st.Stage = "engine_queue"
		for i, req := range m.engine.PeekWaiting(engineType(sess.Mode), 0) {
			if req.ReqID == sess.SessionID {
				st.Position = i + 1
				break
			}
		}
	}
	return st, nil
}

// Snapshot assembles the current system-wide status.
func (m *Manager) Snapshot(ctx context.Context) (*SystemStatus, error) {
	snap := &SystemStatus{
		Timestamp:      m.now(),
		StationWaiting: make(map[model.Mode]int, 2),
		EngineQueues:   make(map[model.Mode][]QueueEntryView, 2),
	}
	for _, mode := range []model.Mode{model.ModeFast, model.ModeTrickle} {
		n, err := m.cache.WaitingLen(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("read waiting list: %w", err)
		}
		snap.StationWaiting[mode] = n

		var preview []QueueEntryView
		for _, req := range m.engine.PeekWaiting(engineType(mode), 0) {
			preview = append(preview, QueueEntryView{
				SessionID:   req.ReqID,
				QueueNumber: req.QueueNo,
				UserID:      req.UserID,
				KWH:         req.KWH,
			})
		}
		snap.EngineQueues[mode] = preview
	}

	records, err := m.store.ListPiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list piles: %w", err)
	}
	byID := make(map[string]*model.PileRecord, len(records))
	for _, r := range records {
		byID[r.PileID] = r
	}
	for _, p := range m.engine.Piles() {
		view := PileView{
			PileID:           p.PileID,
			Mode:             modeOf(p.Type),
			PowerKW:          p.MaxKW,
			Status:           pileCacheStatus(p.Status),
			CurrentSessionID: p.CurrentReqID,
			EstimatedEnd:     p.EstimatedEnd,
		}
		delete(byID, p.PileID)
		snap.Piles = append(snap.Piles, view)
	}
	// Offline piles exist only as durable rows.
	for _, r := range byID {
		snap.Piles = append(snap.Piles, PileView{
			PileID:  r.PileID,
			Mode:    r.Mode,
			PowerKW: r.PowerKW,
			Status:  r.Status,
		})
	}
	return snap, nil
}

// Broadcast publishes a status_update snapshot, debounced by the
// broadcast_lock TTL: within one TTL window only the first caller
// publishes.
func (m *Manager) Broadcast(ctx context.Context) {
	got, err := m.cache.AcquireGuard(ctx, cache.KeyBroadcastLock, cache.BroadcastLockTTL)
	if err != nil || !got {
		return
	}
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("status snapshot failed")
		return
	}
	m.publish(ctx, notify.TypeStatusUpdate, "", map[string]interface{}{
		"status": snap,
	})
}
