// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"

	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/engine"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/notify"
)

// PromoteOnce performs one pop-and-promote step per mode: the head of
// each station waiting list gets a queue number and moves into the
// engine queue. One per tick bounds the queue-number assignment rate
// when submissions arrive in bursts.
func (m *Manager) PromoteOnce(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mode := range []model.Mode{model.ModeFast, model.ModeTrickle} {
		if err := m.promoteModeLocked(ctx, mode); err != nil {
			m.logger.Error().Err(err).Str(log.FieldMode, string(mode)).Msg("promotion failed")
		}
	}
	m.updateStationDepth(ctx)
	return nil
}

func (m *Manager) promoteModeLocked(ctx context.Context, mode model.Mode) error {
	entry, err := m.cache.WaitingPop(ctx, mode)
	if err != nil {
		return fmt.Errorf("pop waiting list: %w", err)
	}
	if entry == nil {
		return nil
	}

	// The popped entry may be stale (cancelled, or moved by a mode
	// change); the durable row decides.
	sess, err := m.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load session %s: %w", entry.SessionID, err)
	}
	if sess.Status != model.StatusStationWaiting || sess.Mode != mode {
		return nil
	}

	t := engineType(mode)
	queueNo := m.engine.GenerateQueueNumber(t)
	m.engine.Enqueue(engine.ChargeRequest{
		ReqID:       sess.SessionID,
		QueueNo:     queueNo,
		UserID:      sess.UserID,
		Type:        t,
		KWH:         sess.RequestedKWH,
		GeneratedAt: m.now(),
	})

	updated, ok, err := m.store.UpdateSessionIf(ctx, sess.SessionID, []model.SessionStatus{model.StatusStationWaiting}, func(s *model.Session) error {
		s.Status = model.StatusEngineQueued
		s.QueueNumber = queueNo
		return nil
	})
	if err != nil {
		return fmt.Errorf("promote session %s: %w", sess.SessionID, err)
	}
	if !ok {
		// Cancelled between pop and write; the enqueued request will be
		// discarded on dispatch.
		return nil
	}

	if err := m.cache.SessionSet(ctx, updated.SessionID, sessionFields(updated)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, updated.SessionID).Msg("session cache write failed")
	}

	m.logger.Info().
		Str(log.FieldSessionID, updated.SessionID).
		Str(log.FieldQueueNo, queueNo).
		Str(log.FieldMode, string(mode)).
		Msg("request promoted to engine queue")
	m.publish(ctx, notify.TypeRequestQueuedEngine, updated.UserID, map[string]interface{}{
		"session_id":   updated.SessionID,
		"queue_number": queueNo,
	})
	return nil
}
