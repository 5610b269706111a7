// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/evgrid/stationd/internal/billing"
	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/engine"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/metrics"
	"github.com/evgrid/stationd/internal/notify"
)

// DrainOnce empties the engine's event buffer and processes the events
// in production order. Each handler is serialized under the manager
// mutex; handlers are idempotent, so a crash-retry of the same event is
// harmless. Errors are logged per event and never stop the drain.
func (m *Manager) DrainOnce(ctx context.Context) error {
	events := m.engine.PopEvents()
	if len(events) == 0 {
		return nil
	}

	promote := false
	for _, ev := range events {
		var err error
		switch ev.Type {
		case engine.EventDispatch:
			err = m.handleDispatch(ctx, ev)
		case engine.EventChargingEnd:
			err = m.handleChargingEnd(ctx, ev)
			promote = true
		case engine.EventPileFault:
			err = m.handlePileFault(ctx, ev.PileID)
		case engine.EventPileRecover:
			err = m.handlePileRecover(ctx, ev.PileID)
			promote = true
		case engine.EventChargingPaused:
			err = m.handleChargingPaused(ctx, ev.PileID)
		case engine.EventQueueUpdate:
			// Depth gauges are maintained by the engine; nothing to do
			// beyond refreshing the broadcast below.
		}
		if err != nil {
			m.logger.Error().Err(err).
				Str(log.FieldEvent, string(ev.Type)).
				Str(log.FieldPileID, ev.PileID).
				Uint64("seq", ev.Seq).
				Msg("event handling failed")
		}
	}

	if promote {
		if err := m.PromoteOnce(ctx); err != nil {
			m.logger.Error().Err(err).Msg("post-event promotion failed")
		}
	}
	m.Broadcast(ctx)
	return nil
}

// handleDispatch turns an engine binding into a CHARGING session. A
// session that was cancelled (or vanished) while queued gets its pile
// released immediately; the resulting charging_end closes the loop.
func (m *Manager) handleDispatch(ctx context.Context, ev engine.Event) error {
	res := ev.Dispatch
	if res == nil {
		return fmt.Errorf("dispatch event %d without result", ev.Seq)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, res.ReqID)
	if err != nil {
		if err == store.ErrNotFound {
			m.logger.Warn().Str(log.FieldSessionID, res.ReqID).Str(log.FieldPileID, res.PileID).Msg("dispatched request has no session, releasing pile")
			return m.engine.EndCharging(res.PileID)
		}
		return fmt.Errorf("load session %s: %w", res.ReqID, err)
	}
	if sess.Status == model.StatusCancellingAfterDispatch || sess.Status.IsTerminal() {
		return m.engine.EndCharging(res.PileID)
	}

	updated, ok, err := m.store.UpdateSessionIf(ctx, res.ReqID, []model.SessionStatus{model.StatusEngineQueued}, func(s *model.Session) error {
		s.Status = model.StatusCharging
		s.PileID = res.PileID
		s.StartTime = res.StartTime
		s.ActualKWH = 0
		s.DurationHours = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("start session %s: %w", res.ReqID, err)
	}
	if !ok {
		return m.engine.EndCharging(res.PileID)
	}

	if err := m.store.SetPileStatus(ctx, res.PileID, model.PileOccupied); err != nil && err != store.ErrNotFound {
		m.logger.Warn().Err(err).Str(log.FieldPileID, res.PileID).Msg("durable pile status update failed")
	}
	if err := m.cache.PileSet(ctx, res.PileID, model.PileOccupied, updated.SessionID); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldPileID, res.PileID).Msg("pile cache write failed")
	}
	if err := m.cache.SessionSet(ctx, updated.SessionID, sessionFields(updated)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, updated.SessionID).Msg("session cache write failed")
	}

	m.logger.Info().
		Str(log.FieldSessionID, updated.SessionID).
		Str(log.FieldPileID, res.PileID).
		Str(log.FieldOldStatus, string(model.StatusEngineQueued)).
		Str(log.FieldNewStatus, string(model.StatusCharging)).
		Msg("charging started")
	m.publish(ctx, notify.TypeChargingStarted, updated.UserID, map[string]interface{}{
		"session_id":    updated.SessionID,
		"pile_id":       res.PileID,
		"queue_number":  updated.QueueNumber,
		"start_time":    res.StartTime,
		"estimated_end": res.EstimatedEnd,
	})
	return nil
}

// handleChargingEnd finalizes the session that was bound to the pile.
// The event may carry only the pile id; the session is then located by
// its pile binding.
func (m *Manager) handleChargingEnd(ctx context.Context, ev engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sess *model.Session
	var err error
	if ev.ReqID != "" {
		sess, err = m.store.GetSession(ctx, ev.ReqID)
	} else {
		sess, err = m.store.ActiveSessionOnPile(ctx, ev.PileID, model.StatusCharging, model.StatusCompleting, model.StatusCancellingAfterDispatch)
	}
	if err != nil {
		if err == store.ErrNotFound {
			return m.cache.PileSet(ctx, ev.PileID, model.PileAvailable, "")
		}
		return fmt.Errorf("locate session for pile %s: %w", ev.PileID, err)
	}

	if sess.Status.IsTerminal() {
		// Already closed (synchronous cancel, sweeper, admin force);
		// just make sure nothing lingers in the cache.
		m.releaseCache(ctx, sess.SessionID, ev.PileID, model.PileAvailable)
		return nil
	}

	final := model.StatusCompleted
	if sess.Status == model.StatusCancellingAfterDispatch {
		final = model.StatusCancelled
	} else if fields, err := m.cache.SessionGet(ctx, sess.SessionID); err == nil && fields["cancel_requested"] == "1" {
		final = model.StatusCancelled
	}

	updated, err := m.finalize(ctx, sess, final, m.now())
	if err != nil {
		return err
	}

	evType := notify.TypeChargingEnded
	if final == model.StatusCancelled {
		evType = notify.TypeRequestCancelledCharging
	}
	m.publish(ctx, evType, updated.UserID, map[string]interface{}{
		"session_id":   updated.SessionID,
		"actual_kwh":   updated.ActualKWH,
		"charging_fee": updated.ChargingFee,
		"service_fee":  updated.ServiceFee,
		"total_fee":    updated.TotalFee,
	})
	return nil
}

// handlePileFault closes the CHARGING session on a faulted pile as
// FAULT_COMPLETED with partial fees and the pile binding cleared. The
// engine's automatic re-enqueue of the request is deliberately ignored:
// the session is terminal, and a later dispatch of the stale request
// self-heals through handleDispatch.
func (m *Manager) handlePileFault(ctx context.Context, pileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetPileStatus(ctx, pileID, model.PileFault); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("persist fault for pile %s: %w", pileID, err)
	}
	if err := m.cache.PileSet(ctx, pileID, model.PileFault, ""); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile cache write failed")
	}

	sess, err := m.store.ActiveSessionOnPile(ctx, pileID, model.StatusCharging)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("locate session on faulted pile %s: %w", pileID, err)
	}

	updated, err := m.finalize(ctx, sess, model.StatusFaultCompleted, m.now())
	if err != nil {
		return err
	}
	m.publish(ctx, notify.TypeSessionFaultStopped, updated.UserID, map[string]interface{}{
		"session_id": updated.SessionID,
		"pile_id":    pileID,
		"actual_kwh": updated.ActualKWH,
		"total_fee":  updated.TotalFee,
	})
	return nil
}

func (m *Manager) handlePileRecover(ctx context.Context, pileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetPileStatus(ctx, pileID, model.PileAvailable); err != nil && err != store.ErrNotFound {
		return fmt.Errorf("persist recovery for pile %s: %w", pileID, err)
	}
	if err := m.cache.PileSet(ctx, pileID, model.PileAvailable, ""); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile cache write failed")
	}
	m.logger.Info().Str(log.FieldPileID, pileID).Msg("pile recovered")
	return nil
}

// handleChargingPaused surfaces the pause to the affected user; the
// session status does not change.
func (m *Manager) handleChargingPaused(ctx context.Context, pileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.ActiveSessionOnPile(ctx, pileID, model.StatusCharging)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("locate session on paused pile %s: %w", pileID, err)
	}
	m.publish(ctx, notify.TypeChargingPaused, sess.UserID, map[string]interface{}{
		"session_id": sess.SessionID,
		"pile_id":    pileID,
	})
	return nil
}

// finalize closes a session into the given terminal status: fees over
// [start_time, end], conditional terminal write, pile lifetime stats,
// cache release. Callers hold the manager mutex. A lost race (the
// session is already terminal) is not an error; the current row is
// returned and only the cache release is repeated.
func (m *Manager) finalize(ctx context.Context, sess *model.Session, final model.SessionStatus, end time.Time) (*model.Session, error) {
	pileID := sess.PileID
	fees := billing.Calculate(m.cfg.Rates(), sess.StartTime, end, sess.ActualKWH)

	expected := []model.SessionStatus{
		model.StatusCharging,
		model.StatusCompleting,
		model.StatusCancellingAfterDispatch,
	}
	updated, ok, err := m.store.UpdateSessionIf(ctx, sess.SessionID, expected, func(s *model.Session) error {
		s.Status = final
		s.EndTime = end
		if !s.StartTime.IsZero() {
			s.DurationHours = billing.Round4(end.Sub(s.StartTime).Hours())
		}
		s.ChargingFee = fees.ChargingFee
		s.ServiceFee = fees.ServiceFee
		s.TotalFee = fees.TotalFee
		if final == model.StatusFaultCompleted {
			s.PileID = ""
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize session %s: %w", sess.SessionID, err)
	}
	if !ok {
		current, err := m.store.GetSession(ctx, sess.SessionID)
		if err != nil {
			return nil, fmt.Errorf("reload session %s: %w", sess.SessionID, err)
		}
		m.releaseCache(ctx, sess.SessionID, pileID, m.pileReleaseStatus(final))
		return current, nil
	}

	if pileID != "" && final != model.StatusFaultCompleted {
		if err := m.store.AddPileStats(ctx, pileID, updated.ActualKWH, updated.TotalFee); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile stats update failed")
		}
		if err := m.store.SetPileStatus(ctx, pileID, model.PileAvailable); err != nil && err != store.ErrNotFound {
			m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("durable pile status update failed")
		}
	}
	m.releaseCache(ctx, sess.SessionID, pileID, m.pileReleaseStatus(final))
	metrics.RecordFinalized(string(final), updated.TotalFee, updated.ActualKWH)

	m.logger.Info().
		Str(log.FieldSessionID, updated.SessionID).
		Str(log.FieldOldStatus, string(sess.Status)).
		Str(log.FieldNewStatus, string(final)).
		Float64("actual_kwh", updated.ActualKWH).
		Float64("total_fee", updated.TotalFee).
		Msg("session finalized")
	return updated, nil
}

// pileReleaseStatus is the cache pile status written when a session
// leaves a pile.
func (m *Manager) pileReleaseStatus(final model.SessionStatus) string {
	if final == model.StatusFaultCompleted {
		return model.PileFault
	}
	return model.PileAvailable
}

// releaseCache drops the session's derived state: status hash, guard
// keys, and (when a pile was bound) the pile hash.
func (m *Manager) releaseCache(ctx context.Context, sessionID, pileID, pileStatus string) {
	if err := m.cache.SessionDelete(ctx, sessionID); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("session cache delete failed")
	}
	if err := m.cache.ReleaseGuard(ctx, cache.CompletingKey(sessionID)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("completing guard release failed")
	}
	if err := m.cache.ReleaseGuard(ctx, cache.ForceCompleteKey(sessionID)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("force-complete marker release failed")
	}
	if pileID != "" {
		if err := m.cache.PileSet(ctx, pileID, pileStatus, ""); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile cache write failed")
		}
	}
}
