// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/metrics"
	"github.com/evgrid/stationd/internal/notify"
)

// Submit admits a new charging request into the station waiting area.
// The combined waiting size across both modes is capped by
// waiting_area_capacity; a user may hold at most one active session.
func (m *Manager) Submit(ctx context.Context, userID string, mode model.Mode, requestedKWH float64) (*model.Session, error) {
	if userID == "" || !mode.Valid() || requestedKWH <= 0 {
		return nil, fmt.Errorf("%w: user=%q mode=%q kwh=%v", ErrInvalidRequest, userID, mode, requestedKWH)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fastLen, err := m.cache.WaitingLen(ctx, model.ModeFast)
	if err != nil {
		return nil, fmt.Errorf("read waiting area: %w", err)
	}
	trickleLen, err := m.cache.WaitingLen(ctx, model.ModeTrickle)
	if err != nil {
		return nil, fmt.Errorf("read waiting area: %w", err)
	}
	if fastLen+trickleLen >= m.cfg.WaitingAreaCapacity {
		metrics.IncAdmissionRejection("waiting_area_full")
		return nil, ErrWaitingAreaFull
	}

	if _, err := m.store.ActiveSessionForUser(ctx, userID); err == nil {
		metrics.IncAdmissionRejection("active_session_exists")
		return nil, ErrActiveSessionExists
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("check active session: %w", err)
	}

	now := m.now()
	sess := &model.Session{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		Mode:         mode,
		Status:       model.StatusStationWaiting,
		RequestedKWH: requestedKWH,
		CreatedAt:    now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	entry := model.WaitingEntry{
		SessionID:    sess.SessionID,
		UserID:       userID,
		Mode:         mode,
		RequestedKWH: requestedKWH,
		CreatedAt:    now,
	}
	if err := m.cache.WaitingPush(ctx, entry); err != nil {
		return nil, fmt.Errorf("append waiting entry: %w", err)
	}
	if err := m.cache.SessionSet(ctx, sess.SessionID, sessionFields(sess)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("session cache write failed")
	}
	m.updateStationDepth(ctx)

	m.logger.Info().
		Str(log.FieldSessionID, sess.SessionID).
		Str(log.FieldUserID, userID).
		Str(log.FieldMode, string(mode)).
		Float64("requested_kwh", requestedKWH).
		Msg("request admitted to waiting area")
	m.publish(ctx, notify.TypeRequestSubmittedStation, userID, map[string]interface{}{
		"session_id":    sess.SessionID,
		"mode":          string(mode),
		"requested_kwh": requestedKWH,
	})
	return sess, nil
}

// Modify changes the requested attributes of a waiting session. Only
// STATION_WAITING sessions may change; a mode change moves the entry to
// the tail of the new mode's list, forfeiting its position.
func (m *Manager) Modify(ctx context.Context, sessionID, userID string, newMode *model.Mode, newKWH *float64) (*model.Session, error) {
	if newMode == nil && newKWH == nil {
		return nil, fmt.Errorf("%w: no attributes to modify", ErrInvalidRequest)
	}
	if newMode != nil && !newMode.Valid() {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidRequest, *newMode)
	}
	if newKWH != nil && *newKWH <= 0 {
		return nil, fmt.Errorf("%w: kwh %v", ErrInvalidRequest, *newKWH)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusStationWaiting {
		return nil, fmt.Errorf("%w: cannot modify a session in %s", ErrInvalidState, sess.Status)
	}

	oldMode := sess.Mode
	updated, ok, err := m.store.UpdateSessionIf(ctx, sessionID, []model.SessionStatus{model.StatusStationWaiting}, func(s *model.Session) error {
		if newMode != nil {
			s.Mode = *newMode
		}
		if newKWH != nil {
			s.RequestedKWH = *newKWH
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("modify session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session left the waiting area", ErrInvalidState)
	}

	if newMode != nil && *newMode != oldMode {
		// Promotion reads the authoritative row, so the old entry only
		// needs to move lists; its payload may go stale safely.
		if _, err := m.cache.WaitingRemove(ctx, oldMode, sessionID); err != nil {
			return nil, fmt.Errorf("move waiting entry: %w", err)
		}
		entry := model.WaitingEntry{
			SessionID:    updated.SessionID,
			UserID:       updated.UserID,
			Mode:         updated.Mode,
			RequestedKWH: updated.RequestedKWH,
			CreatedAt:    updated.CreatedAt,
		}
		if err := m.cache.WaitingPush(ctx, entry); err != nil {
			return nil, fmt.Errorf("move waiting entry: %w", err)
		}
		m.updateStationDepth(ctx)
	}
	if err := m.cache.SessionSet(ctx, sessionID, sessionFields(updated)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("session cache write failed")
	}

	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldMode, string(updated.Mode)).
		Float64("requested_kwh", updated.RequestedKWH).
		Msg("waiting request modified")
	return updated, nil
}

// Cancel aborts a session. The effect depends on how far the session
// has progressed; dispatched sessions are cancelled asynchronously via
// the charging_end event.
func (m *Manager) Cancel(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case model.StatusStationWaiting:
		updated, ok, err := m.store.UpdateSessionIf(ctx, sessionID, []model.SessionStatus{model.StatusStationWaiting}, func(s *model.Session) error {
			s.Status = model.StatusCancelled
			s.EndTime = m.now()
			return nil
		})
		if err != nil {
			return fmt.Errorf("cancel waiting session: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: session left the waiting area", ErrInvalidState)
		}
		if _, err := m.cache.WaitingRemove(ctx, sess.Mode, sessionID); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("waiting entry removal failed")
		}
		if err := m.cache.SessionDelete(ctx, sessionID); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("session cache delete failed")
		}
		m.updateStationDepth(ctx)
		metrics.RecordFinalized(string(model.StatusCancelled), 0, 0)
		m.publish(ctx, notify.TypeRequestCancelledStation, userID, map[string]interface{}{
			"session_id": updated.SessionID,
		})
		return nil

	case model.StatusEngineQueued:
		// The engine queue offers no removal; mark intent and let the
		// dispatch handler turn the eventual binding into a cancel.
		_, ok, err := m.store.UpdateSessionIf(ctx, sessionID, []model.SessionStatus{model.StatusEngineQueued}, func(s *model.Session) error {
			s.Status = model.StatusCancellingAfterDispatch
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark cancel intent: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: session left the engine queue", ErrInvalidState)
		}
		if err := m.cache.SessionSet(ctx, sessionID, map[string]string{"status": string(model.StatusCancellingAfterDispatch)}); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("session cache write failed")
		}
		m.publish(ctx, notify.TypeRequestCancelledEngine, userID, map[string]interface{}{
			"session_id": sessionID,
		})
		return nil

	case model.StatusCancellingAfterDispatch:
		// Already cancelling; idempotent.
		return nil

	case model.StatusCharging:
		// Status stays CHARGING until charging_end arrives; the intent
		// marker tells the finalizer to close as CANCELLED.
		if err := m.cache.SessionSet(ctx, sessionID, map[string]string{"cancel_requested": "1"}); err != nil {
			return fmt.Errorf("mark cancel intent: %w", err)
		}
		if err := m.engine.EndCharging(sess.PileID); err != nil {
			return fmt.Errorf("stop pile %s: %w", sess.PileID, err)
		}
		m.publish(ctx, notify.TypeRequestCancelledCharging, userID, map[string]interface{}{
			"session_id": sessionID,
		})
		return nil

	case model.StatusCompleting:
		final, err := m.finalize(ctx, sess, model.StatusCancelled, m.now())
		if err != nil {
			return err
		}
		if err := m.engine.EndCharging(sess.PileID); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, sess.PileID).Msg("pile release failed")
		}
		m.publish(ctx, notify.TypeRequestCancelledCharging, userID, map[string]interface{}{
			"session_id": sessionID,
			"total_fee":  final.TotalFee,
		})
		return nil

	default:
		return ErrAlreadyTerminal
	}
}

// StopCharging ends an in-progress charge gracefully: the pile is
// released and the session finalizes as COMPLETED via the event stream.
func (m *Manager) StopCharging(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.Status != model.StatusCharging && sess.Status != model.StatusCompleting {
		return fmt.Errorf("%w: cannot stop a session in %s", ErrInvalidState, sess.Status)
	}
	if err := m.engine.EndCharging(sess.PileID); err != nil {
		return fmt.Errorf("stop pile %s: %w", sess.PileID, err)
	}
	return nil
}

// History returns the user's finished sessions, newest first.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*model.Session, error) {
	return m.store.TerminalSessionsForUser(ctx, userID, limit)
}

func (m *Manager) updateStationDepth(ctx context.Context) {
	for _, mode := range []model.Mode{model.ModeFast, model.ModeTrickle} {
		if n, err := m.cache.WaitingLen(ctx, mode); err == nil {
			metrics.SetStationDepth(string(mode), n)
		}
	}
}
