// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"
	"strconv"

	"github.com/evgrid/stationd/internal/billing"
	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/log"
)

// ProgressOnce advances the delivered energy of every CHARGING session
// and initiates completion when the requested amount is reached. All
// writes are conditional on the status still being CHARGING, so a
// session cancelled or faulted mid-scan is never resurrected.
func (m *Manager) ProgressOnce(ctx context.Context) error {
	sessions, err := m.store.SessionsByStatus(ctx, model.StatusCharging)
	if err != nil {
		return fmt.Errorf("scan charging sessions: %w", err)
	}

	for _, sess := range sessions {
		if err := m.progressSession(ctx, sess); err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("progress update failed")
		}
	}
	return nil
}

func (m *Manager) progressSession(ctx context.Context, sess *model.Session) error {
	if sess.StartTime.IsZero() || sess.PileID == "" {
		return nil
	}
	pile, err := m.store.GetPile(ctx, sess.PileID)
	if err != nil {
		return fmt.Errorf("load pile %s: %w", sess.PileID, err)
	}

	now := m.now()
	elapsedHours := now.Sub(sess.StartTime).Hours()
	if elapsedHours < 0 {
		elapsedHours = 0
	}
	potential := elapsedHours * pile.PowerKW * m.cfg.ChargingSpeedFactor
	newActual := potential
	if newActual > sess.RequestedKWH {
		newActual = sess.RequestedKWH
	}
	newActual = billing.Round4(newActual)

	if newActual > sess.ActualKWH {
		m.mu.Lock()
		_, ok, err := m.store.UpdateSessionIf(ctx, sess.SessionID, []model.SessionStatus{model.StatusCharging}, func(s *model.Session) error {
			s.ActualKWH = newActual
			s.DurationHours = billing.Round4(elapsedHours)
			return nil
		})
		if err == nil && ok {
			if cerr := m.cache.SessionSet(ctx, sess.SessionID, map[string]string{
				"actual_kwh": strconv.FormatFloat(newActual, 'f', 4, 64),
			}); cerr != nil {
				m.logger.Warn().Err(cerr).Str(log.FieldSessionID, sess.SessionID).Msg("session cache write failed")
			}
		}
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
		if !ok {
			return nil
		}
	}

	if newActual < sess.RequestedKWH {
		return nil
	}

	// Target reached. The NX guard makes completion initiation
	// single-shot across workers and restarts within its TTL.
	first, err := m.cache.AcquireGuard(ctx, cache.CompletingKey(sess.SessionID), cache.CompletingGuardTTL)
	if err != nil {
		return fmt.Errorf("acquire completing guard: %w", err)
	}
	if !first {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok, err := m.store.UpdateSessionIf(ctx, sess.SessionID, []model.SessionStatus{model.StatusCharging}, func(s *model.Session) error {
		s.Status = model.StatusCompleting
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark completing: %w", err)
	}
	if !ok {
		return nil
	}
	if err := m.cache.SessionSet(ctx, sess.SessionID, map[string]string{"status": string(model.StatusCompleting)}); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("session cache write failed")
	}

	m.logger.Info().
		Str(log.FieldSessionID, sess.SessionID).
		Str(log.FieldPileID, sess.PileID).
		Float64("actual_kwh", newActual).
		Msg("requested energy delivered, completing")

	if err := m.engine.EndCharging(sess.PileID); err != nil {
		// The sweeper finalizes marked sessions even before the
		// completing timeout elapses.
		if _, merr := m.cache.AcquireGuard(ctx, cache.ForceCompleteKey(sess.SessionID), cache.ForceCompleteTTL); merr != nil {
			m.logger.Error().Err(merr).Str(log.FieldSessionID, sess.SessionID).Msg("force-complete marker write failed")
		}
		return fmt.Errorf("end charging on pile %s: %w", sess.PileID, err)
	}
	return nil
}
