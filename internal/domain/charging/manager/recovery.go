// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"

	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/engine"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/metrics"
	"github.com/evgrid/stationd/internal/notify"
)

// StartupReconcile brings the three stores back into agreement after a
// restart: pile rows become engine registrations, transitional sessions
// are closed out, and the non-durable waiting lists are reset.
func (m *Manager) StartupReconcile(ctx context.Context) error {
	if err := m.provisionPiles(ctx); err != nil {
		return err
	}
	if err := m.registerPiles(ctx); err != nil {
		return err
	}
	if err := m.closeCompleting(ctx); err != nil {
		return err
	}
	if err := m.cache.WaitingClear(ctx); err != nil {
		return fmt.Errorf("clear waiting lists: %w", err)
	}
	for _, mode := range []model.Mode{model.ModeFast, model.ModeTrickle} {
		metrics.SetStationDepth(string(mode), 0)
	}
	if err := m.SyncPileStates(ctx); err != nil {
		return err
	}
	m.logger.Info().Msg("startup reconciliation complete")
	return nil
}

// provisionPiles seeds the configured pile inventory on first boot.
// Existing rows keep their status and lifetime stats.
func (m *Manager) provisionPiles(ctx context.Context) error {
	type seed struct {
		mode  model.Mode
		count int
		power float64
	}
	for _, s := range []seed{
		{model.ModeFast, m.cfg.FastPileCount, m.cfg.FastPilePowerKW},
		{model.ModeTrickle, m.cfg.TricklePileCount, m.cfg.TricklePilePowerKW},
	} {
		for i := 1; i <= s.count; i++ {
			pileID := fmt.Sprintf("%s%d", s.mode.QueueLetter(), i)
			if _, err := m.store.GetPile(ctx, pileID); err == nil {
				continue
			} else if err != store.ErrNotFound {
				return fmt.Errorf("load pile %s: %w", pileID, err)
			}
			rec := &model.PileRecord{
				PileID:  pileID,
				Mode:    s.mode,
				PowerKW: s.power,
				Status:  model.PileAvailable,
			}
			if err := m.store.UpsertPile(ctx, rec); err != nil {
				return fmt.Errorf("provision pile %s: %w", pileID, err)
			}
			m.logger.Info().Str(log.FieldPileID, pileID).Str(log.FieldMode, string(s.mode)).Float64("power_kw", s.power).Msg("pile provisioned")
		}
	}
	return nil
}

// registerPiles loads every non-offline pile row into the engine, as
// IDLE or FAULT depending on the persisted status.
func (m *Manager) registerPiles(ctx context.Context) error {
	piles, err := m.store.ListPiles(ctx)
	if err != nil {
		return fmt.Errorf("list piles: %w", err)
	}
	for _, p := range piles {
		if p.Status == model.PileOffline {
			continue
		}
		status := engine.StatusIdle
		cacheStatus := model.PileAvailable
		if p.Status == model.PileFault {
			status = engine.StatusFault
			cacheStatus = model.PileFault
		} else if p.Status != model.PileAvailable {
			// Occupied or maintenance rows from before the restart come
			// back idle; closeCompleting and SyncPileStates settle any
			// session that referenced them.
			if err := m.store.SetPileStatus(ctx, p.PileID, model.PileAvailable); err != nil {
				return fmt.Errorf("reset pile %s: %w", p.PileID, err)
			}
		}
		if err := m.engine.RegisterPile(engine.Pile{
			PileID: p.PileID,
			Type:   engineType(p.Mode),
			MaxKW:  p.PowerKW,
			Status: status,
		}); err != nil {
			return fmt.Errorf("register pile %s: %w", p.PileID, err)
		}
		if err := m.cache.PileSet(ctx, p.PileID, cacheStatus, ""); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, p.PileID).Msg("pile cache write failed")
		}
	}
	return nil
}

// closeCompleting finalizes every session left in COMPLETING by the
// previous run, so no session survives a restart in the transitional
// state.
func (m *Manager) closeCompleting(ctx context.Context) error {
	sessions, err := m.store.SessionsByStatus(ctx, model.StatusCompleting)
	if err != nil {
		return fmt.Errorf("scan completing sessions: %w", err)
	}
	for _, sess := range sessions {
		m.mu.Lock()
		pileID := sess.PileID
		updated, err := m.finalize(ctx, sess, model.StatusCompleted, m.now())
		if err == nil && pileID != "" {
			if eerr := m.engine.EndCharging(pileID); eerr != nil {
				m.logger.Warn().Err(eerr).Str(log.FieldPileID, pileID).Msg("pile release failed during reconcile")
			}
		}
		m.mu.Unlock()
		if err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("reconcile finalization failed")
			continue
		}
		m.publish(ctx, notify.TypeChargingCompletedRecovery, updated.UserID, map[string]interface{}{
			"session_id": updated.SessionID,
			"actual_kwh": updated.ActualKWH,
			"total_fee":  updated.TotalFee,
		})
	}
	return nil
}

// SyncPileStates reconciles the engine's pile view against the durable
// store: a BUSY pile whose request has no CHARGING session is released,
// and the cache is rewritten to mirror the engine. Runs on startup and
// on explicit admin request.
func (m *Manager) SyncPileStates(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.engine.Piles() {
		if p.Status == engine.StatusBusy || p.Status == engine.StatusPaused {
			sess, err := m.store.ActiveSessionOnPile(ctx, p.PileID, model.StatusCharging)
			stale := err == store.ErrNotFound || (err == nil && sess.SessionID != p.CurrentReqID)
			if err != nil && err != store.ErrNotFound {
				return fmt.Errorf("check pile %s: %w", p.PileID, err)
			}
			if stale {
				m.logger.Warn().
					Str(log.FieldPileID, p.PileID).
					Str(log.FieldSessionID, p.CurrentReqID).
					Msg("busy pile has no charging session, releasing")
				if err := m.engine.EndCharging(p.PileID); err != nil {
					return fmt.Errorf("release pile %s: %w", p.PileID, err)
				}
				if err := m.cache.PileSet(ctx, p.PileID, model.PileAvailable, ""); err != nil {
					m.logger.Warn().Err(err).Str(log.FieldPileID, p.PileID).Msg("pile cache write failed")
				}
				continue
			}
		}
		currentSession := ""
		if p.CurrentReqID != "" && (p.Status == engine.StatusBusy || p.Status == engine.StatusPaused) {
			currentSession = p.CurrentReqID
		}
		if err := m.cache.PileSet(ctx, p.PileID, pileCacheStatus(p.Status), currentSession); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, p.PileID).Msg("pile cache write failed")
		}
	}
	return nil
}
