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

// StartPile brings a pile (back) into service and triggers promotion so
// queued requests can use it.
func (m *Manager) StartPile(ctx context.Context, pileID string) error {
	rec, err := m.loadPile(ctx, pileID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.engine.RecoverPile(pileID); err != nil {
		// Not registered yet (was offline at boot).
		if rerr := m.engine.RegisterPile(engine.Pile{
			PileID: pileID,
			Type:   engineType(rec.Mode),
			MaxKW:  rec.PowerKW,
			Status: engine.StatusIdle,
		}); rerr != nil {
			m.mu.Unlock()
			return fmt.Errorf("register pile %s: %w", pileID, rerr)
		}
	}
	if err := m.store.SetPileStatus(ctx, pileID, model.PileAvailable); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist pile start: %w", err)
	}
	if err := m.cache.PileSet(ctx, pileID, model.PileAvailable, ""); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile cache write failed")
	}
	m.mu.Unlock()

	m.logger.Info().Str(log.FieldPileID, pileID).Msg("pile started")
	return m.PromoteOnce(ctx)
}

// StopPile takes a pile out of service. With an active session it
// refuses unless force is set; force closes the session as CANCELLED
// with fees for the energy delivered so far.
func (m *Manager) StopPile(ctx context.Context, pileID string, force bool) error {
	if _, err := m.loadPile(ctx, pileID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.ActiveSessionOnPile(ctx, pileID, model.StatusCharging, model.StatusCompleting, model.StatusCancellingAfterDispatch)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("check pile %s sessions: %w", pileID, err)
	}
	if err == nil {
		if !force {
			return fmt.Errorf("%w: pile %s, session %s", ErrPileHasActiveSession, pileID, sess.SessionID)
		}
		updated, ferr := m.finalize(ctx, sess, model.StatusCancelled, m.now())
		if ferr != nil {
			return ferr
		}
		m.publish(ctx, notify.TypeRequestCancelledCharging, updated.UserID, map[string]interface{}{
			"session_id": updated.SessionID,
			"total_fee":  updated.TotalFee,
			"reason":     "pile_stopped",
		})
	}

	if err := m.engine.EndCharging(pileID); err != nil {
		return fmt.Errorf("release pile %s: %w", pileID, err)
	}
	if err := m.engine.SetOffline(pileID); err != nil {
		return fmt.Errorf("take pile %s offline: %w", pileID, err)
	}
	if err := m.store.SetPileStatus(ctx, pileID, model.PileOffline); err != nil {
		return fmt.Errorf("persist pile stop: %w", err)
	}
	if err := m.cache.PileSet(ctx, pileID, model.PileOffline, ""); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile cache write failed")
	}
	m.logger.Info().Str(log.FieldPileID, pileID).Bool("force", force).Msg("pile stopped")
	return nil
}

// FaultPile injects a pile fault. The engine emits pile_fault; the
// event handler closes the affected session as FAULT_COMPLETED.
// Remaining energy is not re-credited: the user submits a new request.
func (m *Manager) FaultPile(ctx context.Context, pileID string) error {
	if _, err := m.loadPile(ctx, pileID); err != nil {
		return err
	}
	if err := m.engine.MarkFault(pileID, 0); err != nil {
		return fmt.Errorf("mark pile %s faulty: %w", pileID, err)
	}
	return nil
}

// RecoverPile clears a pile fault. The engine emits pile_recover; the
// event handler restores the durable record and triggers promotion.
func (m *Manager) RecoverPile(ctx context.Context, pileID string) error {
	if _, err := m.loadPile(ctx, pileID); err != nil {
		return err
	}
	if err := m.engine.RecoverPile(pileID); err != nil {
		return fmt.Errorf("recover pile %s: %w", pileID, err)
	}
	return nil
}

// ForceSync runs the engine-vs-store consistency sweep on demand.
func (m *Manager) ForceSync(ctx context.Context) error {
	return m.SyncPileStates(ctx)
}

func (m *Manager) loadPile(ctx context.Context, pileID string) (*model.PileRecord, error) {
	rec, err := m.store.GetPile(ctx, pileID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPile, pileID)
		}
		return nil, fmt.Errorf("load pile %s: %w", pileID, err)
	}
	return rec, nil
}
