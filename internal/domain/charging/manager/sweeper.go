// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"

	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/metrics"
	"github.com/evgrid/stationd/internal/notify"
)

// SweepOnce finalizes COMPLETING sessions that are stuck: either their
// charge started longer ago than the completing timeout, or they carry
// a force-complete marker from a failed engine call. The distributed
// timeout_check_lock keeps concurrent instances from double-sweeping.
func (m *Manager) SweepOnce(ctx context.Context) error {
	got, err := m.cache.AcquireGuard(ctx, cache.KeyTimeoutCheckLock, cache.TimeoutCheckLockTTL)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !got {
		return nil
	}
	defer func() {
		if err := m.cache.ReleaseGuard(ctx, cache.KeyTimeoutCheckLock); err != nil {
			m.logger.Warn().Err(err).Msg("sweep lock release failed")
		}
	}()

	now := m.now()
	cutoff := now.Add(-m.cfg.CompletingTimeout)

	candidates, err := m.store.SessionsByStatus(ctx, model.StatusCompleting)
	if err != nil {
		return fmt.Errorf("scan completing sessions: %w", err)
	}

	recovered := 0
	for _, sess := range candidates {
		due := !sess.StartTime.IsZero() && sess.StartTime.Before(cutoff)
		if !due {
			marked, err := m.cache.GuardHeld(ctx, cache.ForceCompleteKey(sess.SessionID))
			if err != nil || !marked {
				continue
			}
		}
		if err := m.recoverCompleting(ctx, sess); err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("sweep recovery failed")
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info().Int("recovered", recovered).Msg("completing sessions swept")
		if err := m.PromoteOnce(ctx); err != nil {
			m.logger.Error().Err(err).Msg("post-sweep promotion failed")
		}
		m.Broadcast(ctx)
	}
	return nil
}

// recoverCompleting closes one stuck session as COMPLETED and releases
// its pile everywhere.
func (m *Manager) recoverCompleting(ctx context.Context, sess *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pileID := sess.PileID
	updated, err := m.finalize(ctx, sess, model.StatusCompleted, m.now())
	if err != nil {
		return err
	}
	if pileID != "" {
		if err := m.engine.EndCharging(pileID); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldPileID, pileID).Msg("pile release failed during sweep")
		}
	}
	metrics.IncSweeperRecovery()
	m.publish(ctx, notify.TypeChargingCompletedRecovery, updated.UserID, map[string]interface{}{
		"session_id": updated.SessionID,
		"actual_kwh": updated.ActualKWH,
		"total_fee":  updated.TotalFee,
	})
	return nil
}
