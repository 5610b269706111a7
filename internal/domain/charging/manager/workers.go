// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the periodic workers and blocks until ctx is cancelled.
// Cadences come from the configuration; the promoter gets a random
// initial delay so it does not tick in lockstep with the other workers.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.runPeriodic(ctx, "event_drain", m.cfg.EventDrainInterval, 0, m.DrainOnce)
	})
	g.Go(func() error {
		return m.runPeriodic(ctx, "progress_monitor", m.cfg.ProgressInterval, 0, m.ProgressOnce)
	})
	g.Go(func() error {
		jitter := time.Duration(rand.Int63n(int64(m.cfg.PromotionInterval)))
		return m.runPeriodic(ctx, "station_promoter", m.cfg.PromotionInterval, jitter, m.PromoteOnce)
	})
	g.Go(func() error {
		return m.runPeriodic(ctx, "timeout_sweeper", m.cfg.TimeoutSweepInterval, 0, m.SweepOnce)
	})

	return g.Wait()
}

// runPeriodic drives one worker: tick, run, log failures, repeat until
// shutdown. Worker errors never terminate the group.
func (m *Manager) runPeriodic(ctx context.Context, name string, interval, initialDelay time.Duration, fn func(context.Context) error) error {
	if initialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(initialDelay):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Str("worker", name).Dur("interval", interval).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("worker", name).Msg("worker stopped")
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("worker", name).Msg("worker tick failed")
			}
		}
	}
}
