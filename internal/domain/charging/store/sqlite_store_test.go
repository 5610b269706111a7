// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evgrid/stationd/internal/domain/charging/model"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id, userID string, status model.SessionStatus) *model.Session {
	return &model.Session{
		SessionID:    id,
		UserID:       userID,
		Mode:         model.ModeFast,
		Status:       status,
		RequestedKWH: 30,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("s1", "u1", model.StatusStationWaiting)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.StatusStationWaiting, got.Status)
	assert.Equal(t, 30.0, got.RequestedKWH)
	assert.Empty(t, got.PileID)
	assert.True(t, got.StartTime.IsZero())
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateSessionIfPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, newSession("s1", "u1", model.StatusStationWaiting)))

	// Matching predicate applies the mutation.
	updated, ok, err := s.UpdateSessionIf(ctx, "s1", []model.SessionStatus{model.StatusStationWaiting}, func(sess *model.Session) error {
		sess.Status = model.StatusEngineQueued
		sess.QueueNumber = "F20260310000001"
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusEngineQueued, updated.Status)

	// Stale predicate refuses without error.
	_, ok, err = s.UpdateSessionIf(ctx, "s1", []model.SessionStatus{model.StatusStationWaiting}, func(sess *model.Session) error {
		sess.Status = model.StatusCancelled
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEngineQueued, got.Status)
	assert.Equal(t, "F20260310000001", got.QueueNumber)
}

func TestActiveSessionForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ActiveSessionForUser(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))

	done := newSession("s1", "u1", model.StatusCompleted)
	require.NoError(t, s.CreateSession(ctx, done))
	_, err = s.ActiveSessionForUser(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))

	live := newSession("s2", "u1", model.StatusCharging)
	require.NoError(t, s.CreateSession(ctx, live))
	got, err := s.ActiveSessionForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)
}

func TestSessionsByStatusAndOnPile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	charging := newSession("s1", "u1", model.StatusCharging)
	charging.PileID = "F1"
	charging.StartTime = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, charging))

	waiting := newSession("s2", "u2", model.StatusStationWaiting)
	require.NoError(t, s.CreateSession(ctx, waiting))

	byStatus, err := s.SessionsByStatus(ctx, model.StatusCharging)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "s1", byStatus[0].SessionID)

	onPile, err := s.ActiveSessionOnPile(ctx, "F1", model.StatusCharging, model.StatusCompleting)
	require.NoError(t, err)
	assert.Equal(t, "s1", onPile.SessionID)

	_, err = s.ActiveSessionOnPile(ctx, "F2", model.StatusCharging)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCompletingOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := newSession("s1", "u1", model.StatusCompleting)
	old.StartTime = now.Add(-5 * time.Minute)
	require.NoError(t, s.CreateSession(ctx, old))

	fresh := newSession("s2", "u2", model.StatusCompleting)
	fresh.StartTime = now
	require.NoError(t, s.CreateSession(ctx, fresh))

	stuck, err := s.CompletingOlderThan(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "s1", stuck[0].SessionID)
}

func TestTerminalSessionsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []model.SessionStatus{model.StatusCompleted, model.StatusCancelled, model.StatusCharging} {
		sess := newSession(string(rune('a'+i)), "u1", st)
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	history, err := s.TerminalSessionsForUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPileUpsertPreservesStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPile(ctx, &model.PileRecord{PileID: "F1", Mode: model.ModeFast, PowerKW: 30, Status: model.PileAvailable}))
	require.NoError(t, s.AddPileStats(ctx, "F1", 12.5, 27.0))

	// Re-provisioning the same pile keeps the counters.
	require.NoError(t, s.UpsertPile(ctx, &model.PileRecord{PileID: "F1", Mode: model.ModeFast, PowerKW: 60, Status: model.PileAvailable}))

	got, err := s.GetPile(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.PowerKW)
	assert.Equal(t, 1, got.TotalCharges)
	assert.Equal(t, 12.5, got.TotalEnergy)
	assert.Equal(t, 27.0, got.TotalRevenue)
}

func TestSetPileStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPile(ctx, &model.PileRecord{PileID: "F1", Mode: model.ModeFast, PowerKW: 30, Status: model.PileAvailable}))
	require.NoError(t, s.SetPileStatus(ctx, "F1", model.PileFault))

	got, err := s.GetPile(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.PileFault, got.Status)

	assert.True(t, errors.Is(s.SetPileStatus(ctx, "missing", model.PileFault), ErrNotFound))
}

func TestListPilesOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"T1", "F1", "F2"} {
		require.NoError(t, s.UpsertPile(ctx, &model.PileRecord{PileID: id, Mode: model.ModeFast, PowerKW: 30, Status: model.PileAvailable}))
	}
	piles, err := s.ListPiles(ctx)
	require.NoError(t, err)
	require.Len(t, piles, 3)
	assert.Equal(t, "F1", piles[0].PileID)
	assert.Equal(t, "T1", piles[2].PileID)
}
