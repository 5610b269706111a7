// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evgrid/stationd/internal/domain/charging/model"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client), mr
}

func entry(sid, uid string, mode model.Mode) model.WaitingEntry {
	return model.WaitingEntry{
		SessionID:    sid,
		UserID:       uid,
		Mode:         mode,
		RequestedKWH: 20,
		CreatedAt:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestWaitingListOrderAndPop(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.WaitingPush(ctx, entry("s1", "u1", model.ModeFast)))
	require.NoError(t, c.WaitingPush(ctx, entry("s2", "u2", model.ModeFast)))
	require.NoError(t, c.WaitingPush(ctx, entry("s3", "u3", model.ModeTrickle)))

	n, err := c.WaitingLen(ctx, model.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.WaitingPop(ctx, model.ModeFast)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 20.0, got.RequestedKWH)

	// Trickle list is untouched.
	list, err := c.WaitingList(ctx, model.ModeTrickle)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s3", list[0].SessionID)
}

func TestWaitingPopEmptyReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.WaitingPop(context.Background(), model.ModeFast)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWaitingRemoveBySessionID(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.WaitingPush(ctx, entry("s1", "u1", model.ModeFast)))
	require.NoError(t, c.WaitingPush(ctx, entry("s2", "u2", model.ModeFast)))

	removed, err := c.WaitingRemove(ctx, model.ModeFast, "s1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.WaitingRemove(ctx, model.ModeFast, "s1")
	require.NoError(t, err)
	assert.False(t, removed)

	list, err := c.WaitingList(ctx, model.ModeFast)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].SessionID)
}

func TestWaitingClearDropsBothLists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.WaitingPush(ctx, entry("s1", "u1", model.ModeFast)))
	require.NoError(t, c.WaitingPush(ctx, entry("s2", "u2", model.ModeTrickle)))
	require.NoError(t, c.WaitingClear(ctx))

	for _, mode := range []model.Mode{model.ModeFast, model.ModeTrickle} {
		n, err := c.WaitingLen(ctx, mode)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestSessionHashLifecycle(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SessionSet(ctx, "s1", map[string]string{"status": "charging", "pile_id": "F1"}))
	require.NoError(t, c.SessionSet(ctx, "s1", map[string]string{"actual_kwh": "1.5000"}))

	fields, err := c.SessionGet(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "charging", fields["status"])
	assert.Equal(t, "F1", fields["pile_id"])
	assert.Equal(t, "1.5000", fields["actual_kwh"])

	require.NoError(t, c.SessionDelete(ctx, "s1"))
	fields, err = c.SessionGet(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestPileHash(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PileSet(ctx, "F1", model.PileOccupied, "s1"))
	fields, err := c.PileGet(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.PileOccupied, fields["status"])
	assert.Equal(t, "s1", fields["current_charging_session_id"])

	require.NoError(t, c.PileSet(ctx, "F1", model.PileAvailable, ""))
	fields, err = c.PileGet(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.PileAvailable, fields["status"])
	assert.Empty(t, fields["current_charging_session_id"])
}

func TestGuardIsFirstTakerOnlyAndExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := CompletingKey("s1")

	got, err := c.AcquireGuard(ctx, key, CompletingGuardTTL)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.AcquireGuard(ctx, key, CompletingGuardTTL)
	require.NoError(t, err)
	assert.False(t, got)

	held, err := c.GuardHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	// TTL expiry makes the guard takeable again.
	mr.FastForward(CompletingGuardTTL + time.Second)
	got, err = c.AcquireGuard(ctx, key, CompletingGuardTTL)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, c.ReleaseGuard(ctx, key))
	held, err = c.GuardHeld(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}
