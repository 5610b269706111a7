// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	e := New()
	e.now = fixedClock(testTime)
	return e
}

func TestGenerateQueueNumberFormatAndMonotonicity(t *testing.T) {
	e := newTestEngine()

	assert.Equal(t, "F20260310000001", e.GenerateQueueNumber(TypeFast))
	assert.Equal(t, "F20260310000002", e.GenerateQueueNumber(TypeFast))
	// Counters are independent per type.
	assert.Equal(t, "T20260310000001", e.GenerateQueueNumber(TypeTrickle))

	// A new day resets the sequence.
	e.now = fixedClock(testTime.AddDate(0, 0, 1))
	assert.Equal(t, "F20260311000001", e.GenerateQueueNumber(TypeFast))
}

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 3; i++ {
		e.Enqueue(ChargeRequest{ReqID: fmt.Sprintf("s%d", i), Type: TypeFast, KWH: 10})
	}

	waiting := e.PeekWaiting(TypeFast, 0)
	require.Len(t, waiting, 3)
	assert.Equal(t, "s0", waiting[0].ReqID)
	assert.Equal(t, "s2", waiting[2].ReqID)

	head := e.PeekWaiting(TypeFast, 1)
	require.Len(t, head, 1)
	assert.Equal(t, "s0", head[0].ReqID)
}

func TestRegisterPileRejectsDuplicates(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	assert.Error(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
}

func TestAssignNextPicksShortestFinishTime(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	require.NoError(t, e.RegisterPile(Pile{PileID: "F2", Type: TypeFast, MaxKW: 60}))

	e.Enqueue(ChargeRequest{ReqID: "s1", QueueNo: "F20260310000001", Type: TypeFast, KWH: 30})
	res := e.AssignNext(TypeFast)
	require.NotNil(t, res)
	assert.Equal(t, "F2", res.PileID) // 30 kWh at 60 kW finishes first
	assert.Equal(t, "s1", res.ReqID)
	assert.Equal(t, testTime.Add(30*time.Minute), res.EstimatedEnd)

	// F2 is now busy; the next request goes to F1.
	e.Enqueue(ChargeRequest{ReqID: "s2", Type: TypeFast, KWH: 30})
	res = e.AssignNext(TypeFast)
	require.NotNil(t, res)
	assert.Equal(t, "F1", res.PileID)
}

func TestAssignNextTieBreaksByPileID(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F2", Type: TypeFast, MaxKW: 30}))
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))

	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 15})
	res := e.AssignNext(TypeFast)
	require.NotNil(t, res)
	assert.Equal(t, "F1", res.PileID)
}

func TestAssignNextReturnsNilWithoutWorkOrPiles(t *testing.T) {
	e := newTestEngine()
	assert.Nil(t, e.AssignNext(TypeFast)) // empty queue

	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})
	assert.Nil(t, e.AssignNext(TypeFast)) // no idle pile

	require.NoError(t, e.RegisterPile(Pile{PileID: "T1", Type: TypeTrickle, MaxKW: 7}))
	assert.Nil(t, e.AssignNext(TypeFast)) // wrong type
}

func TestAssignNextAfterCloseReturnsNil(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})

	e.Close()
	assert.Nil(t, e.AssignNext(TypeFast))
}

func TestMarkFaultReEnqueuesInflightRequest(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	e.Enqueue(ChargeRequest{ReqID: "s1", QueueNo: "F20260310000001", UserID: "u1", Type: TypeFast, KWH: 30})
	require.NotNil(t, e.AssignNext(TypeFast))

	require.NoError(t, e.MarkFault("F1", 12.5))

	piles := e.Piles()
	require.Len(t, piles, 1)
	assert.Equal(t, StatusFault, piles[0].Status)
	assert.Empty(t, piles[0].CurrentReqID)

	waiting := e.PeekWaiting(TypeFast, 0)
	require.Len(t, waiting, 1)
	assert.Equal(t, "s1", waiting[0].ReqID)
	assert.Equal(t, "u1", waiting[0].UserID)
	assert.Equal(t, 12.5, waiting[0].KWH)
	// Re-enqueue gets a fresh queue number.
	assert.NotEqual(t, "F20260310000001", waiting[0].QueueNo)

	assert.Error(t, e.MarkFault("nope", 0))
}

func TestRecoverPileReturnsToIdle(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	require.NoError(t, e.MarkFault("F1", 0))
	require.NoError(t, e.RecoverPile("F1"))

	piles := e.Piles()
	require.Len(t, piles, 1)
	assert.Equal(t, StatusIdle, piles[0].Status)
	assert.Error(t, e.RecoverPile("nope"))
}

func TestPauseRequiresBusyPile(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	assert.Error(t, e.Pause("F1"))
	assert.Error(t, e.Pause("nope"))

	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})
	require.NotNil(t, e.AssignNext(TypeFast))
	require.NoError(t, e.Pause("F1"))

	piles := e.Piles()
	assert.Equal(t, StatusPaused, piles[0].Status)
	assert.Equal(t, "s1", piles[0].CurrentReqID)
}

func TestEndChargingReleasesPileAndEmitsEvent(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})
	require.NotNil(t, e.AssignNext(TypeFast))
	e.PopEvents()

	require.NoError(t, e.EndCharging("F1"))

	piles := e.Piles()
	assert.Equal(t, StatusIdle, piles[0].Status)
	assert.Empty(t, piles[0].CurrentReqID)

	events := e.PopEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventChargingEnd, events[0].Type)
	assert.Equal(t, "s1", events[0].ReqID)
	assert.Equal(t, "F1", events[0].PileID)

	// Idle and unknown piles are silent no-ops.
	require.NoError(t, e.EndCharging("F1"))
	require.NoError(t, e.EndCharging("nope"))
	assert.Empty(t, e.PopEvents())
}

func TestSetOfflineRefusesActivePile(t *testing.T) {
	e := newTestEngine()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})
	require.NotNil(t, e.AssignNext(TypeFast))

	assert.Error(t, e.SetOffline("F1"))
	require.NoError(t, e.EndCharging("F1"))
	require.NoError(t, e.SetOffline("F1"))
	assert.Equal(t, StatusOffline, e.Piles()[0].Status)
}

func TestEventBufferDropsOldestBeyondCapacity(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < eventBufferCap+10; i++ {
		e.Enqueue(ChargeRequest{ReqID: fmt.Sprintf("s%d", i), Type: TypeFast, KWH: 1})
	}

	events := e.PopEvents()
	require.Len(t, events, eventBufferCap)
	// The first 10 events were dropped; production order is preserved.
	assert.Equal(t, uint64(11), events[0].Seq)
	assert.Equal(t, uint64(eventBufferCap+10), events[len(events)-1].Seq)
	assert.Empty(t, e.PopEvents())
}

func TestDispatchLoopAssignsQueuedWork(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterPile(Pile{PileID: "F1", Type: TypeFast, MaxKW: 30}))
	e.Enqueue(ChargeRequest{ReqID: "s1", Type: TypeFast, KWH: 10})

	e.StartLoop(5 * time.Millisecond)
	e.StartLoop(5 * time.Millisecond) // idempotent
	defer e.Close()

	require.Eventually(t, func() bool {
		piles := e.Piles()
		return len(piles) == 1 && piles[0].Status == StatusBusy
	}, time.Second, 5*time.Millisecond)

	e.StopLoop(time.Second)
}
