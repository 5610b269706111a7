// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/metrics"
)

const eventBufferCap = 100

// Engine owns the typed FIFO queues and the pile registry under one
// coarse lock. All pile-state mutations share that lock so dispatch,
// fault, recover, pause and end are linearizable with each other.
type Engine struct {
	mu sync.Mutex

	queues   map[PileType][]ChargeRequest
	piles    map[string]*Pile
	inflight map[string]ChargeRequest // pile_id -> dispatched request, for fault re-enqueue

	counters map[string]int // "<YYYYMMDD><L>" -> last issued sequence
	events   []Event
	seq      uint64
	dropped  uint64

	stopped bool
	loop    loopState

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		queues:   map[PileType][]ChargeRequest{TypeFast: nil, TypeTrickle: nil},
		piles:    make(map[string]*Pile),
		inflight: make(map[string]ChargeRequest),
		counters: make(map[string]int),
		logger:   log.WithComponent("engine"),
		now:      time.Now,
	}
}

// GenerateQueueNumber issues the next number for the given type:
// <L><YYYYMMDD><6-digit-seq>, unique and monotonic per (UTC date, type).
func (e *Engine) GenerateQueueNumber(t PileType) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextQueueNumberLocked(t)
}

func (e *Engine) nextQueueNumberLocked(t PileType) string {
	day := e.now().UTC().Format("20060102")
	key := day + string(t)
	e.counters[key]++
	return fmt.Sprintf("%s%s%06d", t, day, e.counters[key])
}

// Enqueue appends the request to its typed queue and emits queue_update.
func (e *Engine) Enqueue(req ChargeRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[req.Type] = append(e.queues[req.Type], req)
	e.pushEventLocked(Event{Type: EventQueueUpdate, Queue: req.Type})
	metrics.SetEngineQueueDepth(string(req.Type), len(e.queues[req.Type]))
}

// RegisterPile adds a pile to the registry. Registering an existing
// pile id is an error; callers re-register via RecoverPile instead.
func (e *Engine) RegisterPile(p Pile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.piles[p.PileID]; ok {
		return fmt.Errorf("engine: pile %s already registered", p.PileID)
	}
	if p.Status == "" {
		p.Status = StatusIdle
	}
	cp := p
	e.piles[p.PileID] = &cp
	e.logger.Info().Str(log.FieldPileID, p.PileID).Str("type", string(p.Type)).Float64("max_kw", p.MaxKW).Msg("pile registered")
	return nil
}

// PeekWaiting returns a read-only snapshot of the first n queued
// requests for the type. n <= 0 returns the whole queue.
func (e *Engine) PeekWaiting(t PileType, n int) []ChargeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[t]
	if n <= 0 || n > len(q) {
		n = len(q)
	}
	out := make([]ChargeRequest, n)
	copy(out, q[:n])
	return out
}

// Piles returns a snapshot of all registered piles.
func (e *Engine) Piles() []Pile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pile, 0, len(e.piles))
	for _, p := range e.piles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PileID < out[j].PileID })
	return out
}

// AssignNext binds the head of the typed queue to the idle pile with
// the shortest estimated finish time. Returns nil when the queue is
// empty, no pile is idle, or the engine is stopped.
func (e *Engine) AssignNext(t PileType) *DispatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	q := e.queues[t]
	if len(q) == 0 {
		return nil
	}
	req := q[0]

	var chosen *Pile
	var bestETA float64
	now := e.now()
	for _, p := range e.sortedPilesLocked() {
		if p.Type != t || p.Status != StatusIdle {
			continue
		}
		eta := etaSeconds(p, req, now)
		if chosen == nil || eta < bestETA {
			chosen = p
			bestETA = eta
		}
	}
	if chosen == nil {
		return nil
	}

	e.queues[t] = q[1:]
	metrics.SetEngineQueueDepth(string(t), len(e.queues[t]))

	finish := now.Add(time.Duration(req.KWH / chosen.MaxKW * float64(time.Hour)))
	chosen.Status = StatusBusy
	chosen.CurrentReqID = req.ReqID
	chosen.EstimatedEnd = finish
	e.inflight[chosen.PileID] = req

	result := &DispatchResult{
		ReqID:        req.ReqID,
		PileID:       chosen.PileID,
		QueueNo:      req.QueueNo,
		StartTime:    now,
		EstimatedEnd: finish,
	}
	e.pushEventLocked(Event{Type: EventDispatch, PileID: chosen.PileID, ReqID: req.ReqID, Dispatch: result})
	metrics.IncDispatch(string(t))
	e.logger.Info().
		Str(log.FieldSessionID, req.ReqID).
		Str(log.FieldPileID, chosen.PileID).
		Str(log.FieldQueueNo, req.QueueNo).
		Time("estimated_end", finish).
		Msg("request dispatched")
	return result
}

// etaSeconds is the shortest-finish-time cost: residual busy time plus
// this job. Only idle candidates are enumerated today, so the residual
// term is zero; the formula is kept so queued-under-pile assignment can
// reuse it unchanged.
func etaSeconds(p *Pile, req ChargeRequest, now time.Time) float64 {
	remained := 0.0
	if !p.EstimatedEnd.IsZero() {
		if d := p.EstimatedEnd.Sub(now).Seconds(); d > 0 {
			remained = d
		}
	}
	return remained + req.KWH/p.MaxKW*3600
}

func (e *Engine) sortedPilesLocked() []*Pile {
	out := make([]*Pile, 0, len(e.piles))
	for _, p := range e.piles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PileID < out[j].PileID })
	return out
}

// MarkFault transitions the pile to FAULT and, if a request was in
// flight, re-enqueues it at the tail of its typed queue with a fresh
// queue number and the caller-supplied remaining energy. The consumer
// decides whether to honor the re-enqueue or terminate the session.
func (e *Engine) MarkFault(pileID string, remainingKWH float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return fmt.Errorf("engine: unknown pile %s", pileID)
	}
	p.Status = StatusFault
	e.pushEventLocked(Event{Type: EventPileFault, PileID: pileID})
	metrics.IncPileFault()

	if p.CurrentReqID != "" {
		orig, had := e.inflight[pileID]
		req := ChargeRequest{
			ReqID:       p.CurrentReqID,
			QueueNo:     e.nextQueueNumberLocked(p.Type),
			UserID:      orig.UserID,
			Type:        p.Type,
			KWH:         remainingKWH,
			GeneratedAt: e.now(),
		}
		if !had {
			e.logger.Warn().Str(log.FieldPileID, pileID).Str(log.FieldSessionID, p.CurrentReqID).Msg("fault with no inflight record, re-enqueueing without user")
		}
		e.queues[p.Type] = append(e.queues[p.Type], req)
		e.pushEventLocked(Event{Type: EventQueueUpdate, Queue: p.Type})
		metrics.SetEngineQueueDepth(string(p.Type), len(e.queues[p.Type]))
		delete(e.inflight, pileID)
		p.CurrentReqID = ""
		p.EstimatedEnd = time.Time{}
	}
	return nil
}

// RecoverPile returns a faulted or offline pile to IDLE.
func (e *Engine) RecoverPile(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return fmt.Errorf("engine: unknown pile %s", pileID)
	}
	p.Status = StatusIdle
	p.CurrentReqID = ""
	p.EstimatedEnd = time.Time{}
	delete(e.inflight, pileID)
	e.pushEventLocked(Event{Type: EventPileRecover, PileID: pileID})
	return nil
}

// Pause moves a BUSY pile to PAUSED. Paused piles are not dispatch
// candidates but keep their current request.
func (e *Engine) Pause(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return fmt.Errorf("engine: unknown pile %s", pileID)
	}
	if p.Status != StatusBusy {
		return fmt.Errorf("engine: pile %s not busy (status %s)", pileID, p.Status)
	}
	p.Status = StatusPaused
	e.pushEventLocked(Event{Type: EventChargingPaused, PileID: pileID})
	return nil
}

// SetOffline takes a pile out of service. The caller must have drained
// or terminated any in-flight request first; SetOffline refuses while
// the pile is BUSY or PAUSED.
func (e *Engine) SetOffline(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return fmt.Errorf("engine: unknown pile %s", pileID)
	}
	if p.Status == StatusBusy || p.Status == StatusPaused {
		return fmt.Errorf("engine: pile %s has an active request", pileID)
	}
	p.Status = StatusOffline
	e.logger.Info().Str(log.FieldPileID, pileID).Msg("pile taken offline")
	return nil
}

// EndCharging releases a BUSY or PAUSED pile to IDLE and emits a
// charging_end event carrying the cleared request id. Calling it on an
// inactive or unknown pile is a no-op. The error return is always nil
// here; it exists so transport-backed engines can report delivery
// failures through the same port.
func (e *Engine) EndCharging(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return nil
	}
	if p.Status != StatusBusy && p.Status != StatusPaused {
		return nil
	}
	reqID := p.CurrentReqID
	p.Status = StatusIdle
	p.CurrentReqID = ""
	p.EstimatedEnd = time.Time{}
	delete(e.inflight, pileID)
	e.pushEventLocked(Event{Type: EventChargingEnd, PileID: pileID, ReqID: reqID})
	e.logger.Info().Str(log.FieldPileID, pileID).Str(log.FieldSessionID, reqID).Msg("charging ended")
	return nil
}

// PopEvents drains and returns the buffered events in production order.
func (e *Engine) PopEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

func (e *Engine) pushEventLocked(ev Event) {
	e.seq++
	ev.Seq = e.seq
	ev.Time = e.now()
	if len(e.events) >= eventBufferCap {
		e.events = e.events[1:]
		e.dropped++
		metrics.IncEngineEventDropped()
	}
	e.events = append(e.events, ev)
}
