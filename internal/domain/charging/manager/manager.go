// SPDX-License-Identifier: MIT

// Package manager is the session orchestrator: the only writer of
// durable session state. It consumes dispatch-engine events, serves the
// user-facing operations, and runs the periodic workers (event drain,
// promotion, progress, timeout sweep). One mutex serializes every
// read-decide-write sequence; the cache is always written after the
// store.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/stationd/internal/cache"
	"github.com/evgrid/stationd/internal/config"
	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/domain/charging/store"
	"github.com/evgrid/stationd/internal/engine"
	"github.com/evgrid/stationd/internal/log"
	"github.com/evgrid/stationd/internal/notify"
)

// DispatchEngine is the engine surface the orchestrator depends on.
// *engine.Engine satisfies it; tests substitute failing stubs to cover
// the force-complete recovery path.
type DispatchEngine interface {
	GenerateQueueNumber(t engine.PileType) string
	Enqueue(req engine.ChargeRequest)
	RegisterPile(p engine.Pile) error
	PeekWaiting(t engine.PileType, n int) []engine.ChargeRequest
	Piles() []engine.Pile
	MarkFault(pileID string, remainingKWH float64) error
	RecoverPile(pileID string) error
	SetOffline(pileID string) error
	EndCharging(pileID string) error
	PopEvents() []engine.Event
}

// Manager wires the engine, the durable store, and the cache together.
type Manager struct {
	mu sync.Mutex

	store    *store.SqliteStore
	cache    *cache.Redis
	engine   DispatchEngine
	notifier notify.Notifier
	cfg      config.Config

	logger zerolog.Logger
	now    func() time.Time
}

// New creates a manager. A nil notifier falls back to the logging sink.
func New(st *store.SqliteStore, ca *cache.Redis, eng DispatchEngine, n notify.Notifier, cfg config.Config) *Manager {
	if n == nil {
		n = notify.NewLogNotifier()
	}
	return &Manager{
		store:    st,
		cache:    ca,
		engine:   eng,
		notifier: n,
		cfg:      cfg,
		logger:   log.WithComponent("manager"),
		now:      time.Now,
	}
}

func engineType(m model.Mode) engine.PileType {
	if m == model.ModeFast {
		return engine.TypeFast
	}
	return engine.TypeTrickle
}

func modeOf(t engine.PileType) model.Mode {
	if t == engine.TypeFast {
		return model.ModeFast
	}
	return model.ModeTrickle
}

// pileCacheStatus maps the engine's operational view onto the durable
// pile status vocabulary used in the cache.
func pileCacheStatus(s engine.PileStatus) string {
	switch s {
	case engine.StatusBusy, engine.StatusPaused:
		return model.PileOccupied
	case engine.StatusFault:
		return model.PileFault
	case engine.StatusOffline:
		return model.PileOffline
	default:
		return model.PileAvailable
	}
}

// sessionFields is the live-attribute projection written into the
// session status hash.
func sessionFields(s *model.Session) map[string]string {
	f := map[string]string{
		"status":        string(s.Status),
		"mode":          string(s.Mode),
		"user_id":       s.UserID,
		"requested_kwh": strconv.FormatFloat(s.RequestedKWH, 'f', 4, 64),
		"actual_kwh":    strconv.FormatFloat(s.ActualKWH, 'f', 4, 64),
	}
	if s.PileID != "" {
		f["pile_id"] = s.PileID
	}
	if s.QueueNumber != "" {
		f["queue_number"] = s.QueueNumber
	}
	return f
}

func (m *Manager) publish(ctx context.Context, typ, userID string, payload map[string]interface{}) {
	m.notifier.Publish(ctx, notify.Event{
		Type:         typ,
		Timestamp:    m.now(),
		TargetUserID: userID,
		Payload:      payload,
	})
}

// loadOwned loads a session and checks ownership.
func (m *Manager) loadOwned(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.UserID != userID {
		return nil, ErrNotOwner
	}
	return sess, nil
}
