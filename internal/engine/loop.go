// SPDX-License-Identifier: MIT

package engine

import (
	"sync"
	"time"
)

// loopState holds the dispatch loop lifecycle, separate from the
// engine lock so the loop never sleeps while holding it.
type loopState struct {
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// StartLoop runs the assignment algorithm at the given cadence until
// StopLoop is called. Calling it while the loop runs is a no-op.
func (e *Engine) StartLoop(interval time.Duration) {
	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()
	if e.loop.running {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	e.loop.stopCh = make(chan struct{})
	e.loop.doneCh = make(chan struct{})
	e.loop.running = true

	go e.runLoop(interval, e.loop.stopCh, e.loop.doneCh)
	e.logger.Info().Dur("interval", interval).Msg("dispatch loop started")
}

func (e *Engine) runLoop(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// One assignment per type per tick. AssignNext takes the
			// engine lock per call; the loop never holds it across sleeps.
			for _, t := range Types() {
				e.AssignNext(t)
			}
		}
	}
}

// StopLoop signals shutdown and waits up to timeout for the loop to
// exit. The engine stays usable for direct calls afterwards.
func (e *Engine) StopLoop(timeout time.Duration) {
	e.loop.mu.Lock()
	if !e.loop.running {
		e.loop.mu.Unlock()
		return
	}
	close(e.loop.stopCh)
	done := e.loop.doneCh
	e.loop.running = false
	e.loop.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn().Dur("timeout", timeout).Msg("dispatch loop did not stop in time")
	}
}

// Close stops the loop and marks the engine stopped; AssignNext
// returns nil from then on.
func (e *Engine) Close() {
	e.StopLoop(2 * time.Second)
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}
