// Package timers provides an owned timer set: every timer armed through it
// is cancelled deterministically when the set is stopped, replacing the
// scattered ad-hoc timer handle fields the teacher's Peer struct carries
// (iceTimeout, capabilitiesTimeout, ...) with a single resource whose
// shutdown cancels everything outstanding (spec.md §9 design note).
package timers

import (
	"sync"
	"time"
)

// Handle identifies a timer armed through a Set.
type Handle uint64

// Set owns a collection of timers and cancels all of them on Stop.
type Set struct {
	mu      sync.Mutex
	next    Handle
	timers  map[Handle]*time.Timer
	stopped bool
}

// NewSet creates an empty timer set.
func NewSet() *Set {
	return &Set{timers: make(map[Handle]*time.Timer)}
}

// After arms fn to run after d unless the handle is cancelled first or the
// set is stopped. Returns the zero Handle if the set has already been
// stopped (fn is not scheduled).
func (s *Set) After(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	s.next++
	h := s.next

	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[h]
		if live {
			delete(s.timers, h)
		}
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[h] = t
	return h
}

// Cancel stops the timer for h, if it is still outstanding. Safe to call
// with a stale or zero handle.
func (s *Set) Cancel(h Handle) {
	if h == 0 {
		return
	}
	s.mu.Lock()
	t, ok := s.timers[h]
	if ok {
		delete(s.timers, h)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// Stop cancels every outstanding timer and marks the set closed; further
// calls to After are no-ops. Idempotent.
func (s *Set) Stop() {
	s.mu.Lock()
	s.stopped = true
	pending := s.timers
	s.timers = make(map[Handle]*time.Timer)
	s.mu.Unlock()

	for _, t := range pending {
		t.Stop()
	}
}
