// sched.go
package sched

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"saunactl/mailbox"
)

// Service owns every timer in the process. Timers never run component logic
// inline: firing posts a TimerFired event into the supervisor mailbox, and
// the owning component handles it on the supervisor's goroutine.
//
// Handles are generation-stamped: Cancel (or re-arming the same ID) bumps the
// generation, so a firing that is already queued when it is cancelled fails
// the Valid check on dispatch and is dropped.
type Service struct {
	clk  clock.Clock
	post func(mailbox.Event) bool

	mu     sync.Mutex
	gen    map[string]uint64
	timers map[string]*entry
}

type entry struct {
	t      clock.Timer
	period time.Duration // 0 for one-shot
	gen    uint64
}

// Handle identifies one armed timer generation.
type Handle struct {
	ID  string
	Gen uint64
}

func New(clk clock.Clock, post func(mailbox.Event) bool) *Service {
	return &Service{
		clk:    clk,
		post:   post,
		gen:    map[string]uint64{},
		timers: map[string]*entry{},
	}
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clk.Now() }

// After arms a one-shot timer under id, replacing any previous timer with
// the same id (the replacement invalidates the old handle).
func (s *Service) After(id string, d time.Duration) Handle {
	return s.arm(id, d, 0)
}

// Every arms a periodic timer under id. The first firing is after d, then
// every d until cancelled.
func (s *Service) Every(id string, d time.Duration) Handle {
	return s.arm(id, d, d)
}

func (s *Service) arm(id string, d, period time.Duration) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[id]; ok {
		old.t.Stop()
		delete(s.timers, id)
	}
	s.gen[id]++
	g := s.gen[id]
	e := &entry{period: period, gen: g}
	e.t = s.clk.AfterFunc(d, func() { s.fire(id, g) })
	s.timers[id] = e
	return Handle{ID: id, Gen: g}
}

func (s *Service) fire(id string, g uint64) {
	s.mu.Lock()
	if s.gen[id] != g {
		s.mu.Unlock()
		return
	}
	e := s.timers[id]
	if e != nil && e.period > 0 {
		e.t.Reset(e.period)
	} else {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.post(mailbox.TimerFired{ID: id, Gen: g})
}

// Cancel stops the timer behind h and invalidates any queued firing.
// Idempotent; a stale handle is a no-op.
func (s *Service) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[h.ID] != h.Gen {
		return
	}
	s.gen[h.ID]++
	if e, ok := s.timers[h.ID]; ok {
		e.t.Stop()
		delete(s.timers, h.ID)
	}
}

// Valid reports whether a fired event still corresponds to a live handle.
// The supervisor checks this before dispatching to the owning component.
func (s *Service) Valid(f mailbox.TimerFired) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[f.ID] == f.Gen
}

// StopAll cancels every timer and invalidates all outstanding handles.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.t.Stop()
		delete(s.timers, id)
		s.gen[id]++
	}
}
