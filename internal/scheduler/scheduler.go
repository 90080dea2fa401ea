// Package scheduler arms the single wake event that ends the current phase.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pomosync/internal/timer"
)

// WakeFunc is invoked when the armed phase end is reached.
type WakeFunc func(ctx context.Context)

// Scheduler holds at most one pending wake event. Arming a new one retires
// the previous one; a retired timer that still fires is ignored.
type Scheduler struct {
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	onWake  WakeFunc
	timer   clockwork.Timer
	gen     uint64
	next    time.Time
	stopped bool
}

func New(clock clockwork.Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clock, log: log}
}

// SetWakeHandler registers the phase-end callback.
func (s *Scheduler) SetWakeHandler(fn WakeFunc) {
	s.mu.Lock()
	s.onWake = fn
	s.mu.Unlock()
}

// Schedule arms the wake event at the state's end time. A nil or paused
// state cancels any pending event instead.
func (s *Scheduler) Schedule(st *timer.State) {
	if st == nil || st.IsPaused {
		s.Cancel()
		return
	}
	end := st.EndTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.retireLocked()

	gen := s.gen
	delay := end.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.next = end
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.log.Debug("wake scheduled", "phase", st.Phase, "at", end, "in", delay)
}

// Cancel retires the pending wake event, if any. Safe to call at any time.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.log.Debug("wake cancelled", "at", s.next)
	}
	s.retireLocked()
}

// Next reports the armed end time.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.timer != nil
}

// Stop cancels the pending event and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireLocked()
	s.stopped = true
}

func (s *Scheduler) retireLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.next = time.Time{}
	fn := s.onWake
	s.mu.Unlock()

	if fn != nil {
		fn(context.Background())
	}
}
