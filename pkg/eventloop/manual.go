package eventloop

import (
	"sync"
	"time"
)

// ManualScheduler is a Scheduler whose clock only moves when Advance is
// called. Timer callbacks run synchronously inside Advance, on the caller's
// goroutine, which makes it a stand-in for a Loop in single-goroutine tests.
type ManualScheduler struct {
	now    time.Time
	timers []*manualTimer
	seq    uint64

	mu sync.Mutex
}

// NewManualScheduler creates a scheduler starting at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now implements Scheduler.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc implements Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{
		sched: s,
		at:    s.now.Add(d),
		seq:   s.seq,
		f:     f,
	}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due
// in deadline order. Timers scheduled by callbacks fire too if they fall
// within the window. Returns the number of callbacks run.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	fired := 0
	for {
		s.mu.Lock()
		next := s.nextLocked()
		if next == nil || next.at.After(target) {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		s.removeLocked(next)
		if next.at.After(s.now) {
			s.now = next.at
		}
		f := next.f
		s.mu.Unlock()

		f()
		fired++
	}
}

// Pending returns the number of scheduled timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDelay returns the time until the earliest timer fires.
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nextLocked()
	if next == nil {
		return 0, false
	}
	return next.at.Sub(s.now), true
}

func (s *ManualScheduler) nextLocked() *manualTimer {
	var next *manualTimer
	for _, t := range s.timers {
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (s *ManualScheduler) removeLocked(t *manualTimer) bool {
	for i, candidate := range s.timers {
		if candidate == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	sched *ManualScheduler
	at    time.Time
	seq   uint64
	f     func()
}

func (t *manualTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.sched.removeLocked(t)
}
