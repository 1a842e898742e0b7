package timeutil

import (
	"slices"
	"sync"
	"time"
)

// ManualScheduler is a [Scheduler] with a simulated clock.
// Time moves only when [ManualScheduler.Advance] is called, which runs every due callback
// synchronously in deadline order. Callbacks scheduled while advancing are honoured
// if they fall within the advanced interval.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	sched    *ManualScheduler
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

func (t *manualTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.sched.timers = slices.DeleteFunc(t.sched.timers, func(o *manualTimer) bool { return o == t })
	return true
}

// NewManualScheduler creates a scheduler whose clock starts at start.
// Zero start is replaced with a fixed reference time.
func NewManualScheduler(start time.Time) *ManualScheduler {
	if start.IsZero() {
		start = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d < 0 {
		d = 0
	}
	s.seq++
	t := &manualTimer{sched: s, deadline: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d and runs due callbacks.
// Advance(0) runs callbacks scheduled with zero delay.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		t := s.nextDue(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		t.done = true
		s.timers = slices.DeleteFunc(s.timers, func(o *manualTimer) bool { return o == t })
		if t.deadline.After(s.now) {
			s.now = t.deadline
		}
		s.mu.Unlock()

		t.fn()
	}
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range s.timers {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// Pending returns the number of scheduled callbacks that have not run or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Elapsed returns the simulated time passed since start.
func (s *ManualScheduler) Elapsed(start time.Time) time.Duration {
	return s.Now().Sub(start)
}
