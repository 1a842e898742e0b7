package timeutil

import (
	"sync/atomic"
	"time"
)

// Timer is a handle of a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running.
	// It returns false if the callback has already run or the timer was stopped before.
	Stop() bool
}

// Scheduler schedules delayed callbacks.
type Scheduler interface {
	// Now returns the current time of the scheduler clock.
	Now() time.Time
	// AfterFunc schedules fn to run once after d elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type realTimer struct {
	tmr   *time.Timer
	state atomic.Int32
}

func (t *realTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	t.tmr.Stop()
	return true
}

type realScheduler struct {
	post func(func())
}

// NewScheduler returns a wall clock scheduler.
// Expired callbacks are passed to post, which is expected to run them on the owner's
// thread of control. Nil post runs callbacks on the timer goroutine.
func NewScheduler(post func(func())) Scheduler {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &realScheduler{post: post}
}

func (*realScheduler) Now() time.Time { return time.Now() }

func (s *realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := new(realTimer)
	t.tmr = time.AfterFunc(d, func() {
		s.post(func() {
			// stopped while the callback was queued
			if !t.state.CompareAndSwap(timerPending, timerFired) {
				return
			}
			fn()
		})
	})
	return t
}
