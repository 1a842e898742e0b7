package timeutil

import "time"

// Bag holds the named timers of one owner.
// It is not safe for concurrent use; the owner accesses it from its own thread of control.
type Bag struct {
	sched  Scheduler
	gen    uint64
	timers map[string]bagEntry
}

type bagEntry struct {
	tmr Timer
	gen uint64
}

// NewBag creates an empty bag backed by the scheduler.
func NewBag(sched Scheduler) *Bag {
	return &Bag{sched: sched, timers: make(map[string]bagEntry)}
}

// Start schedules fn under name after d, replacing a running timer with the same name.
func (b *Bag) Start(name string, d time.Duration, fn func()) {
	b.Stop(name)

	b.gen++
	gen := b.gen
	tmr := b.sched.AfterFunc(d, func() {
		if e, ok := b.timers[name]; !ok || e.gen != gen {
			return
		}
		delete(b.timers, name)
		fn()
	})
	b.timers[name] = bagEntry{tmr, gen}
}

// Stop cancels the named timer and reports whether it was running.
func (b *Bag) Stop(name string) bool {
	e, ok := b.timers[name]
	if !ok {
		return false
	}
	delete(b.timers, name)
	return e.tmr.Stop()
}

// StopAll cancels every running timer and returns their names.
func (b *Bag) StopAll() []string {
	if len(b.timers) == 0 {
		return nil
	}
	names := make([]string, 0, len(b.timers))
	for name := range b.timers {
		if b.Stop(name) {
			names = append(names, name)
		}
	}
	return names
}

// Running reports whether the named timer is scheduled.
func (b *Bag) Running(name string) bool {
	_, ok := b.timers[name]
	return ok
}

// Now returns the time of the underlying scheduler.
func (b *Bag) Now() time.Time { return b.sched.Now() }
