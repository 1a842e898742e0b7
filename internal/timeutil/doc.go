// Package timeutil provides the timer service capability used by the SIP state machines.
//
// A [Scheduler] schedules callbacks and hands back cancellable [Timer] handles.
// [NewScheduler] is backed by [time.AfterFunc] and posts every expired callback through
// a caller supplied function (usually an executor), so callbacks run on the same logical
// thread as the state machine that owns them. [ManualScheduler] keeps a simulated clock
// that only moves when the test calls [ManualScheduler.Advance].
//
// A [Bag] groups named timers of one owner so they can be restarted by name and cancelled
// all at once when the owner is disposed:
//
//	tmrs := timeutil.NewBag(sched)
//	tmrs.Start("B", 32*time.Second, onTimerB)
//	// ...
//	tmrs.StopAll()
package timeutil
