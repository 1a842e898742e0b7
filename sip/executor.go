package sip

import "sync"

// Executor runs functions on the single logical thread of control of a [UserAgentCore].
// Every registry mutation, state transition and timer callback of one core goes through it.
type Executor interface {
	Execute(fn func())
}

// InlineExecutor runs functions immediately on the calling goroutine.
// It suits callers that already serialize access, such as tests driven by a manual scheduler.
type InlineExecutor struct{}

func (InlineExecutor) Execute(fn func()) { fn() }

// SerialExecutor runs functions one by one in FIFO order on a dedicated goroutine.
type SerialExecutor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}
}

// NewSerialExecutor creates and starts a serial executor.
// Call [SerialExecutor.Close] to stop its goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Execute queues fn. Functions queued after Close are dropped.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops the executor and waits for the running function to return.
// Queued functions that have not started are dropped.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.exit
		return
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()

	close(e.done)
	<-e.exit
}

func (e *SerialExecutor) loop() {
	defer close(e.exit)
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			fn()
		}
	}
}
