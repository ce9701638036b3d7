// Package deferred implements the event-loop thread and its deferred-call
// queue: the primitive that lets callbacks originating under a lock (close
// notifications, buffered read re-delivery, timer firings) run later,
// sequentially, without reentering the caller.
package deferred

import "sync"

// IdleFunc is invoked by the runner's goroutine whenever its work queue is
// empty. It should block for up to timeoutMs milliseconds (or return early
// once it has done something), typically by polling an FD watcher. Any FD
// callbacks it dispatches run directly on the runner's goroutine, which is
// exactly "the event loop thread" the stack runtime requires. A nil
// IdleFunc makes the runner a pure deferred-call queue (used by components,
// such as a standalone Timer, that do not also own FD watching).
type IdleFunc func(timeoutMs int)

// Runner owns a single goroutine that is "the event loop thread" for the
// purposes of the stack runtime's concurrency model: every callback
// scheduled through Run executes there, one at a time, in submission order,
// interleaved with IdleFunc when there is nothing queued.
type Runner struct {
	mu            sync.Mutex
	pending       []func()
	wake          chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
	idle          IdleFunc
	idleTimeoutMs int
}

// NewRunner starts the runner's goroutine. idle may be nil. idleTimeoutMs is
// the timeoutMs passed to idle on each call when the pending queue is empty;
// values <= 0 fall back to 20ms.
func NewRunner(idle IdleFunc, idleTimeoutMs int) *Runner {
	if idleTimeoutMs <= 0 {
		idleTimeoutMs = 20
	}
	r := &Runner{
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		idle:          idle,
		idleTimeoutMs: idleTimeoutMs,
	}
	go r.loop()
	return r
}

// Run schedules fn to execute on the runner's goroutine. Safe to call from
// any goroutine, including the runner's own.
func (r *Runner) Run(fn func()) {
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) takePending() []func() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	return batch
}

func (r *Runner) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			for _, fn := range r.takePending() {
				fn()
			}
			return
		default:
		}

		batch := r.takePending()
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		if r.idle != nil {
			r.idle(r.idleTimeoutMs)
			continue
		}

		select {
		case <-r.wake:
		case <-r.stopCh:
		}
	}
}

// Stop halts the runner after draining any work queued up to this point. It
// blocks until the goroutine has exited.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
