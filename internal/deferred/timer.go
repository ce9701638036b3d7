package deferred

import (
	"sync"
	"time"

	"github.com/corvidtech/iostack/api"
)

// Timer is a one-shot timer whose firing and stop-notification both run on
// the owning Runner's goroutine, with the stop-with-done semantics required
// by api.Timer: a caller that stops a timer learns whether it was already
// in the middle of firing.
type Timer struct {
	runner *Runner
	cb     func()

	mu     sync.Mutex
	t      *time.Timer
	firing bool
}

// NewTimer builds a Timer that invokes cb (via runner) when it fires.
func NewTimer(runner *Runner, cb func()) *Timer {
	return &Timer{runner: runner, cb: cb}
}

// Start arms the timer to fire after d nanoseconds, replacing any pending
// fire.
func (t *Timer) Start(d int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.firing = false
	if d < 0 {
		d = 0
	}
	t.t = time.AfterFunc(time.Duration(d), t.fire)
	return nil
}

func (t *Timer) fire() {
	t.mu.Lock()
	t.firing = true
	t.mu.Unlock()

	t.runner.Run(func() {
		t.mu.Lock()
		stillFiring := t.firing
		t.firing = false
		t.mu.Unlock()
		if stillFiring {
			t.cb()
		}
	})
}

// Stop cancels the timer. done is invoked, via the runner, reporting
// whether the timer's fire sequence had already begun.
func (t *Timer) Stop(done api.TimerDoneFunc) error {
	t.mu.Lock()
	var wasFiring bool
	if t.t != nil {
		stopped := t.t.Stop()
		wasFiring = !stopped || t.firing
	}
	t.mu.Unlock()

	if done != nil {
		t.runner.Run(func() { done(wasFiring) })
	}
	return nil
}
