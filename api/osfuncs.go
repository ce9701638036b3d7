package api

import logpkg "github.com/lthibault/log/pkg"

// Logger is the structured logger the core and its collaborators use for
// diagnostic output. It is an alias for lthibault/log's Logger so that
// fields/errors can be attached without an adapter shim.
type Logger = logpkg.Logger

// Lock is a mutual-exclusion lock. Endpoint and lower-layer state is
// protected by one of these; the event-loop thread and any other caller
// thread contend on it briefly, never across a blocking I/O call.
type Lock interface {
	Lock()
	Unlock()
}

// TimerDoneFunc reports, when a timer is stopped, whether it was already in
// the middle of firing when the stop was requested.
type TimerDoneFunc func(wasFiring bool)

// Timer is a one-shot timer with a stop-with-done variant. Starting an
// already-running timer reschedules it.
type Timer interface {
	// Start arms (or rearms) the timer to fire after d elapses.
	Start(d int64) error
	// Stop cancels the timer. done is invoked (possibly asynchronously, via
	// the deferred runner) reporting whether the timer's callback was
	// already executing when Stop was called.
	Stop(done TimerDoneFunc) error
}

// FDEvent is the set of readiness conditions the watcher reports.
type FDEvent int

const (
	FDRead FDEvent = 1 << iota
	FDWrite
	FDExcept
)

// FDCallback is invoked by the watcher when fd becomes ready for ev.
type FDCallback func(fd uintptr, ev FDEvent)

// FDClearedFunc is invoked exactly once per fd after ClearFDHandlers and
// after every in-flight up-call for that fd has unwound.
type FDClearedFunc func(fd uintptr)

// OSFuncs is the set of primitives the stack runtime requires from its
// hosting event loop: locks, FD watching with synchronous clearance
// confirmation, one-shot timers, a deferred runner, and a logger.
type OSFuncs interface {
	// NewLock allocates a new Lock.
	NewLock() Lock

	// SetFDHandlers registers fd with the watcher. cb fires on readiness;
	// read/write/except interest starts disabled. Registering an
	// already-registered fd is an error.
	SetFDHandlers(fd uintptr, cb FDCallback) error

	// SetReadEnable/SetWriteEnable/SetExceptEnable toggle interest in the
	// corresponding event for a registered fd.
	SetReadEnable(fd uintptr, enable bool) error
	SetWriteEnable(fd uintptr, enable bool) error
	SetExceptEnable(fd uintptr, enable bool) error

	// ClearFDHandlers unregisters fd. cleared fires exactly once, via the
	// deferred runner, once no further up-call for fd can occur.
	ClearFDHandlers(fd uintptr, cleared FDClearedFunc)

	// NewTimer allocates a Timer whose callback is cb, invoked on the
	// event-loop thread (via the deferred runner) when it fires.
	NewTimer(cb func()) Timer

	// RunDeferred schedules fn to run on the event-loop thread. If called
	// from that thread already, fn still runs after the current callback
	// unwinds, never reentrantly.
	RunDeferred(fn func())

	// Logger returns the structured logger for this OSFuncs instance.
	Logger() Logger
}
