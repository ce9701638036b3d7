package stack

import (
	"strconv"
	"time"

	"github.com/corvidtech/iostack/api"
)

type baseState int

const (
	baseClosed baseState = iota
	baseWaitingOpenClear
	baseInLLOpen
	baseInFilterOpen
	baseIOOpenPending
	baseIOOpen
	baseCloseWaitDrain
	baseInFilterClose
	baseInLLClose
	baseInClosedNotify
	baseClosedError
)

func (s baseState) String() string {
	switch s {
	case baseClosed:
		return "closed"
	case baseWaitingOpenClear:
		return "waiting_open_clear"
	case baseInLLOpen:
		return "in_ll_open"
	case baseInFilterOpen:
		return "in_filter_open"
	case baseIOOpenPending:
		return "io_open_pending"
	case baseIOOpen:
		return "io_open"
	case baseCloseWaitDrain:
		return "close_wait_drain"
	case baseInFilterClose:
		return "in_filter_close"
	case baseInLLClose:
		return "in_ll_close"
	case baseInClosedNotify:
		return "in_closed_notify"
	case baseClosedError:
		return "closed_error"
	default:
		return "unknown"
	}
}

// Endpoint is the base endpoint: it couples one LowerLayer with zero or one
// Filter and drives the open/data/close state machine described by the
// stack runtime. It is the concrete api.Endpoint.
type Endpoint struct {
	osf api.OSFuncs
	lk  api.Lock
	log api.Logger

	ll     api.LowerLayer
	filter api.Filter

	userCB                   api.EventCB
	userReadEnabled          bool
	userWriteEnabled         bool
	errDelivered             bool

	state baseState

	openDone      api.OpenDoneFunc
	closeDone     api.CloseDoneFunc
	reopenDone    api.OpenDoneFunc
	reopenNoChild bool

	filterTimer api.Timer

	oob *oobQueue

	closeTimeoutNs    int64
	openTimeoutNs     int64
	handshakeDeadline time.Time

	refcount int
}

// Option customizes an Endpoint at construction.
type Option func(*Endpoint)

// WithFilter attaches a Filter to the endpoint's stack. The same Filter
// value is shared by every Endpoint the Option is applied to, so it is only
// safe for single-use construction (e.g. one Dial call); an accepter
// delivering many connections through the same Option list needs
// WithFilterFactory instead, so each connection gets its own filter state.
func WithFilter(f api.Filter) Option { return func(e *Endpoint) { e.filter = f } }

// WithFilterFactory attaches a fresh Filter, built by new_filter, each time
// the Option runs. Use this (instead of WithFilter) for accepter opts,
// since one Option list is reapplied for every accepted connection.
func WithFilterFactory(newFilter func() api.Filter) Option {
	return func(e *Endpoint) { e.filter = newFilter() }
}

// WithOOBQueue attaches an out-of-band send queue (see oob.go) so external
// callers can inject priority writes ahead of ordinary traffic.
func WithOOBQueue() Option {
	return func(e *Endpoint) { e.oob = newOOBQueue(e.osf) }
}

// New constructs a client-side endpoint: it starts fully closed and
// requires an explicit Open.
func New(osf api.OSFuncs, ll api.LowerLayer, cb api.EventCB, opts ...Option) *Endpoint {
	return newEndpoint(osf, ll, cb, baseClosed, opts...)
}

// NewServer constructs a server-side endpoint from an already-connected
// transport handle (the accepter path): it starts in IO_OPEN_PENDING, so a
// Free before Open still tears down the live lower layer. An Open still
// calls the lower layer's Open, which completes near-instantly since the
// transport is already connected, and then runs the filter handshake.
func NewServer(osf api.OSFuncs, ll api.LowerLayer, cb api.EventCB, opts ...Option) *Endpoint {
	return newEndpoint(osf, ll, cb, baseIOOpenPending, opts...)
}

func newEndpoint(osf api.OSFuncs, ll api.LowerLayer, cb api.EventCB, start baseState, opts ...Option) *Endpoint {
	e := &Endpoint{
		osf:            osf,
		lk:             osf.NewLock(),
		log:            osf.Logger(),
		ll:             ll,
		userCB:         cb,
		state:          start,
		closeTimeoutNs: int64(30e9),
		openTimeoutNs:  int64(30e9),
		refcount:       1,
	}
	for _, o := range opts {
		o(e)
	}
	ll.SetCallback(e.onLLEvent)
	return e
}

func (e *Endpoint) withRef(fn func()) {
	e.lk.Lock()
	e.refcount++
	e.lk.Unlock()

	fn()

	e.lk.Lock()
	e.refcount--
	zero := e.refcount == 0
	e.lk.Unlock()
	if zero {
		e.finalize()
	}
}

// finalize runs once the last reference is released: it frees the lower
// layer and, if one was ever set up, the filter. Close only tears down the
// open transport and lets a filter survive for a possible reopen; finalize
// is the irreversible step, grounded on FDLowerLayer's own refcount (it is
// the thing that finally fires FDDriverOps.Free).
func (e *Endpoint) finalize() {
	e.lk.Lock()
	filter := e.filter
	e.filter = nil
	e.lk.Unlock()

	e.ll.Free()
	if filter != nil {
		filter.Free()
	}
}

// logState emits a Debug-level state-transition record with the peer
// address (best effort) and the new state attached.
func (e *Endpoint) logState(msg string, state baseState) {
	raddr, _ := e.ll.RaddrToStr()
	e.log.WithField("peer", raddr).WithField("state", state.String()).Debug(msg)
}

// Free releases the caller's reference. An endpoint that is still open is
// closed first, with an internal done callback that releases the reference;
// the reference is held until that close finishes, so finalize never runs
// ahead of the close's filter.Cleanup.
func (e *Endpoint) Free() {
	e.lk.Lock()
	state := e.state
	e.lk.Unlock()
	switch state {
	case baseIOOpen, baseInFilterOpen, baseInLLOpen:
		if err := e.Close(func() { e.releaseRef() }); err == nil {
			return
		}
	case baseIOOpenPending:
		e.ll.Disable()
	}
	e.releaseRef()
}

func (e *Endpoint) releaseRef() {
	e.lk.Lock()
	e.refcount--
	zero := e.refcount == 0
	e.lk.Unlock()
	if zero {
		e.finalize()
	}
}

// --- open protocol ---

// Open begins the open handshake. See the baseState constants for the state
// machine this drives.
func (e *Endpoint) Open(done api.OpenDoneFunc) error {
	return e.openInternal(done, false)
}

// OpenNoChild begins the open handshake without opening the lower layer:
// it assumes the lower layer is already connected and drives only the
// filter's handshake, if any. (The accepter path's NewServer+Open still
// calls the lower layer's Open, which completes near-instantly for an
// already-connected transport.) Use it to wrap an already-connected lower layer handed
// in from elsewhere (e.g. a socket accepted outside this package) without
// re-running the lower layer's own open protocol.
func (e *Endpoint) OpenNoChild(done api.OpenDoneFunc) error {
	return e.openInternal(done, true)
}

func (e *Endpoint) openInternal(done api.OpenDoneFunc, noChild bool) error {
	e.lk.Lock()
	switch e.state {
	case baseClosed, baseIOOpenPending:
		e.startOpenLocked(done, noChild)
		return nil
	case baseInLLClose, baseInFilterClose, baseCloseWaitDrain:
		e.state = baseWaitingOpenClear
		e.reopenDone = done
		e.reopenNoChild = noChild
		e.lk.Unlock()
		return nil
	default:
		e.lk.Unlock()
		return api.NewError("endpoint.Open", api.CodeNotReady, nil)
	}
}

// startOpenLocked assumes the lock is held and unlocks before returning.
func (e *Endpoint) startOpenLocked(done api.OpenDoneFunc, noChild bool) {
	e.openDone = done
	filter := e.filter
	e.lk.Unlock()

	if filter != nil {
		e.lk.Lock()
		err := filter.Setup(e)
		e.lk.Unlock()
		if err != nil {
			e.scheduleOpenDone(err)
			return
		}
	}

	if noChild {
		e.proceedAfterLLOpen()
		return
	}

	e.lk.Lock()
	e.state = baseInLLOpen
	e.lk.Unlock()
	e.logState("opening lower layer", baseInLLOpen)

	err := e.ll.Open(e.onLLOpenDone)
	if err != nil {
		e.log.WithError(err).Debug("lower layer open failed")
		e.abortOpen(err, true)
	}
}

func (e *Endpoint) onLLOpenDone(err error) {
	e.withRef(func() {
		e.lk.Lock()
		if e.state != baseInLLOpen {
			e.lk.Unlock()
			return
		}
		e.lk.Unlock()
		if err != nil {
			e.log.WithError(err).Debug("lower layer open failed")
			e.abortOpen(err, true)
			return
		}
		e.proceedAfterLLOpen()
	})
}

// proceedAfterLLOpen runs once the lower layer is known connected, whether
// that was confirmed through onLLOpenDone or assumed by OpenNoChild.
func (e *Endpoint) proceedAfterLLOpen() {
	e.lk.Lock()
	if e.filter == nil {
		e.state = baseIOOpen
		e.lk.Unlock()
		e.logState("open complete", baseIOOpen)
		e.scheduleOpenDone(nil)
		e.recomputeEnables()
		return
	}
	e.state = baseInFilterOpen
	e.handshakeDeadline = time.Now().Add(time.Duration(e.openTimeoutNs))
	e.lk.Unlock()
	e.logState("starting filter handshake", baseInFilterOpen)
	e.runConnectStep()
}

// runConnectStep drives one step of the open handshake: a try_connect call
// paired with whatever data hop it unblocks. Further progress is driven by
// LL events and filter-requested recalcs re-entering this method.
func (e *Endpoint) runConnectStep() {
	e.lk.Lock()
	if e.state != baseInFilterOpen {
		e.lk.Unlock()
		return
	}
	var deadline int64
	res, err := e.filter.TryConnect(&deadline)
	if err != nil {
		e.lk.Unlock()
		e.abortOpen(err, false)
		return
	}
	if res != api.ConnDone && !e.handshakeDeadline.IsZero() && !time.Now().Before(e.handshakeDeadline) {
		e.lk.Unlock()
		e.log.Debug("handshake deadline elapsed")
		e.abortOpen(api.NewError("endpoint.Open", api.CodeTimedOut, nil), false)
		return
	}
	switch res {
	case api.ConnDone:
		if cerr := e.filter.CheckOpenDone(); cerr != nil {
			e.lk.Unlock()
			e.abortOpen(cerr, false)
			return
		}
		e.state = baseIOOpen
		e.lk.Unlock()
		e.logState("open complete", baseIOOpen)
		e.scheduleOpenDone(nil)
		e.recomputeEnables()
		return
	case api.ConnRetryLater:
		e.armFilterTimerLocked(deadline)
	case api.ConnInProgress:
		e.stopFilterTimerLocked()
	}
	e.pumpULReadPendingLocked()
	e.lk.Unlock()
	e.recomputeEnables()
}

// abortOpen tears the endpoint back down after any open-path failure. If
// llAlreadyClosed is false the lower layer is closed first.
func (e *Endpoint) abortOpen(err error, llAlreadyClosed bool) {
	e.log.WithError(err).Debug("aborting open")
	e.lk.Lock()
	filter := e.filter
	e.lk.Unlock()
	if filter != nil {
		e.lk.Lock()
		filter.Cleanup()
		e.lk.Unlock()
	}
	if llAlreadyClosed {
		e.finishAbort(err)
		return
	}
	e.lk.Lock()
	e.state = baseInLLClose
	e.lk.Unlock()
	if cerr := e.ll.Close(func() { e.finishAbort(err) }); cerr != nil {
		e.finishAbort(err)
	}
}

func (e *Endpoint) finishAbort(err error) {
	e.lk.Lock()
	e.state = baseClosed
	od := e.openDone
	e.openDone = nil
	cd := e.closeDone
	e.closeDone = nil
	e.lk.Unlock()

	if od != nil {
		e.osf.RunDeferred(func() { od(err) })
	}
	if cd != nil {
		e.osf.RunDeferred(cd)
	}
}

func (e *Endpoint) scheduleOpenDone(err error) {
	e.lk.Lock()
	od := e.openDone
	e.openDone = nil
	e.lk.Unlock()
	if od != nil {
		e.osf.RunDeferred(func() { od(err) })
	}
}

// --- close protocol ---

// Close begins the close handshake. A close requested while the endpoint
// is still opening cancels the open instead: open_done(CANCELLED) fires,
// followed by close_done.
func (e *Endpoint) Close(done api.CloseDoneFunc) error {
	e.lk.Lock()
	switch e.state {
	case baseClosed, baseClosedError:
		e.lk.Unlock()
		return api.NewError("endpoint.Close", api.CodeNotReady, nil)
	case baseInLLClose, baseInFilterClose, baseCloseWaitDrain, baseWaitingOpenClear, baseInClosedNotify:
		e.lk.Unlock()
		return api.NewError("endpoint.Close", api.CodeInUse, nil)
	case baseInLLOpen, baseInFilterOpen:
		e.closeDone = done
		e.lk.Unlock()
		e.abortOpen(api.NewError("endpoint.Open", api.CodeCancelled, nil), false)
		return nil
	}
	// baseIOOpen or baseIOOpenPending: ordinary close.
	e.closeDone = done
	filter := e.filter
	e.lk.Unlock()

	if filter == nil {
		e.logState("closing", baseInLLClose)
		e.beginLLClose()
		return nil
	}
	e.lk.Lock()
	e.state = baseInFilterClose
	e.lk.Unlock()
	e.logState("closing", baseInFilterClose)
	e.runDisconnectStep()
	return nil
}

func (e *Endpoint) runDisconnectStep() {
	e.lk.Lock()
	if e.state != baseInFilterClose {
		e.lk.Unlock()
		return
	}
	var deadline int64
	res, err := e.filter.TryDisconnect(&deadline)
	if err != nil || res == api.ConnDone {
		e.lk.Unlock()
		e.beginLLClose()
		return
	}
	if res == api.ConnRetryLater {
		e.armFilterTimerLocked(deadline)
	} else {
		e.stopFilterTimerLocked()
	}
	e.lk.Unlock()
	e.recomputeEnables()
}

func (e *Endpoint) beginLLClose() {
	e.lk.Lock()
	e.state = baseInLLClose
	e.lk.Unlock()
	if err := e.ll.Close(e.finishClose); err != nil {
		e.finishClose()
	}
}

func (e *Endpoint) finishClose() {
	e.lk.Lock()
	filter := e.filter
	e.lk.Unlock()
	if filter != nil {
		e.lk.Lock()
		filter.Cleanup()
		e.lk.Unlock()
	}

	e.lk.Lock()
	e.state = baseClosed
	cd := e.closeDone
	e.closeDone = nil
	reopen := e.reopenDone
	e.reopenDone = nil
	reopenNoChild := e.reopenNoChild
	e.reopenNoChild = false
	e.lk.Unlock()
	e.logState("close complete", baseClosed)

	if cd != nil {
		e.osf.RunDeferred(cd)
	}
	if reopen != nil {
		e.lk.Lock()
		e.startOpenLocked(reopen, reopenNoChild)
	}
}

// --- data hop ---

// onLLEvent is the LowerLayer's up-call; it always runs on the event-loop
// thread the watcher's poll was invoked from.
func (e *Endpoint) onLLEvent(ev api.LLEvent, err error, buf []byte, aux []string) int {
	switch ev {
	case api.LLEventRead:
		if err != nil {
			e.handleLLError(err)
			return 0
		}
		n := e.handleLLRead(buf, aux)
		e.recomputeEnables()
		return n
	case api.LLEventWriteReady:
		e.handleLLWriteReady()
		e.recomputeEnables()
	}
	return 0
}

func (e *Endpoint) handleLLError(err error) {
	e.lk.Lock()
	state := e.state
	e.lk.Unlock()
	e.log.WithError(err).WithField("state", state.String()).Debug("lower layer error")
	switch state {
	case baseInLLOpen, baseInFilterOpen:
		e.abortOpen(err, true)
		return
	case baseIOOpen:
		e.lk.Lock()
		already := e.errDelivered
		e.errDelivered = true
		cb := e.userCB
		e.lk.Unlock()
		if already || cb == nil {
			return
		}
		cb(e, api.EventRead, err, nil, nil, nil)
	}
}

func (e *Endpoint) handleLLRead(buf []byte, aux []string) int {
	e.lk.Lock()
	state := e.state
	filter := e.filter
	e.lk.Unlock()

	if filter == nil {
		if state != baseIOOpen {
			return 0
		}
		e.lk.Lock()
		cb := e.userCB
		enabled := e.userReadEnabled
		e.lk.Unlock()
		if cb == nil || !enabled {
			return 0
		}
		return cb(e, api.EventRead, nil, buf, aux, nil)
	}

	e.lk.Lock()
	n, err := filter.LLWrite(buf, aux, e.llWriteEmit)
	e.lk.Unlock()
	if err != nil {
		e.handleLLError(err)
		return n
	}
	if state == baseInFilterOpen {
		e.runConnectStep()
	} else if state == baseInFilterClose {
		e.runDisconnectStep()
	}
	return n
}

// llWriteEmit is the EmitFunc a filter uses to push decoded bytes up to the
// user. A filter calls it synchronously from within LLWrite/ULWrite, which
// the base only ever calls while already holding e.lk (filters keep no
// lock of their own and rely on the base's), so this assumes the lock is
// held on entry and leaves it held again on return. The lock is dropped
// only for the call into user code: a callback that calls back into the
// endpoint would otherwise deadlock on the non-reentrant mutex. A
// reference is held across that gap so a concurrent Free can't finalize
// out from under the in-flight callback.
func (e *Endpoint) llWriteEmit(sg [][]byte, aux []string) (int, error) {
	cb := e.userCB
	enabled := e.userReadEnabled
	if cb == nil || !enabled {
		return 0, nil
	}
	buf := joinSG(sg)
	e.refcount++
	e.lk.Unlock()
	n := cb(e, api.EventRead, nil, buf, aux, nil)
	e.lk.Lock()
	e.refcount--
	if e.refcount == 0 {
		e.lk.Unlock()
		e.finalize()
		e.lk.Lock()
	}
	return n, nil
}

// ulWriteEmit is the EmitFunc a filter uses to push encoded bytes down to
// the lower layer.
func (e *Endpoint) ulWriteEmit(sg [][]byte, aux []string) (int, error) {
	return e.ll.WriteSG(sg, aux)
}

func (e *Endpoint) handleLLWriteReady() {
	e.lk.Lock()
	if e.oob != nil && e.oob.pendingLocked() {
		wrote := e.oob.drainStepLocked(e.ll)
		e.lk.Unlock()
		if wrote {
			return
		}
	} else {
		e.lk.Unlock()
	}

	e.lk.Lock()
	state := e.state
	filter := e.filter
	e.lk.Unlock()

	switch state {
	case baseInFilterOpen:
		e.runConnectStep()
		return
	case baseInFilterClose:
		e.runDisconnectStep()
		return
	case baseIOOpen:
		if filter != nil {
			e.lk.Lock()
			_, _ = filter.ULWrite(nil, nil, e.ulWriteEmit)
			e.pumpULReadPendingLocked()
			e.lk.Unlock()
		}
		e.lk.Lock()
		cb := e.userCB
		enabled := e.userWriteEnabled
		e.lk.Unlock()
		if cb != nil && enabled {
			cb(e, api.EventWriteReady, nil, nil, nil, nil)
		}
	}
}

// pumpULReadPendingLocked lets the filter push already-decoded bytes up to
// the user when it is holding more than it returned last time. Assumes the
// lock is held.
func (e *Endpoint) pumpULReadPendingLocked() {
	if e.filter != nil && e.userReadEnabled && e.filter.ULReadPending() {
		_, _ = e.filter.ULWrite(nil, nil, e.llWriteEmit)
	}
}

// recomputeEnables sets LL read/write enables to the OR of user intent and
// filter needs. Safe to call from any state.
func (e *Endpoint) recomputeEnables() {
	e.lk.Lock()
	wantRead := e.userReadEnabled
	wantWrite := e.userWriteEnabled
	if e.filter != nil {
		if e.filter.LLReadNeeded() {
			wantRead = true
		}
		if e.filter.LLWritePending() {
			wantWrite = true
		}
	}
	if e.oob != nil && e.oob.pendingLocked() {
		wantWrite = true
	}
	if e.state == baseInFilterOpen || e.state == baseInFilterClose {
		wantRead = true
	}
	e.lk.Unlock()

	e.ll.SetReadCallbackEnable(wantRead)
	e.ll.SetWriteCallbackEnable(wantWrite)
}

// --- filter callback (api.FilterCallback) ---

// RequestRecalc asks the base to re-run a data hop and enable recomputation.
// Always dispatched through the deferred runner so a filter can never
// reenter the base synchronously.
func (e *Endpoint) RequestRecalc() {
	e.osf.RunDeferred(func() {
		e.lk.Lock()
		state := e.state
		e.lk.Unlock()
		switch state {
		case baseInFilterOpen:
			e.runConnectStep()
		case baseInFilterClose:
			e.runDisconnectStep()
		case baseIOOpen:
			e.lk.Lock()
			e.pumpULReadPendingLocked()
			e.lk.Unlock()
			e.recomputeEnables()
		}
	})
}

func (e *Endpoint) SetTimer(d int64) {
	e.lk.Lock()
	e.armFilterTimerLocked(d)
	e.lk.Unlock()
}

func (e *Endpoint) StopTimer() {
	e.lk.Lock()
	e.stopFilterTimerLocked()
	e.lk.Unlock()
}

// NewChannel delivers a channel the filter allocated on its own initiative
// (the remote peer opened it) to the user callback. Dispatched via the
// deferred runner for the same non-reentrancy reason as RequestRecalc.
func (e *Endpoint) NewChannel(child api.Endpoint) {
	e.osf.RunDeferred(func() {
		e.lk.Lock()
		cb := e.userCB
		e.lk.Unlock()
		if cb != nil {
			cb(e, api.EventNewChannel, nil, nil, nil, child)
		}
	})
}

func (e *Endpoint) armFilterTimerLocked(deadline int64) {
	if e.filterTimer == nil {
		e.filterTimer = e.osf.NewTimer(e.onFilterTimer)
	}
	_ = e.filterTimer.Start(deadline)
}

func (e *Endpoint) stopFilterTimerLocked() {
	if e.filterTimer != nil {
		_ = e.filterTimer.Stop(nil)
	}
}

func (e *Endpoint) onFilterTimer() {
	e.lk.Lock()
	filter := e.filter
	state := e.state
	e.lk.Unlock()
	if filter == nil {
		return
	}
	e.lk.Lock()
	filter.Timeout()
	e.lk.Unlock()
	switch state {
	case baseInFilterOpen:
		e.runConnectStep()
	case baseInFilterClose:
		e.runDisconnectStep()
	default:
		e.recomputeEnables()
	}
}

// --- api.Endpoint ---

func (e *Endpoint) Write(sg [][]byte, aux []string) (int, error) {
	e.lk.Lock()
	if e.state != baseIOOpen {
		e.lk.Unlock()
		return 0, api.NewError("endpoint.Write", api.CodeNotReady, nil)
	}
	filter := e.filter
	e.lk.Unlock()

	if filter == nil {
		return e.ll.WriteSG(sg, aux)
	}
	e.lk.Lock()
	n, err := filter.ULWrite(sg, aux, e.ulWriteEmit)
	e.lk.Unlock()
	e.recomputeEnables()
	return n, err
}

func (e *Endpoint) SetReadCallbackEnable(enable bool) {
	e.lk.Lock()
	e.userReadEnabled = enable
	e.lk.Unlock()
	e.recomputeEnables()
}

func (e *Endpoint) SetWriteCallbackEnable(enable bool) {
	e.lk.Lock()
	e.userWriteEnabled = enable
	e.lk.Unlock()
	e.recomputeEnables()
}

func (e *Endpoint) Control(depth int, get bool, option int, buf *[]byte) error {
	if depth == 0 {
		switch option {
		case api.ControlOptRaddr:
			if !get {
				return api.NewError("endpoint.Control", api.CodeNotSup, nil)
			}
			s, err := e.ll.RaddrToStr()
			if err != nil {
				return err
			}
			*buf = []byte(s)
			return nil
		case api.ControlOptCloseTimeout:
			e.lk.Lock()
			defer e.lk.Unlock()
			if get {
				*buf = []byte(strconv.FormatInt(e.closeTimeoutNs, 10))
				return nil
			}
			v, err := strconv.ParseInt(string(*buf), 10, 64)
			if err != nil {
				return api.NewError("endpoint.Control", api.CodeInval, err)
			}
			e.closeTimeoutNs = v
			return nil
		case api.ControlOptOpenTimeout:
			e.lk.Lock()
			defer e.lk.Unlock()
			if get {
				*buf = []byte(strconv.FormatInt(e.openTimeoutNs, 10))
				return nil
			}
			v, err := strconv.ParseInt(string(*buf), 10, 64)
			if err != nil {
				return api.NewError("endpoint.Control", api.CodeInval, err)
			}
			e.openTimeoutNs = v
			return nil
		}
		return api.NewError("endpoint.Control", api.CodeNotSup, nil)
	}

	e.lk.Lock()
	filter := e.filter
	e.lk.Unlock()
	if filter != nil && depth == 1 {
		return filter.Control(get, option, buf)
	}
	return e.ll.Control(get, option, buf)
}

func (e *Endpoint) AllocChannel(args map[string]string, cb api.EventCB) (api.Endpoint, error) {
	e.lk.Lock()
	filter := e.filter
	e.lk.Unlock()
	if filter == nil {
		return nil, api.NewError("endpoint.AllocChannel", api.CodeNotSup, nil)
	}
	e.lk.Lock()
	ep, err := filter.OpenChannel(args, cb)
	e.lk.Unlock()
	return ep, err
}

// SetEventCB installs the user-facing callback. Used directly by callers
// that build an endpoint with a nil callback in order to install one later
// (the filter-as-LL bridge does this to register itself as its child's
// event handler).
func (e *Endpoint) SetEventCB(cb api.EventCB) {
	e.lk.Lock()
	e.userCB = cb
	e.lk.Unlock()
}

// Disable immediately and unconditionally tears the endpoint down without
// a graceful close, and without a done callback.
func (e *Endpoint) Disable() {
	e.lk.Lock()
	if e.state == baseClosed || e.state == baseClosedError {
		e.lk.Unlock()
		return
	}
	filter := e.filter
	e.state = baseClosed
	e.lk.Unlock()

	e.ll.Disable()
	if filter != nil {
		e.lk.Lock()
		filter.Cleanup()
		e.lk.Unlock()
	}
}

func (e *Endpoint) GetRaddr() ([]byte, error) { return e.ll.GetRaddr() }
func (e *Endpoint) RemoteID() (int, error)    { return e.ll.RemoteID() }

// SendOOB enqueues data for priority delivery ahead of ordinary writes. It
// requires the endpoint to have been built with WithOOBQueue.
func (e *Endpoint) SendOOB(data []byte, done func()) error {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.oob == nil {
		return api.NewError("endpoint.SendOOB", api.CodeNotSup, nil)
	}
	e.oob.Send(data, done)
	return nil
}

func joinSG(sg [][]byte) []byte {
	if len(sg) == 1 {
		return sg[0]
	}
	total := 0
	for _, b := range sg {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range sg {
		out = append(out, b...)
	}
	return out
}
