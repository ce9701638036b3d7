// Package stack implements the stack runtime: the Base Endpoint, the FD
// Lower Layer, the Filter-as-LL bridge, the out-of-band send queue, and the
// accepter-side server construction helper. Everything here is generic
// across transports and protocols; concrete filters and lower layers live
// under filters/ and transports/.
package stack

import (
	"github.com/corvidtech/iostack/api"
)

// CloseState is the phase of a graceful-close poll a driver is notified of.
type CloseState int

const (
	// CloseStart is delivered once, synchronously, when the close begins.
	CloseStart CloseState = iota
	// ClosePoll is delivered on each retry until the driver reports done.
	ClosePoll
)

// FDDriverOps is the set of transport-specific hooks the FD Lower Layer
// defers to. Every field is optional except Write and CloseFD; a nil hook
// falls back to the generic behavior documented on it. Grounded on the
// original fd_ll's gensio_fd_ll_ops.
type FDDriverOps struct {
	// Write performs the OS write. Required.
	Write func(fd uintptr, sg [][]byte, aux []string) (int, error)
	// Read performs the OS read into buf, returning any aux tags to
	// attach to the delivered data. Used unless ReadReady is set.
	Read func(fd uintptr, buf []byte) (n int, aux []string, err error)
	// CloseFD releases the OS handle. Required.
	CloseFD func(fd uintptr) error

	// ReadReady, if set, is called directly on read-ready instead of the
	// generic buffered Read path. Used by drivers with their own read
	// semantics (e.g. accept() on a listening socket).
	ReadReady func(fd uintptr)
	// WriteReady, if set, is called directly on write-ready (while OPEN)
	// instead of the generic WRITE_READY up-call.
	WriteReady func(fd uintptr)

	// CheckOpen tests whether an in-progress connect has completed. A nil
	// hook means the fd is considered open as soon as it is writable.
	CheckOpen func(fd uintptr) error
	// RetryOpen, if set, is called when CheckOpen fails to obtain a
	// replacement fd (e.g. the next resolved address). Returning
	// api.CodeInProgress keeps the open in progress with the new fd; any
	// other error (including nil) finishes the open.
	RetryOpen func() (newFD uintptr, err error)

	// CheckClose implements the graceful-close poll. done reports whether
	// the close has fully drained; retryAfterNs is consulted only when
	// done is false.
	CheckClose func(state CloseState) (done bool, retryAfterNs int64, err error)

	RaddrToStr func() (string, error)
	GetRaddr   func() ([]byte, error)
	RemoteID   func() (int, error)
	Control    func(get bool, option int, buf *[]byte) error

	// Free releases any driver-owned resources once the LL is fully torn
	// down.
	Free func()
}

type fdState int

const (
	fdClosed fdState = iota
	fdInOpen
	fdOpen
	fdInClose
)

func (s fdState) String() string {
	switch s {
	case fdClosed:
		return "closed"
	case fdInOpen:
		return "in_open"
	case fdOpen:
		return "open"
	case fdInClose:
		return "in_close"
	default:
		return "unknown"
	}
}

// FDLowerLayer is the concrete api.LowerLayer for any OS handle: buffered
// reads, deferred re-delivery on partial consumption, write-ready driven
// connect completion, and graceful close with an optional poll-to-done.
type FDLowerLayer struct {
	osf api.OSFuncs
	lk  api.Lock
	log api.Logger
	ops *FDDriverOps

	fd           uintptr
	preConnected bool
	writeOnly    bool

	state fdState
	cb    api.LLCallback

	readEnabled, writeEnabled bool

	openDone api.LLOpenDone

	closeDone  api.LLCloseDone
	closeTimer api.Timer

	readBuf     *api.Buffer
	pendingAux  []string
	inRead      bool
	deferredOp  bool

	refcount int
}

// NewFDLowerLayer constructs an FD Lower Layer over fd. readBufSize may be
// 0 for a write-only lower layer, which never arms reads. If preConnected
// is true the fd is treated as already connected (the accepter/server
// path); otherwise Open waits for write-ready to signal connect
// completion.
func NewFDLowerLayer(osf api.OSFuncs, fd uintptr, readBufSize int, preConnected bool, ops *FDDriverOps) *FDLowerLayer {
	f := &FDLowerLayer{
		osf:          osf,
		lk:           osf.NewLock(),
		log:          osf.Logger(),
		ops:          ops,
		fd:           fd,
		preConnected: preConnected,
		writeOnly:    readBufSize == 0,
		refcount:     1,
	}
	if readBufSize > 0 {
		f.readBuf = api.NewBuffer(readBufSize)
	}
	return f
}

func (f *FDLowerLayer) SetCallback(cb api.LLCallback) {
	f.lk.Lock()
	f.cb = cb
	f.lk.Unlock()
}

// withRef runs fn with an extra reference held, matching the discipline
// that the refcount decrements under the lock but only finalizes outside
// any lock.
func (f *FDLowerLayer) withRef(fn func()) {
	f.lk.Lock()
	f.refcount++
	f.lk.Unlock()

	fn()

	f.lk.Lock()
	f.refcount--
	zero := f.refcount == 0
	f.lk.Unlock()
	if zero {
		f.finalize()
	}
}

func (f *FDLowerLayer) finalize() {
	if f.ops.Free != nil {
		f.ops.Free()
	}
}

// logState emits a Debug-level state-transition record with the fd and new
// state attached.
func (f *FDLowerLayer) logState(msg string, state fdState) {
	f.log.WithField("fd", f.fd).WithField("state", state.String()).Debug(msg)
}

// Open begins (or, for a pre-connected handle, finishes synchronously)
// opening the transport.
func (f *FDLowerLayer) Open(done api.LLOpenDone) error {
	f.lk.Lock()
	if f.state != fdClosed {
		f.lk.Unlock()
		return api.NewError("fdll.Open", api.CodeNotReady, nil)
	}
	f.openDone = done
	if err := f.osf.SetFDHandlers(f.fd, f.onFDReady); err != nil {
		f.lk.Unlock()
		return err
	}
	if f.preConnected {
		f.state = fdOpen
		f.reconcileEnablesLocked()
		f.lk.Unlock()
		f.logState("open complete (pre-connected)", fdOpen)
		f.osf.RunDeferred(func() { f.callOpenDone(nil) })
		return nil
	}
	f.state = fdInOpen
	f.lk.Unlock()
	f.logState("connecting", fdInOpen)
	_ = f.osf.SetWriteEnable(f.fd, true)
	_ = f.osf.SetExceptEnable(f.fd, true)
	return nil
}

func (f *FDLowerLayer) callOpenDone(err error) {
	f.lk.Lock()
	done := f.openDone
	f.openDone = nil
	f.lk.Unlock()
	if done != nil {
		done(err)
	}
}

// onFDReady is the watcher callback; it always runs on the event-loop
// thread the watcher's Poll was invoked from.
func (f *FDLowerLayer) onFDReady(fd uintptr, ev api.FDEvent) {
	f.withRef(func() {
		f.lk.Lock()
		state := f.state
		f.lk.Unlock()

		if ev&(api.FDWrite|api.FDExcept) != 0 && state == fdInOpen {
			f.handleConnectReady()
			return
		}
		if ev&api.FDWrite != 0 && state == fdOpen {
			f.handleWriteReady()
		}
		if ev&api.FDRead != 0 && state == fdOpen {
			f.handleReadReady()
		}
	})
}

func (f *FDLowerLayer) handleConnectReady() {
	_ = f.osf.SetWriteEnable(f.fd, false)
	_ = f.osf.SetExceptEnable(f.fd, false)

	var err error
	if f.ops.CheckOpen != nil {
		err = f.ops.CheckOpen(f.fd)
	}
	if err == nil {
		f.finishOpenSuccess()
		return
	}
	if f.ops.RetryOpen == nil {
		f.log.WithError(err).WithField("fd", f.fd).Debug("connect check failed, no retry hook")
		_ = f.ops.CloseFD(f.fd)
		f.finishOpenFailure(err)
		return
	}

	f.log.WithError(err).WithField("fd", f.fd).Debug("connect check failed, retrying open")
	oldFD := f.fd
	f.osf.ClearFDHandlers(oldFD, nil)
	_ = f.ops.CloseFD(oldFD)

	newFD, rerr := f.ops.RetryOpen()
	if api.Is(rerr, api.CodeInProgress) {
		f.lk.Lock()
		f.fd = newFD
		f.lk.Unlock()
		f.log.WithField("fd", newFD).Debug("open retry in progress with new fd")
		if regErr := f.osf.SetFDHandlers(newFD, f.onFDReady); regErr == nil {
			_ = f.osf.SetWriteEnable(newFD, true)
			_ = f.osf.SetExceptEnable(newFD, true)
		}
		return
	}
	f.lk.Lock()
	f.fd = newFD
	f.lk.Unlock()
	if rerr != nil {
		f.finishOpenFailure(rerr)
		return
	}
	f.finishOpenSuccess()
}

// finishOpenFailure assumes the fd has already been closed by the caller.
func (f *FDLowerLayer) finishOpenFailure(err error) {
	f.lk.Lock()
	f.state = fdClosed
	f.lk.Unlock()
	f.log.WithError(err).WithField("fd", f.fd).WithField("state", fdClosed.String()).Debug("open failed")
	f.osf.RunDeferred(func() { f.callOpenDone(err) })
}

func (f *FDLowerLayer) finishOpenSuccess() {
	f.lk.Lock()
	f.state = fdOpen
	f.reconcileEnablesLocked()
	f.lk.Unlock()
	f.logState("open complete", fdOpen)
	f.osf.RunDeferred(func() { f.callOpenDone(nil) })
}

func (f *FDLowerLayer) reconcileEnablesLocked() {
	_ = f.osf.SetReadEnable(f.fd, f.readEnabled && f.readBuf != nil)
	_ = f.osf.SetExceptEnable(f.fd, f.readEnabled && f.readBuf != nil)
	_ = f.osf.SetWriteEnable(f.fd, f.writeEnabled)
}

func (f *FDLowerLayer) handleWriteReady() {
	if f.ops.WriteReady != nil {
		f.ops.WriteReady(f.fd)
		return
	}
	_ = f.osf.SetWriteEnable(f.fd, false)
	f.lk.Lock()
	cb := f.cb
	we := f.writeEnabled
	f.lk.Unlock()
	if cb != nil {
		cb(api.LLEventWriteReady, nil, nil, nil)
	}
	if we {
		_ = f.osf.SetWriteEnable(f.fd, true)
	}
}

func (f *FDLowerLayer) handleReadReady() {
	f.lk.Lock()
	if f.inRead {
		f.lk.Unlock()
		return
	}
	f.inRead = true
	f.lk.Unlock()

	_ = f.osf.SetReadEnable(f.fd, false)
	_ = f.osf.SetExceptEnable(f.fd, false)

	if f.ops.ReadReady != nil {
		f.ops.ReadReady(f.fd)
		f.lk.Lock()
		f.inRead = false
		open := f.state == fdOpen && f.readEnabled
		f.lk.Unlock()
		if open {
			_ = f.osf.SetReadEnable(f.fd, true)
			_ = f.osf.SetExceptEnable(f.fd, true)
		}
		return
	}

	var readErr error
	f.lk.Lock()
	needRead := f.readBuf.Len == 0
	f.lk.Unlock()
	if needRead {
		n, aux, err := f.ops.Read(f.fd, f.readBuf.Data)
		if err != nil {
			readErr = err
		} else {
			f.lk.Lock()
			f.readBuf.Fill(n)
			f.pendingAux = aux
			f.lk.Unlock()
		}
	}

	f.deliverReadData(readErr)

	f.lk.Lock()
	f.inRead = false
	open := f.state == fdOpen && f.readEnabled
	f.lk.Unlock()
	if open {
		_ = f.osf.SetReadEnable(f.fd, true)
		_ = f.osf.SetExceptEnable(f.fd, true)
	}
}

// deliverReadData offers the buffered bytes to the callback once. Whatever
// is not consumed stays buffered: with read still enabled it is re-offered
// through the deferred runner rather than looped synchronously, so delivery
// never becomes a busy loop (see SPEC_FULL.md §4); with read disabled it
// waits for the next read-enable, which schedules the re-offer.
func (f *FDLowerLayer) deliverReadData(err error) {
	f.lk.Lock()
	if err == nil && f.readBuf.Len == 0 {
		f.lk.Unlock()
		return
	}
	cb := f.cb
	buf := f.readBuf.Unread()
	aux := f.pendingAux
	f.lk.Unlock()

	if err != nil {
		f.log.WithError(err).WithField("fd", f.fd).Debug("read failed")
	}
	n := 0
	if cb != nil {
		n = cb(api.LLEventRead, err, buf, aux)
	}

	f.lk.Lock()
	if err != nil || n >= f.readBuf.Len {
		f.readBuf.Reset()
		f.pendingAux = nil
		f.lk.Unlock()
		return
	}
	f.readBuf.Consume(n)
	reoffer := f.readEnabled && !f.deferredOp
	if reoffer {
		f.deferredOp = true
	}
	f.lk.Unlock()

	if reoffer {
		f.withRef(func() {
			f.osf.RunDeferred(func() {
				f.lk.Lock()
				f.deferredOp = false
				f.lk.Unlock()
				f.deliverReadData(nil)
			})
		})
	}
}

func (f *FDLowerLayer) WriteSG(sg [][]byte, aux []string) (int, error) {
	f.lk.Lock()
	state := f.state
	f.lk.Unlock()
	if state != fdOpen {
		return 0, api.NewError("fdll.WriteSG", api.CodeNotReady, nil)
	}
	return f.ops.Write(f.fd, sg, aux)
}

func (f *FDLowerLayer) RaddrToStr() (string, error) {
	if f.ops.RaddrToStr == nil {
		return "", api.NewError("fdll.RaddrToStr", api.CodeNotSup, nil)
	}
	return f.ops.RaddrToStr()
}

func (f *FDLowerLayer) GetRaddr() ([]byte, error) {
	if f.ops.GetRaddr == nil {
		return nil, api.NewError("fdll.GetRaddr", api.CodeNotSup, nil)
	}
	return f.ops.GetRaddr()
}

func (f *FDLowerLayer) RemoteID() (int, error) {
	if f.ops.RemoteID == nil {
		return 0, api.NewError("fdll.RemoteID", api.CodeNotSup, nil)
	}
	return f.ops.RemoteID()
}

func (f *FDLowerLayer) SetReadCallbackEnable(enable bool) {
	f.lk.Lock()
	f.readEnabled = enable
	open := f.state == fdOpen
	hasBuf := f.readBuf != nil
	reoffer := enable && open && hasBuf && f.readBuf.Len > 0 && !f.inRead && !f.deferredOp
	if reoffer {
		f.deferredOp = true
	}
	f.lk.Unlock()
	if open && hasBuf {
		_ = f.osf.SetReadEnable(f.fd, enable)
		_ = f.osf.SetExceptEnable(f.fd, enable)
	}
	if reoffer {
		f.osf.RunDeferred(func() {
			f.lk.Lock()
			f.deferredOp = false
			f.lk.Unlock()
			f.deliverReadData(nil)
		})
	}
}

func (f *FDLowerLayer) SetWriteCallbackEnable(enable bool) {
	f.lk.Lock()
	f.writeEnabled = enable
	open := f.state == fdOpen
	f.lk.Unlock()
	if open {
		_ = f.osf.SetWriteEnable(f.fd, enable)
	}
}

func (f *FDLowerLayer) Control(get bool, option int, buf *[]byte) error {
	if f.ops.Control == nil {
		return api.NewError("fdll.Control", api.CodeNotSup, nil)
	}
	return f.ops.Control(get, option, buf)
}

// Close begins a graceful close: the fd's handlers are cleared, and once
// clearance is confirmed the handle is closed — polling the driver's
// CheckClose first, if supplied.
func (f *FDLowerLayer) Close(done api.LLCloseDone) error {
	f.lk.Lock()
	if f.state == fdClosed {
		f.lk.Unlock()
		return api.NewError("fdll.Close", api.CodeNotReady, nil)
	}
	if f.state == fdInClose {
		f.lk.Unlock()
		return api.NewError("fdll.Close", api.CodeInUse, nil)
	}
	f.closeDone = done
	f.state = fdInClose
	fd := f.fd
	f.lk.Unlock()
	f.logState("closing", fdInClose)

	if f.ops.CheckClose != nil {
		_, _, _ = f.ops.CheckClose(CloseStart)
	}
	f.osf.ClearFDHandlers(fd, f.onCleared)
	return nil
}

func (f *FDLowerLayer) onCleared(fd uintptr) {
	f.withRef(func() {
		if f.ops.CheckClose == nil {
			f.finishClose()
			return
		}
		f.pollClose()
	})
}

func (f *FDLowerLayer) pollClose() {
	done, retryAfterNs, err := f.ops.CheckClose(ClosePoll)
	if err != nil {
		f.log.WithError(err).WithField("fd", f.fd).Debug("close poll failed")
	}
	if done {
		f.finishClose()
		return
	}
	f.log.WithField("fd", f.fd).WithField("retry_after_ns", retryAfterNs).Debug("close poll retrying")
	f.lk.Lock()
	if f.closeTimer == nil {
		f.closeTimer = f.osf.NewTimer(func() { f.withRef(f.pollClose) })
	}
	t := f.closeTimer
	f.lk.Unlock()
	_ = t.Start(retryAfterNs)
}

func (f *FDLowerLayer) finishClose() {
	f.lk.Lock()
	fd := f.fd
	f.lk.Unlock()
	_ = f.ops.CloseFD(fd)
	f.lk.Lock()
	f.state = fdClosed
	done := f.closeDone
	f.closeDone = nil
	f.lk.Unlock()
	f.logState("close complete", fdClosed)
	if done != nil {
		f.osf.RunDeferred(done)
	}
}

// Disable immediately stops the lower layer without a graceful poll.
func (f *FDLowerLayer) Disable() {
	f.lk.Lock()
	if f.state == fdClosed {
		f.lk.Unlock()
		return
	}
	fd := f.fd
	f.state = fdClosed
	f.lk.Unlock()
	f.logState("disabled", fdClosed)
	f.osf.ClearFDHandlers(fd, nil)
	_ = f.ops.CloseFD(fd)
}

// Free releases the caller's reference.
func (f *FDLowerLayer) Free() {
	f.lk.Lock()
	f.refcount--
	zero := f.refcount == 0
	f.lk.Unlock()
	if zero {
		f.finalize()
	}
}
