package stack

import (
	"sync"

	logpkg "github.com/lthibault/log/pkg"

	"github.com/corvidtech/iostack/api"
)

// fakeOSFuncs is a minimal api.OSFuncs for exercising the base endpoint
// without a real watcher: deferred calls queue up and run only when the
// test explicitly drains them, the same batch-then-run discipline the real
// Runner uses, so ordering assertions about open_done/close_done hold.
type fakeOSFuncs struct {
	mu      sync.Mutex
	pending []func()
}

func newFakeOSFuncs() *fakeOSFuncs { return &fakeOSFuncs{} }

func (f *fakeOSFuncs) NewLock() api.Lock { return &fakeLock{} }

func (f *fakeOSFuncs) SetFDHandlers(fd uintptr, cb api.FDCallback) error { return nil }
func (f *fakeOSFuncs) SetReadEnable(fd uintptr, enable bool) error      { return nil }
func (f *fakeOSFuncs) SetWriteEnable(fd uintptr, enable bool) error     { return nil }
func (f *fakeOSFuncs) SetExceptEnable(fd uintptr, enable bool) error    { return nil }

func (f *fakeOSFuncs) ClearFDHandlers(fd uintptr, cleared api.FDClearedFunc) {
	if cleared != nil {
		f.RunDeferred(func() { cleared(fd) })
	}
}

func (f *fakeOSFuncs) NewTimer(cb func()) api.Timer { return &fakeTimer{cb: cb} }

func (f *fakeOSFuncs) RunDeferred(fn func()) {
	f.mu.Lock()
	f.pending = append(f.pending, fn)
	f.mu.Unlock()
}

func (f *fakeOSFuncs) Logger() api.Logger {
	return logpkg.New(logpkg.OptLevel(logpkg.NullLevel))
}

// drain runs every deferred call queued so far, including any new ones
// queued by earlier calls in the same drain, until the queue is empty.
func (f *fakeOSFuncs) drain() {
	for {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

type fakeLock struct{ mu sync.Mutex }

func (l *fakeLock) Lock()   { l.mu.Lock() }
func (l *fakeLock) Unlock() { l.mu.Unlock() }

type fakeTimer struct {
	cb      func()
	started bool
}

func (t *fakeTimer) Start(d int64) error { t.started = true; return nil }
func (t *fakeTimer) Stop(done api.TimerDoneFunc) error {
	t.started = false
	if done != nil {
		done(false)
	}
	return nil
}

// fakeLL is a scriptable api.LowerLayer. Open's done is fired synchronously
// unless asyncOpen is set, in which case the test fires it later via
// triggerOpenDone, modeling a transport whose connect is still in flight.
// WriteSG honors writeLimits as a queue of per-call accepted-byte counts,
// for exercising short writes.
type fakeLL struct {
	mu sync.Mutex

	cb api.LLCallback

	asyncOpen    bool
	pendingOpen  api.LLOpenDone
	openCalls    int
	closeCalls   int
	openErr      error

	writes      [][]byte
	writeLimits []int

	readEnabled, writeEnabled bool
}

func (f *fakeLL) SetCallback(cb api.LLCallback) { f.cb = cb }

func (f *fakeLL) Open(done api.LLOpenDone) error {
	f.mu.Lock()
	f.openCalls++
	f.mu.Unlock()
	if f.asyncOpen {
		f.mu.Lock()
		f.pendingOpen = done
		f.mu.Unlock()
		return nil
	}
	done(f.openErr)
	return nil
}

func (f *fakeLL) triggerOpenDone(err error) {
	f.mu.Lock()
	done := f.pendingOpen
	f.pendingOpen = nil
	f.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (f *fakeLL) Close(done api.LLCloseDone) error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	done()
	return nil
}

func (f *fakeLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	data := fakeJoinSG(sg)
	n := len(data)
	f.mu.Lock()
	if len(f.writeLimits) > 0 {
		n = f.writeLimits[0]
		f.writeLimits = f.writeLimits[1:]
		if n > len(data) {
			n = len(data)
		}
	}
	f.writes = append(f.writes, append([]byte{}, data[:n]...))
	f.mu.Unlock()
	return n, nil
}

func (f *fakeLL) RaddrToStr() (string, error) { return "fake", nil }
func (f *fakeLL) GetRaddr() ([]byte, error)   { return []byte("fake"), nil }
func (f *fakeLL) RemoteID() (int, error)      { return 0, nil }

func (f *fakeLL) SetReadCallbackEnable(enable bool)  { f.readEnabled = enable }
func (f *fakeLL) SetWriteCallbackEnable(enable bool) { f.writeEnabled = enable }

func (f *fakeLL) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("fakeLL.Control", api.CodeNotSup, nil)
}

func (f *fakeLL) Disable() {}
func (f *fakeLL) Free()    {}

// fakeFilter is a scriptable api.Filter. LLWrite, when emitOnLLWrite is set,
// hands its input straight to emit synchronously, the same way msgdelim
// hands a decoded frame up the moment it sees one: this is what exercises
// the base's lock handoff around a filter's up-call into user code.
// connResults is consumed one result per TryConnect call; the last entry
// repeats once exhausted.
type fakeFilter struct {
	emitOnLLWrite bool
	connResults   []api.ConnResult
	connDeadline  int64
	connCalls     int
	closeCalls    int
	freed         bool
}

func (f *fakeFilter) Setup(cb api.FilterCallback) error { return nil }
func (f *fakeFilter) Cleanup()                          { f.closeCalls++ }
func (f *fakeFilter) Free()                             { f.freed = true }

func (f *fakeFilter) TryConnect(deadline *int64) (api.ConnResult, error) {
	res := api.ConnDone
	if len(f.connResults) > 0 {
		idx := f.connCalls
		if idx >= len(f.connResults) {
			idx = len(f.connResults) - 1
		}
		res = f.connResults[idx]
	}
	f.connCalls++
	if res != api.ConnDone {
		*deadline = f.connDeadline
	}
	return res, nil
}

func (f *fakeFilter) TryDisconnect(deadline *int64) (api.ConnResult, error) {
	return api.ConnDone, nil
}

func (f *fakeFilter) ULWrite(sg [][]byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(sg) == 0 {
		return 0, nil
	}
	data := fakeJoinSG(sg)
	return emit([][]byte{data}, aux)
}

func (f *fakeFilter) LLWrite(buf []byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(buf) == 0 || !f.emitOnLLWrite {
		return len(buf), nil
	}
	_, err := emit([][]byte{buf}, aux)
	return len(buf), err
}

func (f *fakeFilter) ULReadPending() bool  { return false }
func (f *fakeFilter) LLWritePending() bool { return false }
func (f *fakeFilter) LLReadNeeded() bool   { return true }
func (f *fakeFilter) CheckOpenDone() error { return nil }
func (f *fakeFilter) Timeout()             {}

func (f *fakeFilter) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("fakeFilter.Control", api.CodeNotSup, nil)
}

func (f *fakeFilter) OpenChannel(args map[string]string, cb api.EventCB) (api.Endpoint, error) {
	return nil, api.NewError("fakeFilter.OpenChannel", api.CodeNotSup, nil)
}

func fakeJoinSG(sg [][]byte) []byte {
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
