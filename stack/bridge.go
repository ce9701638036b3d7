package stack

import "github.com/corvidtech/iostack/api"

// Bridge implements the LowerLayer contract over a fully-formed child
// Endpoint, letting it be stacked as the lower layer of a parent endpoint.
// A READ event from the child becomes an LL-up READ; WRITE_READY becomes
// LL-up WRITE_READY. Open/close/write/disable all forward to the child.
type Bridge struct {
	osf   api.OSFuncs
	lk    api.Lock
	child *Endpoint
	cb    api.LLCallback

	refcount int
}

// NewBridge wraps child as a LowerLayer and installs itself as the child's
// event handler. child must not already have an event callback installed.
func NewBridge(osf api.OSFuncs, child *Endpoint) *Bridge {
	b := &Bridge{osf: osf, lk: osf.NewLock(), child: child, refcount: 1}
	child.SetEventCB(b.onChildEvent)
	return b
}

func (b *Bridge) onChildEvent(ep api.Endpoint, ev api.Event, err error, buf []byte, aux []string, data interface{}) int {
	b.lk.Lock()
	cb := b.cb
	b.lk.Unlock()
	if cb == nil {
		return 0
	}
	switch ev {
	case api.EventRead:
		return cb(api.LLEventRead, err, buf, aux)
	case api.EventWriteReady:
		cb(api.LLEventWriteReady, nil, nil, nil)
	}
	return 0
}

func (b *Bridge) SetCallback(cb api.LLCallback) {
	b.lk.Lock()
	b.cb = cb
	b.lk.Unlock()
}

func (b *Bridge) WriteSG(sg [][]byte, aux []string) (int, error) {
	return b.child.Write(sg, aux)
}

func (b *Bridge) RaddrToStr() (string, error) {
	var buf []byte
	if err := b.child.Control(0, true, api.ControlOptRaddr, &buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (b *Bridge) GetRaddr() ([]byte, error) { return b.child.GetRaddr() }
func (b *Bridge) RemoteID() (int, error)    { return b.child.RemoteID() }

func (b *Bridge) Open(done api.LLOpenDone) error {
	return b.child.Open(func(err error) { done(err) })
}

func (b *Bridge) Close(done api.LLCloseDone) error {
	return b.child.Close(func() { done() })
}

func (b *Bridge) SetReadCallbackEnable(enable bool)  { b.child.SetReadCallbackEnable(enable) }
func (b *Bridge) SetWriteCallbackEnable(enable bool) { b.child.SetWriteCallbackEnable(enable) }

func (b *Bridge) Control(get bool, option int, buf *[]byte) error {
	return b.child.Control(0, get, option, buf)
}

// Disable forwards to the child's disable.
func (b *Bridge) Disable() { b.child.Disable() }

// Free releases the bridge's reference on the child.
func (b *Bridge) Free() {
	b.lk.Lock()
	b.refcount--
	zero := b.refcount == 0
	b.lk.Unlock()
	if zero {
		b.child.Free()
	}
}
