package stack

import "github.com/corvidtech/iostack/api"

// AccepterRuntime is the bookkeeping a concrete transport accepter (TCP
// listener, subprocess spawner, ...) embeds to satisfy api.Accepter's
// enable/shutdown contract. The transport owns accept()-ing new handles and
// constructing their LowerLayer; once it has one, it calls Deliver, which
// builds the server-side Endpoint and emits it.
type AccepterRuntime struct {
	osf     api.OSFuncs
	lk      api.Lock
	enabled bool
	closed  bool
	newConn api.NewConnectionFunc
}

// NewAccepterRuntime constructs a runtime that calls newConn for each
// delivered connection while enabled.
func NewAccepterRuntime(osf api.OSFuncs, newConn api.NewConnectionFunc) *AccepterRuntime {
	return &AccepterRuntime{osf: osf, lk: osf.NewLock(), newConn: newConn}
}

// Deliver constructs a server-side Endpoint over ll and, if the runtime is
// enabled and not shut down, emits it via new_connection.
func (r *AccepterRuntime) Deliver(ll api.LowerLayer, cb api.EventCB, opts ...Option) *Endpoint {
	ep := NewServer(r.osf, ll, cb, opts...)

	r.lk.Lock()
	deliver := r.enabled && !r.closed
	fn := r.newConn
	r.lk.Unlock()

	if deliver && fn != nil {
		fn(ep)
	}
	return ep
}

// SetCallbackEnable implements api.Accepter.
func (r *AccepterRuntime) SetCallbackEnable(enable bool, done func()) {
	r.lk.Lock()
	r.enabled = enable
	r.lk.Unlock()
	if done != nil {
		r.osf.RunDeferred(done)
	}
}

// Shutdown implements api.Accepter. Concrete transports should stop
// accepting new OS-level connections before calling this, since Shutdown
// itself only flips the bookkeeping flags.
func (r *AccepterRuntime) Shutdown(done func()) {
	r.lk.Lock()
	r.closed = true
	r.enabled = false
	r.lk.Unlock()
	if done != nil {
		r.osf.RunDeferred(done)
	}
}

// Enabled reports whether new connections are currently being delivered.
func (r *AccepterRuntime) Enabled() bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.enabled && !r.closed
}
