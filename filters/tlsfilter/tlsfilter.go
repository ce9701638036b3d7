// Package tlsfilter wraps a byte stream in TLS. It is a handshake filter in
// the same shape as a gensio SSL filter: try_connect drives the handshake
// step by step, and once open, ul_write/ll_write encrypt and decrypt in
// place. crypto/tls has no non-blocking handshake API, so the handshake and
// the steady-state record read loop each run on their own goroutine, bridged
// back to the event-loop thread through a pipe plus RequestRecalc; nothing
// the user calls crosses a goroutine boundary without going through the
// filter callback first.
package tlsfilter

import (
	"crypto/tls"
	"io"
	"sync"

	"github.com/corvidtech/iostack/api"
)

// Config configures a Filter. Exactly one of ClientConfig/ServerConfig
// should be set, matching the role.
type Config struct {
	ClientConfig *tls.Config
	ServerConfig *tls.Config
}

// Filter is the concrete api.Filter.
type Filter struct {
	cb  api.FilterCallback
	cfg Config

	inR *io.PipeReader
	inW *io.PipeWriter
	tlsConn *tls.Conn

	mu          sync.Mutex
	started     bool
	handshakeDone bool
	handshakeErr  error
	closing       bool
	closeDone     bool

	pendingOut []byte
	pendingIn  [][]byte
}

// New constructs an unopened TLS filter. role is inferred from which field
// of cfg is set.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

func (f *Filter) Setup(cb api.FilterCallback) error {
	f.cb = cb
	return nil
}

func (f *Filter) start() {
	f.inR, f.inW = io.Pipe()
	conn := &pipeConn{in: f.inR, out: f.writeOut}

	if f.cfg.ServerConfig != nil {
		f.tlsConn = tls.Server(conn, f.cfg.ServerConfig)
	} else {
		f.tlsConn = tls.Client(conn, f.cfg.ClientConfig)
	}
	f.started = true

	go func() {
		err := f.tlsConn.Handshake()
		f.mu.Lock()
		f.handshakeDone = true
		f.handshakeErr = err
		f.mu.Unlock()
		f.cb.RequestRecalc()
		if err == nil {
			go f.readLoop()
		}
	}()
}

// writeOut is tls.Conn's Write into the pipe conn: ciphertext bound for the
// real transport. Queued for ULWrite to drain, same as the mux filter.
func (f *Filter) writeOut(p []byte) (int, error) {
	f.mu.Lock()
	f.pendingOut = append(f.pendingOut, p...)
	f.mu.Unlock()
	f.cb.RequestRecalc()
	return len(p), nil
}

func (f *Filter) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.tlsConn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			f.mu.Lock()
			f.pendingIn = append(f.pendingIn, chunk)
			f.mu.Unlock()
			f.cb.RequestRecalc()
		}
		if err != nil {
			return
		}
	}
}

func (f *Filter) Cleanup() {
	if f.tlsConn != nil {
		_ = f.tlsConn.Close()
	}
	if f.inW != nil {
		_ = f.inW.Close()
	}
	f.mu.Lock()
	f.pendingOut = nil
	f.pendingIn = nil
	f.mu.Unlock()
}

func (f *Filter) Free() {}

func (f *Filter) TryConnect(deadline *int64) (api.ConnResult, error) {
	if !f.started {
		f.start()
		return api.ConnInProgress, nil
	}
	f.mu.Lock()
	done, err := f.handshakeDone, f.handshakeErr
	f.mu.Unlock()
	if !done {
		return api.ConnInProgress, nil
	}
	return api.ConnDone, err
}

// TryDisconnect sends the close_notify record from its own goroutine and
// reports ConnInProgress until that goroutine's tls.Conn.Close returns. The
// record lands in the pendingOut queue, which the base drains through
// ULWrite.
func (f *Filter) TryDisconnect(deadline *int64) (api.ConnResult, error) {
	f.mu.Lock()
	if !f.closing {
		f.closing = true
		f.mu.Unlock()
		go func() {
			_ = f.tlsConn.Close()
			f.mu.Lock()
			f.closeDone = true
			f.mu.Unlock()
			f.cb.RequestRecalc()
		}()
		return api.ConnInProgress, nil
	}
	done := f.closeDone
	f.mu.Unlock()
	if !done {
		return api.ConnInProgress, nil
	}
	return api.ConnDone, nil
}

func (f *Filter) CheckOpenDone() error { return nil }

func (f *Filter) Timeout() {}

// ULWrite encrypts one user packet per call via tls.Conn.Write, which
// blocks until the steady-state write path above drains it into the
// pendingOut queue; with an empty sg it instead just drains that queue.
func (f *Filter) ULWrite(sg [][]byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(sg) == 0 {
		return 0, f.drainOutLocked(emit, aux)
	}
	data := joinSG(sg)
	n, err := f.tlsConn.Write(data)
	if err != nil {
		return 0, err
	}
	if drainErr := f.drainOutLocked(emit, aux); drainErr != nil {
		return n, drainErr
	}
	return n, nil
}

func (f *Filter) drainOutLocked(emit api.EmitFunc, aux []string) error {
	f.mu.Lock()
	out := f.pendingOut
	f.mu.Unlock()
	if len(out) == 0 {
		return nil
	}
	n, err := emit([][]byte{out}, aux)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.pendingOut = f.pendingOut[n:]
	f.mu.Unlock()
	return nil
}

// LLWrite hands raw ciphertext bytes to tls.Conn's receive side, then drains
// whatever plaintext the read loop has accumulated.
func (f *Filter) LLWrite(buf []byte, aux []string, emit api.EmitFunc) (int, error) {
	n := 0
	if len(buf) > 0 {
		if f.inW == nil {
			return 0, api.NewError("tlsfilter.LLWrite", api.CodeNotReady, nil)
		}
		var err error
		n, err = f.inW.Write(buf)
		if err != nil {
			return n, err
		}
	}
	return n, f.drainInLocked(emit, aux)
}

func (f *Filter) drainInLocked(emit api.EmitFunc, aux []string) error {
	for {
		f.mu.Lock()
		if len(f.pendingIn) == 0 {
			f.mu.Unlock()
			return nil
		}
		pkt := f.pendingIn[0]
		f.mu.Unlock()

		sent, err := emit([][]byte{pkt}, aux)
		if err != nil {
			return err
		}
		if sent < len(pkt) {
			f.mu.Lock()
			f.pendingIn[0] = pkt[sent:]
			f.mu.Unlock()
			return nil
		}
		f.mu.Lock()
		f.pendingIn = f.pendingIn[1:]
		f.mu.Unlock()
	}
}

func (f *Filter) ULReadPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingIn) > 0
}

func (f *Filter) LLWritePending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingOut) > 0
}

func (f *Filter) LLReadNeeded() bool { return true }

func (f *Filter) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("tlsfilter.Control", api.CodeNotSup, nil)
}

func (f *Filter) OpenChannel(args map[string]string, cb api.EventCB) (api.Endpoint, error) {
	return nil, api.NewError("tlsfilter.OpenChannel", api.CodeNotSup, nil)
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
