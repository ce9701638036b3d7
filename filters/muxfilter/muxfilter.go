// Package muxfilter is a multiplexing filter backed by yamux: it turns one
// byte stream into many logical channels. The client side allocates
// channels explicitly via Endpoint.AllocChannel; the server side delivers
// channels the peer opened via the filter callback's NewChannel.
package muxfilter

import (
	"io"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/corvidtech/iostack/api"
)

// Role selects which side of the yamux handshake this filter plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Config configures a Filter.
type Config struct {
	Role Role
	// NewChannelCB handles data events for channels the peer opens. Required
	// for RoleServer; ignored for RoleClient.
	NewChannelCB api.EventCB
	// YamuxConfig overrides yamux's defaults (keepalive interval, window
	// size, ...). Nil uses yamux.DefaultConfig().
	YamuxConfig *yamux.Config
}

// Filter bridges a transport byte stream to a yamux session: bytes arriving
// from LLWrite feed yamux's receive side through a pipe, and whatever yamux
// writes back out lands in an outbound queue the base drains via ULWrite.
type Filter struct {
	osf  api.OSFuncs
	cb   api.FilterCallback
	cfg  Config

	toYamuxR *io.PipeReader
	toYamuxW *io.PipeWriter

	session *yamux.Session

	mu         sync.Mutex
	pendingOut []byte
}

// combinedConn presents the pipe pair plus a closer as the single
// io.ReadWriteCloser yamux.Client/yamux.Server wants.
type combinedConn struct {
	r      *io.PipeReader
	toOut  func([]byte) (int, error)
	closer func() error
}

func (c *combinedConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *combinedConn) Write(p []byte) (int, error) { return c.toOut(p) }
func (c *combinedConn) Close() error                { return c.closer() }

// New constructs an unopened multiplexing filter. osf must be the same
// OSFuncs the owning endpoint was built with, since the filter needs it to
// cross background yamux events back onto the event-loop thread.
func New(osf api.OSFuncs, cfg Config) *Filter {
	return &Filter{osf: osf, cfg: cfg}
}

func (f *Filter) Setup(cb api.FilterCallback) error {
	f.cb = cb
	return nil
}

// start builds the pipe bridge and the yamux session. Called once, on the
// first TryConnect.
func (f *Filter) start() error {
	f.toYamuxR, f.toYamuxW = io.Pipe()

	conn := &combinedConn{
		r:      f.toYamuxR,
		toOut:  f.writeOut,
		closer: func() error { return f.toYamuxW.Close() },
	}

	cfg := f.cfg.YamuxConfig
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}

	var sess *yamux.Session
	var err error
	if f.cfg.Role == RoleClient {
		sess, err = yamux.Client(conn, cfg)
	} else {
		sess, err = yamux.Server(conn, cfg)
	}
	if err != nil {
		return err
	}
	f.session = sess

	if f.cfg.Role == RoleServer {
		go f.acceptLoop()
	}
	return nil
}

// writeOut is yamux's Write into the bridge: bytes destined for the real
// transport. They're queued and flushed out via ULWrite the next time the
// base drains the filter, with RequestRecalc nudging that drain along.
func (f *Filter) writeOut(p []byte) (int, error) {
	f.mu.Lock()
	f.pendingOut = append(f.pendingOut, p...)
	f.mu.Unlock()
	if f.cb != nil {
		f.cb.RequestRecalc()
	}
	return len(p), nil
}

func (f *Filter) acceptLoop() {
	for {
		conn, err := f.session.Accept()
		if err != nil {
			return
		}
		sll := newStreamLL(f.osf, conn)
		f.osf.RunDeferred(func() {
			child := newServerEndpoint(f.osf, sll, f.cfg.NewChannelCB)
			f.cb.NewChannel(child)
		})
	}
}

func (f *Filter) Cleanup() {
	if f.session != nil {
		_ = f.session.Close()
	}
	if f.toYamuxW != nil {
		_ = f.toYamuxW.Close()
	}
	f.mu.Lock()
	f.pendingOut = nil
	f.mu.Unlock()
}

func (f *Filter) Free() {}

func (f *Filter) TryConnect(deadline *int64) (api.ConnResult, error) {
	if f.session == nil {
		if err := f.start(); err != nil {
			return api.ConnDone, err
		}
	}
	return api.ConnDone, nil
}

func (f *Filter) TryDisconnect(deadline *int64) (api.ConnResult, error) {
	f.Cleanup()
	return api.ConnDone, nil
}

func (f *Filter) CheckOpenDone() error { return nil }

func (f *Filter) Timeout() {}

// ULWrite only ever drains the outbound queue; the multiplexed parent
// endpoint carries no data of its own, only its channels do.
func (f *Filter) ULWrite(sg [][]byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(sg) != 0 {
		return 0, api.NewError("muxfilter.ULWrite", api.CodeNotSup, nil)
	}
	f.mu.Lock()
	out := f.pendingOut
	f.mu.Unlock()
	if len(out) == 0 {
		return 0, nil
	}
	n, err := emit([][]byte{out}, aux)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.pendingOut = f.pendingOut[n:]
	f.mu.Unlock()
	return 0, nil
}

// LLWrite hands raw transport bytes to yamux's receive side. io.Pipe.Write
// is atomic: it either fully consumes buf once yamux's session goroutine
// reads it, or blocks. Nothing is ever pushed upward via emit directly;
// decoded data surfaces per-channel through each stream's own LowerLayer.
func (f *Filter) LLWrite(buf []byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if f.toYamuxW == nil {
		return 0, api.NewError("muxfilter.LLWrite", api.CodeNotReady, nil)
	}
	n, err := f.toYamuxW.Write(buf)
	return n, err
}

func (f *Filter) ULReadPending() bool { return false }

func (f *Filter) LLWritePending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingOut) > 0
}

func (f *Filter) LLReadNeeded() bool { return true }

func (f *Filter) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("muxfilter.Control", api.CodeNotSup, nil)
}

// OpenChannel opens a new client-initiated stream. The returned Endpoint
// has its Open already started and reaches the open state once the
// deferred open_done runs; the transport-level handshake yamux needs is
// just its own SYN frame, sent as part of Open() below.
func (f *Filter) OpenChannel(args map[string]string, cb api.EventCB) (api.Endpoint, error) {
	if f.cfg.Role != RoleClient {
		return nil, api.NewError("muxfilter.OpenChannel", api.CodeNotSup, nil)
	}
	if f.session == nil {
		return nil, api.NewError("muxfilter.OpenChannel", api.CodeNotReady, nil)
	}
	conn, err := f.session.Open()
	if err != nil {
		return nil, err
	}
	sll := newStreamLL(f.osf, conn)
	return newClientEndpoint(f.osf, sll, cb)
}
