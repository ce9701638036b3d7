package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/corvidtech/iostack/api"
	"github.com/corvidtech/iostack/stack"
)

// fdFromTCPConn duplicates conn's file descriptor and releases Go's own
// ownership of the original, so the duplicate can be handed to our own
// epoll instance without the runtime's net poller also holding it.
func fdFromTCPConn(conn *net.TCPConn) (uintptr, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var dupFD int
	var dupErr error
	if err := sc.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return 0, err
	}
	if dupErr != nil {
		return 0, dupErr
	}
	_ = conn.Close()
	return uintptr(dupFD), nil
}

// Accepter is the api.Accepter for inbound TCP connections. Accept() is a
// blocking syscall, so it runs on its own goroutine; every accepted
// connection crosses back onto the event-loop thread via the deferred
// runner before any endpoint machinery touches it.
type Accepter struct {
	*stack.AccepterRuntime

	osf api.OSFuncs
	ln  *net.TCPListener

	eg     *errgroup.Group
	mu     sync.Mutex
	closed bool
}

// Listen binds addr (host:port) and starts accepting in the background.
// newConn is called, on the event-loop thread, once per accepted
// connection while the accepter is enabled.
func Listen(osf api.OSFuncs, addr string, cb api.EventCB, newConn api.NewConnectionFunc, opts ...stack.Option) (*Accepter, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}

	a := &Accepter{
		AccepterRuntime: stack.NewAccepterRuntime(osf, newConn),
		osf: osf,
		ln:  ln,
	}
	a.eg = &errgroup.Group{}
	a.eg.Go(func() error { return a.acceptLoop(cb, opts) })
	return a, nil
}

func (a *Accepter) acceptLoop(cb api.EventCB, opts []stack.Option) error {
	boff := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := a.ln.AcceptTCP()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return nil
			}
			a.osf.Logger().Warn("tcp accept failed, retrying", "err", err)
			time.Sleep(boff.Duration())
			continue
		}
		boff.Reset()

		_ = conn.SetKeepAlive(true)
		fd, err := fdFromTCPConn(conn)
		if err != nil {
			_ = conn.Close()
			continue
		}

		raddr := conn.RemoteAddr().String()
		ops := &stack.FDDriverOps{
			Write:      writeFD,
			Read:       readFD,
			CloseFD:    closeFD,
			RaddrToStr: func() (string, error) { return raddr, nil },
			GetRaddr:   func() ([]byte, error) { return []byte(raddr), nil },
		}
		ll := stack.NewFDLowerLayer(a.osf, fd, 65536, true, ops)

		a.osf.RunDeferred(func() {
			a.AccepterRuntime.Deliver(ll, cb, opts...)
		})
	}
}

// Shutdown stops accepting new connections and waits for the accept loop
// goroutine to exit before reporting done.
func (a *Accepter) Shutdown(done func()) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	_ = a.ln.Close()

	go func() {
		_ = a.eg.Wait()
		a.AccepterRuntime.Shutdown(done)
	}()
}

func (a *Accepter) Control(get bool, option int, buf *[]byte) error {
	if get && option == api.ControlOptLaddr {
		*buf = []byte(a.ln.Addr().String())
		return nil
	}
	return api.NewError("tcp.Accepter.Control", api.CodeNotSup, nil)
}
