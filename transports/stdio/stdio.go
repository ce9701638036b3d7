// Package stdio wires a process's own stdin/stdout as a lower layer: two FD
// Lower Layers, one read-only over fd 0 and one write-only over fd 1,
// composed behind a single LowerLayer so the base endpoint sees one
// transport.
package stdio

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/corvidtech/iostack/api"
	"github.com/corvidtech/iostack/stack"
)

// Config sizes the read side.
type Config struct {
	ReadBufSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config { return Config{ReadBufSize: 65536} }

// lowerLayer composes a read-only FD LL over stdin with a write-only FD LL
// over stdout, presenting the pair as one api.LowerLayer.
type lowerLayer struct {
	in  *stack.FDLowerLayer
	out *stack.FDLowerLayer
	cb  api.LLCallback
}

// New returns a LowerLayer bound to the current process's stdin/stdout.
func New(osf api.OSFuncs, cfg Config) api.LowerLayer {
	if cfg.ReadBufSize == 0 {
		cfg = DefaultConfig()
	}
	l := &lowerLayer{}
	inOps := &stack.FDDriverOps{
		Read:    readFD,
		Write:   refuseWrite,
		CloseFD: closeFD,
	}
	outOps := &stack.FDDriverOps{
		Read:    refuseRead,
		Write:   writeFD,
		CloseFD: closeFD,
	}
	l.in = stack.NewFDLowerLayer(osf, uintptr(unix.Stdin), cfg.ReadBufSize, true, inOps)
	l.out = stack.NewFDLowerLayer(osf, uintptr(unix.Stdout), 0, true, outOps)
	l.in.SetCallback(l.onInEvent)
	l.out.SetCallback(l.onOutEvent)
	return l
}

func (l *lowerLayer) onInEvent(ev api.LLEvent, err error, buf []byte, aux []string) int {
	if l.cb == nil {
		return 0
	}
	if ev == api.LLEventRead {
		return l.cb(api.LLEventRead, err, buf, aux)
	}
	return 0
}

func (l *lowerLayer) onOutEvent(ev api.LLEvent, err error, buf []byte, aux []string) int {
	if l.cb != nil && ev == api.LLEventWriteReady {
		l.cb(api.LLEventWriteReady, nil, nil, nil)
	}
	return 0
}

func (l *lowerLayer) SetCallback(cb api.LLCallback) { l.cb = cb }

func (l *lowerLayer) WriteSG(sg [][]byte, aux []string) (int, error) {
	return l.out.WriteSG(sg, aux)
}

func (l *lowerLayer) RaddrToStr() (string, error) { return "stdio", nil }
func (l *lowerLayer) GetRaddr() ([]byte, error)   { return []byte("stdio"), nil }
func (l *lowerLayer) RemoteID() (int, error)      { return os.Getpid(), nil }

func (l *lowerLayer) Open(done api.LLOpenDone) error {
	if err := l.in.Open(func(error) {}); err != nil {
		return err
	}
	return l.out.Open(func(err error) { done(err) })
}

func (l *lowerLayer) Close(done api.LLCloseDone) error {
	if err := l.in.Close(func() {}); err != nil {
		return err
	}
	return l.out.Close(done)
}

func (l *lowerLayer) SetReadCallbackEnable(enable bool)  { l.in.SetReadCallbackEnable(enable) }
func (l *lowerLayer) SetWriteCallbackEnable(enable bool) { l.out.SetWriteCallbackEnable(enable) }

func (l *lowerLayer) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("stdio.Control", api.CodeNotSup, nil)
}

func (l *lowerLayer) Disable() {
	l.in.Disable()
	l.out.Disable()
}

func (l *lowerLayer) Free() {
	l.in.Free()
	l.out.Free()
}

func readFD(fd uintptr, buf []byte) (int, []string, error) {
	n, err := unix.Read(int(fd), buf)
	if err == unix.EAGAIN {
		return 0, nil, nil
	}
	return n, nil, err
}

func writeFD(fd uintptr, sg [][]byte, aux []string) (int, error) {
	total := 0
	for _, b := range sg {
		if len(b) == 0 {
			continue
		}
		n, err := unix.Write(int(fd), b)
		total += n
		if err != nil {
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			return total, nil
		}
	}
	return total, nil
}

func refuseRead(fd uintptr, buf []byte) (int, []string, error) {
	return 0, nil, api.NewError("stdio.Read", api.CodeNotSup, nil)
}

func refuseWrite(fd uintptr, sg [][]byte, aux []string) (int, error) {
	return 0, api.NewError("stdio.Write", api.CodeNotSup, nil)
}

func closeFD(fd uintptr) error { return unix.Close(int(fd)) }
