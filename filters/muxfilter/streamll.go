package muxfilter

import (
	"net"
	"sync"

	"github.com/corvidtech/iostack/api"
)

// streamLL adapts a net.Conn (a yamux stream) to the LowerLayer contract.
// A yamux stream has no connect phase of its own, so Open completes
// synchronously; the only real work is pumping Read on its own goroutine
// and crossing back onto the event-loop thread for delivery, the same
// crossing discipline the TCP accepter uses for Accept.
type streamLL struct {
	osf  api.OSFuncs
	conn net.Conn

	mu          sync.Mutex
	cb          api.LLCallback
	pending     [][]byte
	readEnabled bool
	writeEnabled bool
	closed      bool
}

func newStreamLL(osf api.OSFuncs, conn net.Conn) *streamLL {
	return &streamLL{osf: osf, conn: conn}
}

func (s *streamLL) SetCallback(cb api.LLCallback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *streamLL) Open(done api.LLOpenDone) error {
	go s.readLoop()
	s.osf.RunDeferred(func() { done(nil) })
	return nil
}

func (s *streamLL) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.deliver(chunk, nil)
		}
		if err != nil {
			s.deliver(nil, err)
			return
		}
	}
}

func (s *streamLL) deliver(chunk []byte, err error) {
	s.osf.RunDeferred(func() {
		s.mu.Lock()
		if chunk != nil {
			s.pending = append(s.pending, chunk)
		}
		s.drainLocked(err)
		s.mu.Unlock()
	})
}

// drainLocked offers queued chunks to cb while read is enabled, re-offering
// any short-consumed remainder on the next enable or arrival instead of
// busy-looping.
func (s *streamLL) drainLocked(err error) {
	cb := s.cb
	if cb == nil {
		return
	}
	for len(s.pending) > 0 && s.readEnabled {
		chunk := s.pending[0]
		n := cb(api.LLEventRead, nil, chunk, nil)
		if n >= len(chunk) {
			s.pending = s.pending[1:]
			continue
		}
		s.pending[0] = chunk[n:]
		return
	}
	if err != nil && s.readEnabled {
		cb(api.LLEventRead, err, nil, nil)
	}
}

func (s *streamLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	total := 0
	for _, b := range sg {
		if len(b) == 0 {
			continue
		}
		n, err := s.conn.Write(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *streamLL) RaddrToStr() (string, error) { return s.conn.RemoteAddr().String(), nil }
func (s *streamLL) GetRaddr() ([]byte, error)   { return []byte(s.conn.RemoteAddr().String()), nil }
func (s *streamLL) RemoteID() (int, error)      { return 0, api.NewError("muxfilter.stream.RemoteID", api.CodeNotSup, nil) }

func (s *streamLL) Close(done api.LLCloseDone) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.conn.Close()
	s.osf.RunDeferred(done)
	return err
}

func (s *streamLL) SetReadCallbackEnable(enable bool) {
	s.mu.Lock()
	s.readEnabled = enable
	if enable {
		s.drainLocked(nil)
	}
	s.mu.Unlock()
}

func (s *streamLL) SetWriteCallbackEnable(enable bool) {
	s.mu.Lock()
	s.writeEnabled = enable
	s.mu.Unlock()
	if enable {
		s.osf.RunDeferred(func() {
			s.mu.Lock()
			cb := s.cb
			en := s.writeEnabled
			s.mu.Unlock()
			if cb != nil && en {
				cb(api.LLEventWriteReady, nil, nil, nil)
			}
		})
	}
}

func (s *streamLL) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("muxfilter.stream.Control", api.CodeNotSup, nil)
}

func (s *streamLL) Disable() {
	s.mu.Lock()
	s.cb = nil
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *streamLL) Free() {}
