package tlsfilter

import (
	"io"
	"net"
	"time"
)

// pipeConn is the net.Conn crypto/tls drives on either side of the filter:
// Read pulls bytes LLWrite fed in, Write pushes ciphertext into the queue
// ULWrite drains back out to the transport. tls.Conn requires a real
// net.Conn, not just an io.ReadWriteCloser, so this fills in the address
// and deadline methods with no-ops; the filter never sets deadlines itself.
type pipeConn struct {
	in  *io.PipeReader
	out func([]byte) (int, error)
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.out(p) }
func (c *pipeConn) Close() error                { return c.in.Close() }

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr{} }

func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
