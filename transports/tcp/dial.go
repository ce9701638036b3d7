// Package tcp is the TCP transport: a FDLowerLayer driver for outbound
// connections (with multi-address retry on connect failure) and an
// Accepter for inbound ones.
package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/corvidtech/iostack/api"
	"github.com/corvidtech/iostack/stack"
)

// DialConfig configures an outbound TCP connection.
type DialConfig struct {
	// ReadBufSize sizes the FD lower layer's read buffer.
	ReadBufSize int
}

// DefaultDialConfig returns sensible defaults.
func DefaultDialConfig() DialConfig { return DialConfig{ReadBufSize: 65536} }

// dialer drives the retry_open hook: one connect(2) attempt per resolved
// address, falling through the list on failure.
type dialer struct {
	addrs []*net.TCPAddr
	idx   int
}

// Dial resolves hostport (host:port) and begins a non-blocking connect to
// the first address, returning an FDLowerLayer whose Open drives the
// connect to completion (including falling through to the next resolved
// address on failure). Grounded on the original fd_ll's retry_open: a
// replacement handle is connected only after the failed one is closed and
// cleared.
func Dial(osf api.OSFuncs, hostport string, cfg DialConfig) (*stack.FDLowerLayer, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, api.NewError("tcp.Dial", api.CodeInval, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	addrs := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port})
	}
	if len(addrs) == 0 {
		return nil, api.NewError("tcp.Dial", api.CodeInval, fmt.Errorf("no addresses for %s", host))
	}

	d := &dialer{addrs: addrs}
	var fd int
	for {
		var cerr error
		fd, _, cerr = connectAddr(d.addrs[d.idx])
		if cerr == nil {
			break
		}
		d.idx++
		if d.idx >= len(d.addrs) {
			return nil, cerr
		}
	}

	if cfg.ReadBufSize == 0 {
		cfg = DefaultDialConfig()
	}
	ops := &stack.FDDriverOps{
		Write:      writeFD,
		Read:       readFD,
		CloseFD:    closeFD,
		CheckOpen:  checkConnectError,
		RetryOpen:  d.retryOpen,
		RaddrToStr: func() (string, error) { return raddrToStr(fd) },
		GetRaddr:   func() ([]byte, error) { return getRaddr(fd) },
	}
	return stack.NewFDLowerLayer(osf, uintptr(fd), cfg.ReadBufSize, false, ops), nil
}

func (d *dialer) retryOpen() (uintptr, error) {
	d.idx++
	for d.idx < len(d.addrs) {
		fd, inProgress, err := connectAddr(d.addrs[d.idx])
		if err != nil {
			d.idx++
			continue
		}
		if inProgress {
			return uintptr(fd), api.NewError("tcp.retryOpen", api.CodeInProgress, nil)
		}
		return uintptr(fd), nil
	}
	return 0, api.NewError("tcp.retryOpen", api.CodeRemClose, fmt.Errorf("all addresses exhausted"))
}

// connectAddr opens a non-blocking socket and starts a connect. inProgress
// reports whether the connect will complete asynchronously (the common
// case); err is non-nil only for a hard, immediate failure, in which case
// no fd is left open.
func connectAddr(addr *net.TCPAddr) (fd int, inProgress bool, err error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, err
	}
	sa := sockaddrFromTCPAddr(addr)
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	_ = unix.Close(fd)
	return -1, false, err
}

func sockaddrFromTCPAddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

func checkConnectError(fd uintptr) error {
	errno, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func writeFD(fd uintptr, sg [][]byte, aux []string) (int, error) {
	buf := joinSG(sg)
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Write(int(fd), buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func readFD(fd uintptr, buf []byte) (int, []string, error) {
	n, err := unix.Read(int(fd), buf)
	if err == unix.EAGAIN {
		return 0, nil, nil
	}
	if err == nil && n == 0 {
		return 0, nil, api.NewError("tcp.Read", api.CodeRemClose, nil)
	}
	return n, nil, err
}

func closeFD(fd uintptr) error { return unix.Close(int(fd)) }

func raddrToStr(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", err
	}
	return sockaddrToStr(sa), nil
}

func getRaddr(fd int) ([]byte, error) {
	s, err := raddrToStr(fd)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func sockaddrToStr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
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
