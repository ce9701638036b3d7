//go:build linux

// File: internal/reactor/watcher_linux.go
//
// Linux epoll(7)-based Watcher.

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corvidtech/iostack/api"
)

type fdState struct {
	cb          api.FDCallback
	read, write bool
}

type epollWatcher struct {
	epfd int

	mu    sync.Mutex
	state map[uintptr]*fdState
}

// NewWatcher constructs an epoll-backed Watcher.
func NewWatcher() (Watcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollWatcher{epfd: epfd, state: make(map[uintptr]*fdState)}, nil
}

func (w *epollWatcher) Register(fd uintptr, cb api.FDCallback) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.state[fd]; ok {
		return api.NewError("reactor.Register", api.CodeInUse, nil)
	}
	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}
	w.state[fd] = &fdState{cb: cb}
	return nil
}

func (w *epollWatcher) SetInterest(fd uintptr, read, write bool) error {
	w.mu.Lock()
	st, ok := w.state[fd]
	if !ok {
		w.mu.Unlock()
		return api.NewError("reactor.SetInterest", api.CodeInval, nil)
	}
	st.read, st.write = read, write
	var events uint32
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	w.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev)
}

func (w *epollWatcher) Unregister(fd uintptr) error {
	w.mu.Lock()
	_, ok := w.state[fd]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	delete(w.state, fd)
	w.mu.Unlock()
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

func (w *epollWatcher) Poll(timeoutMs int) (int, error) {
	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(w.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := uintptr(events[i].Fd)
		raw := events[i].Events

		w.mu.Lock()
		st := w.state[fd]
		w.mu.Unlock()
		if st == nil {
			continue
		}

		var ev api.FDEvent
		if raw&unix.EPOLLIN != 0 {
			ev |= api.FDRead
		}
		if raw&unix.EPOLLOUT != 0 {
			ev |= api.FDWrite
		}
		if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= api.FDExcept
		}
		if ev != 0 {
			st.cb(fd, ev)
		}
	}
	return n, nil
}

func (w *epollWatcher) Close() error {
	return unix.Close(w.epfd)
}
