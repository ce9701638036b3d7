//go:build !linux

// File: internal/reactor/watcher_other.go
//
// Stub Watcher for platforms without an epoll-based implementation.

package reactor

import "errors"

// NewWatcher returns an error; only Linux is currently supported.
func NewWatcher() (Watcher, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
