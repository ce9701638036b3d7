// Package reactor provides the FD-watching primitive that backs
// api.OSFuncs: register a file descriptor, toggle read/write interest, and
// get called back when it becomes ready.
package reactor

import "github.com/corvidtech/iostack/api"

// Watcher multiplexes readiness notifications across many file
// descriptors. Implementations are platform-specific (see watcher_linux.go)
// with a stub for unsupported platforms.
type Watcher interface {
	// Register adds fd to the watched set with both interests disabled.
	Register(fd uintptr, cb api.FDCallback) error
	// SetInterest toggles read/write interest for a registered fd.
	SetInterest(fd uintptr, read, write bool) error
	// Unregister removes fd from the watched set. No further callback for
	// fd will fire once Unregister returns.
	Unregister(fd uintptr) error
	// Poll blocks up to timeoutMs (or indefinitely if negative) and
	// dispatches ready callbacks, returning how many readiness events the
	// platform reported (including any for fds no longer registered).
	Poll(timeoutMs int) (int, error)
	// Close releases the watcher's resources.
	Close() error
}
