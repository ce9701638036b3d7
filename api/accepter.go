package api

// NewConnectionFunc is invoked by an Accepter once per accepted child, with
// an Endpoint already in the IO_OPEN_PENDING server-construction state.
type NewConnectionFunc func(ep Endpoint)

// Accepter is the minimal contract the core needs from a listener: it
// delivers already-open transport handles, from which the core constructs
// server-side endpoints via the base endpoint's server-construction path.
type Accepter interface {
	// Shutdown stops accepting new connections. done fires once shutdown
	// completes (all in-flight accept callbacks have returned).
	Shutdown(done func())
	// SetCallbackEnable starts or stops delivering NewConnectionFunc
	// callbacks. done fires once the change has taken effect.
	SetCallbackEnable(enable bool, done func())
	// Control gets or sets an accepter-specific option.
	Control(get bool, option int, buf *[]byte) error
}
