package api

// LLEvent is the set of events a LowerLayer delivers upward.
type LLEvent int

const (
	// LLEventRead carries a buffer of received bytes (or a non-nil err,
	// with no buffer, to report a transport error).
	LLEventRead LLEvent = iota
	// LLEventWriteReady signals the lower layer can accept more writes.
	LLEventWriteReady
)

// LLCallback is the single up-call a LowerLayer makes into its owner (the
// base endpoint, or the filter-as-LL bridge's parent). For LLEventRead it
// returns the number of bytes consumed from buf; for LLEventWriteReady the
// return value is ignored (callers pass 0).
type LLCallback func(ev LLEvent, err error, buf []byte, aux []string) int

// LLOpenDone reports completion of an asynchronous Open.
type LLOpenDone func(err error)

// LLCloseDone reports completion of an asynchronous Close. It is always
// invoked exactly once, via the deferred runner.
type LLCloseDone func()

// LowerLayer is the transport abstraction at the bottom of an endpoint's
// stack: a state machine over {closed, opening, open, closing}.
type LowerLayer interface {
	// SetCallback installs the up-call target. Called once, before Open.
	SetCallback(cb LLCallback)

	// WriteSG writes a scatter-gather buffer, tagged with aux, returning
	// the number of bytes accepted. A short write is normal; the lower
	// layer does not buffer what it did not accept.
	WriteSG(sg [][]byte, aux []string) (int, error)

	// RaddrToStr renders the remote address as a string.
	RaddrToStr() (string, error)
	// GetRaddr returns the remote address in its native binary form.
	GetRaddr() ([]byte, error)
	// RemoteID returns a transport-specific remote identifier (e.g. a pid
	// for a subprocess lower layer).
	RemoteID() (int, error)

	// Open begins opening the transport. done is called exactly once,
	// possibly synchronously before Open returns (in which case Open
	// itself returns nil and done is still invoked through the normal
	// asynchronous path to preserve the "open_done runs via the deferred
	// runner" ordering guarantee).
	Open(done LLOpenDone) error
	// Close begins closing the transport. done is called exactly once, via
	// the deferred runner.
	Close(done LLCloseDone) error

	SetReadCallbackEnable(enable bool)
	SetWriteCallbackEnable(enable bool)

	// Control gets or sets a lower-layer-specific option.
	Control(get bool, option int, buf *[]byte) error

	// Disable immediately and unconditionally stops the lower layer from
	// emitting further events, without a graceful close poll.
	Disable()
	// Free releases the lower layer's resources. The lower layer must
	// already be closed or disabled.
	Free()
}
