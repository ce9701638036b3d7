package api

// ConnResult is the tri-state result of a filter's connect/disconnect step.
type ConnResult int

const (
	// ConnDone: the step completed successfully.
	ConnDone ConnResult = iota
	// ConnInProgress: retry on any I/O activity, no timer needed.
	ConnInProgress
	// ConnRetryLater: retry on I/O or when the deadline the filter wrote
	// back elapses.
	ConnRetryLater
)

// EmitFunc moves bytes across one hop of the stack: ul_write uses it to
// hand encoded bytes to the lower layer's write path; ll_write uses it to
// hand decoded bytes to the user-facing data sink. It returns the number of
// bytes actually consumed.
type EmitFunc func(sg [][]byte, aux []string) (int, error)

// FilterCallback is the single handle a filter is given during Setup
// through which it may ask the base to recompute read/write enables or to
// arm/disarm its timer. Filters hold no other reference to the base.
type FilterCallback interface {
	// RequestRecalc asks the base to re-run enable recomputation and a
	// data hop as soon as convenient (always via the deferred runner).
	RequestRecalc()
	// SetTimer arms the filter's timer to fire after d nanoseconds.
	SetTimer(d int64)
	// StopTimer disarms the filter's timer, if any.
	StopTimer()
	// NewChannel delivers a child Endpoint the filter allocated on its own
	// initiative (e.g. a multiplexed stream the remote peer opened) to the
	// user callback as an EventNewChannel.
	NewChannel(ep Endpoint)
}

// Filter is a stateful translator between an upper-layer (user-facing) byte
// stream and a lower-layer (transport-facing) byte stream. All operations
// are synchronous and non-blocking, and are only ever called by the base
// while holding the endpoint's lock.
type Filter interface {
	// TryConnect drives one step of the open handshake. deadline is an
	// in/out pointer, passed in as 0: on ConnRetryLater the filter writes
	// back how many nanoseconds from now it wants to be retried after.
	TryConnect(deadline *int64) (ConnResult, error)
	// TryDisconnect drives one step of the close handshake (e.g. flushing
	// a TLS close-notify), with the same tri-state contract as TryConnect.
	TryDisconnect(deadline *int64) (ConnResult, error)

	// ULWrite accepts user bytes from the top. If sg is empty, it instead
	// drains any internal buffer into emit (emit writes to the lower
	// layer). Returns the number of input bytes consumed from sg.
	ULWrite(sg [][]byte, aux []string, emit EmitFunc) (int, error)
	// LLWrite accepts bytes from the bottom. If buf is empty, it instead
	// drains any internal buffer into emit (emit writes to the user-facing
	// sink). Returns the number of input bytes consumed from buf.
	LLWrite(buf []byte, aux []string, emit EmitFunc) (int, error)

	// ULReadPending reports whether the filter holds decoded data the user
	// has not yet been offered.
	ULReadPending() bool
	// LLWritePending reports whether the filter holds encoded data the
	// lower layer has not yet been offered.
	LLWritePending() bool
	// LLReadNeeded reports whether the filter needs more transport input
	// to make progress.
	LLReadNeeded() bool

	// CheckOpenDone is the final gate after TryConnect reports ConnDone.
	// A non-nil error aborts the open.
	CheckOpenDone() error

	// Timeout is called under the endpoint lock when the filter's timer
	// fires.
	Timeout()

	// Setup is called once, before the open handshake begins, handing the
	// filter its callback into the base.
	Setup(cb FilterCallback) error
	// Cleanup is called once the lower layer has finished closing.
	Cleanup()
	// Free releases any resources the filter owns. Called at most once,
	// after Cleanup, when the endpoint is destroyed.
	Free()

	// Control gets or sets a filter-specific option.
	Control(get bool, option int, buf *[]byte) error
	// OpenChannel requests a new logical channel over this filter (e.g. a
	// multiplexed stream). Filters that do not support channels return
	// api.CodeNotSup.
	OpenChannel(args map[string]string, cb EventCB) (Endpoint, error)
}
