package api

// Event is the set of events an Endpoint delivers to its user callback.
type Event int

const (
	// EventRead carries received bytes, or a non-nil err with a nil buf.
	EventRead Event = iota
	// EventWriteReady signals the endpoint can accept more writes.
	EventWriteReady
	// EventNewChannel carries a newly allocated child Endpoint (e.g. a
	// multiplexed stream opened by the remote peer) in place of buf.
	EventNewChannel
	// EventDomainBase is the first value available to filter-specific
	// domain events (flow control, serial signals, authentication
	// requests). Concrete filters define their own constants starting
	// here.
	EventDomainBase = 1000
)

// EventCB is the user-facing event callback. For EventRead it returns the
// number of bytes consumed from buf; for other events the return value is
// ignored. data carries event-specific payload that doesn't fit buf/aux
// (e.g. the new child Endpoint for EventNewChannel); it is nil otherwise.
type EventCB func(ep Endpoint, ev Event, err error, buf []byte, aux []string, data interface{}) int

// OpenDoneFunc reports completion of an asynchronous Open.
type OpenDoneFunc func(err error)

// CloseDoneFunc reports completion of an asynchronous Close.
type CloseDoneFunc func()

// Endpoint is the user-facing, reference-counted I/O handle: the unit of
// open/close/read/write. It owns exactly one LowerLayer and zero or one
// Filter.
type Endpoint interface {
	// Open begins the open handshake. done is scheduled via the deferred
	// runner once the handshake completes or fails.
	Open(done OpenDoneFunc) error
	// OpenNoChild begins the open handshake without opening the lower
	// layer, for a lower layer the caller asserts is already connected.
	// Only the filter's handshake, if any, runs; done is scheduled the
	// same way Open's is.
	OpenNoChild(done OpenDoneFunc) error
	// Close begins the close handshake. done is scheduled via the
	// deferred runner once the lower layer and filter have finished
	// closing.
	Close(done CloseDoneFunc) error
	// Free releases the caller's reference. Freeing an open endpoint
	// implicitly closes it first.
	Free()

	// Write accepts bytes for transmission, forwarding them down through
	// the filter (if any) to the lower layer. Returns NOTREADY if the
	// endpoint is not open.
	Write(sg [][]byte, aux []string) (int, error)

	SetReadCallbackEnable(enable bool)
	SetWriteCallbackEnable(enable bool)

	// Control reaches depth layers down the stack (0 = this endpoint,
	// 1 = its lower layer/filter, and so on) to get or set an option.
	Control(depth int, get bool, option int, buf *[]byte) error

	// AllocChannel requests a new logical channel from the filter, if the
	// filter supports one (e.g. multiplexing).
	AllocChannel(args map[string]string, cb EventCB) (Endpoint, error)

	GetRaddr() ([]byte, error)
	RemoteID() (int, error)
}
