package stack

import (
	"strconv"
	"testing"
	"time"

	"github.com/corvidtech/iostack/api"
)

func noopCB(ep api.Endpoint, ev api.Event, err error, buf []byte, aux []string, data interface{}) int {
	return 0
}

func TestWriteBeforeOpenReturnsNotReady(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	ep := New(osf, ll, noopCB)

	n, err := ep.Write([][]byte{[]byte("hi")}, nil)
	if n != 0 || !api.Is(err, api.CodeNotReady) {
		t.Fatalf("Write before open = (%d, %v), want (0, NOTREADY)", n, err)
	}
	if len(ll.writes) != 0 {
		t.Fatalf("expected no bytes to reach the lower layer, got %v", ll.writes)
	}
}

func TestSecondCloseReturnsNotReady(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	ep := New(osf, ll, noopCB)

	var openErr error
	openCalled := false
	if err := ep.Open(func(err error) { openCalled = true; openErr = err }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	osf.drain()
	if !openCalled || openErr != nil {
		t.Fatalf("open_done = (%v, %v), want (true, nil)", openCalled, openErr)
	}

	if err := ep.Close(func() {}); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	osf.drain()

	if err := ep.Close(func() {}); !api.Is(err, api.CodeNotReady) {
		t.Fatalf("second Close = %v, want NOTREADY", err)
	}
}

// TestCloseRacesOpen models scenario 4: a Close requested while the open
// handshake is still in flight cancels it. open_done fires CANCELLED, then
// close_done fires nil, and the lower layer sees exactly one Open and one
// Close call.
func TestCloseRacesOpen(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{asyncOpen: true}
	ep := New(osf, ll, noopCB)

	var events []string
	if err := ep.Open(func(err error) {
		if api.Is(err, api.CodeCancelled) {
			events = append(events, "open:CANCELLED")
		} else {
			events = append(events, "open:nil")
		}
	}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if ll.openCalls != 1 {
		t.Fatalf("openCalls = %d, want 1", ll.openCalls)
	}

	if err := ep.Close(func() { events = append(events, "close:nil") }); err != nil {
		t.Fatalf("Close: %v", err)
	}
	osf.drain()

	if ll.closeCalls != 1 {
		t.Fatalf("closeCalls = %d, want 1", ll.closeCalls)
	}
	if len(events) != 2 || events[0] != "open:CANCELLED" || events[1] != "close:nil" {
		t.Fatalf("events = %v, want [open:CANCELLED close:nil]", events)
	}
}

func TestSetReadCallbackEnableTwiceIsIdempotent(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	ep := New(osf, ll, noopCB)
	ep.Open(func(error) {})
	osf.drain()

	ep.SetReadCallbackEnable(true)
	ep.SetReadCallbackEnable(true)
	if !ll.readEnabled {
		t.Fatalf("expected read enabled after two enable calls")
	}
}

// TestOOBShortWriteCompletesOnce models scenario 5: a 100-byte OOB record
// delivered across two short WriteSG calls (40 then 60 bytes) fires its
// send-done callback exactly once, only after the final byte lands, and the
// two writes are not interleaved with any ordinary traffic.
func TestOOBShortWriteCompletesOnce(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{writeLimits: []int{40, 60}}
	ep := New(osf, ll, noopCB, WithOOBQueue())

	ep.Open(func(error) {})
	osf.drain()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	doneCalls := 0
	if err := ep.SendOOB(data, func() { doneCalls++ }); err != nil {
		t.Fatalf("SendOOB: %v", err)
	}

	ep.onLLEvent(api.LLEventWriteReady, nil, nil, nil)
	if doneCalls != 0 {
		t.Fatalf("send_done fired after partial write")
	}
	ep.onLLEvent(api.LLEventWriteReady, nil, nil, nil)
	osf.drain()

	if doneCalls != 1 {
		t.Fatalf("doneCalls = %d, want 1", doneCalls)
	}
	if len(ll.writes) != 2 || len(ll.writes[0]) != 40 || len(ll.writes[1]) != 60 {
		t.Fatalf("writes = %v, want two chunks of 40 and 60 bytes", ll.writes)
	}
	want := append(append([]byte{}, ll.writes[0]...), ll.writes[1]...)
	for i := range data {
		if want[i] != data[i] {
			t.Fatalf("reassembled write does not match original data at byte %d", i)
		}
	}
}

// TestHappyOpenCloseDeliversExactlyOneOfEach checks the ordinary (no-race,
// no-filter) open/close path: open_done precedes close_done, and each fires
// exactly once.
func TestHappyOpenCloseDeliversExactlyOneOfEach(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	ep := New(osf, ll, noopCB)

	openFires, closeFires := 0, 0
	if err := ep.Open(func(err error) { openFires++ }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	osf.drain()
	if openFires != 1 {
		t.Fatalf("openFires = %d, want 1", openFires)
	}

	if err := ep.Close(func() { closeFires++ }); err != nil {
		t.Fatalf("Close: %v", err)
	}
	osf.drain()
	if closeFires != 1 {
		t.Fatalf("closeFires = %d, want 1", closeFires)
	}
	if ll.openCalls != 1 || ll.closeCalls != 1 {
		t.Fatalf("ll saw %d opens, %d closes, want 1 and 1", ll.openCalls, ll.closeCalls)
	}
}

// TestReadOnlyDeliveredWhileOpenAndEnabled checks that a read event is
// dropped (not delivered to the user callback) unless the endpoint is fully
// open and the caller has enabled reads.
func TestReadOnlyDeliveredWhileOpenAndEnabled(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	delivered := 0
	cb := func(ep api.Endpoint, ev api.Event, err error, buf []byte, aux []string, data interface{}) int {
		if ev == api.EventRead {
			delivered++
		}
		return len(buf)
	}
	ep := New(osf, ll, cb)

	// Not open yet: read must be dropped.
	ep.onLLEvent(api.LLEventRead, nil, []byte("x"), nil)
	if delivered != 0 {
		t.Fatalf("delivered a read before open")
	}

	ep.Open(func(error) {})
	osf.drain()

	// Open but reads not enabled: still dropped.
	ep.onLLEvent(api.LLEventRead, nil, []byte("x"), nil)
	if delivered != 0 {
		t.Fatalf("delivered a read while disabled")
	}

	ep.SetReadCallbackEnable(true)
	ep.onLLEvent(api.LLEventRead, nil, []byte("x"), nil)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 once enabled and open", delivered)
	}
}

// TestFilterEmitReentrantWriteDoesNotDeadlock drives a read through a filter
// that hands its decoded bytes to the user straight out of LLWrite, the same
// way msgdelim delivers a frame the moment it sees one. The user callback
// calls back into the endpoint (Write) from inside that up-call, which must
// not deadlock on e.lk: handleLLRead holds the lock across the whole
// filter.LLWrite call, so llWriteEmit has to drop it for exactly the
// duration of the user callback and pick it back up afterward.
func TestFilterEmitReentrantWriteDoesNotDeadlock(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	filter := &fakeFilter{emitOnLLWrite: true, connResults: []api.ConnResult{api.ConnDone}}

	var gotRead []byte
	var reentrantN int
	var reentrantErr error
	cb := func(ep api.Endpoint, ev api.Event, err error, buf []byte, aux []string, data interface{}) int {
		if ev == api.EventRead {
			gotRead = append([]byte{}, buf...)
			reentrantN, reentrantErr = ep.Write([][]byte{[]byte("ack")}, nil)
		}
		return len(buf)
	}
	ep := New(osf, ll, cb, WithFilter(filter))

	if err := ep.Open(func(error) {}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	osf.drain()
	ep.SetReadCallbackEnable(true)

	done := make(chan struct{})
	go func() {
		ep.onLLEvent(api.LLEventRead, nil, []byte("hello"), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onLLEvent did not return, filter up-call deadlocked on e.lk")
	}

	if string(gotRead) != "hello" {
		t.Fatalf("gotRead = %q, want %q", gotRead, "hello")
	}
	if reentrantErr != nil || reentrantN != len("ack") {
		t.Fatalf("reentrant Write = (%d, %v), want (%d, nil)", reentrantN, reentrantErr, len("ack"))
	}
	if len(ll.writes) != 1 || string(ll.writes[0]) != "ack" {
		t.Fatalf("ll.writes = %v, want [ack]", ll.writes)
	}
}

// TestHandshakeTimeoutAbortsOpenWithTimedOut models scenario 3: a filter
// stuck in ConnInProgress past the configured handshake ceiling fails the
// open with TIMEDOUT and the lower layer is closed as part of aborting it.
func TestHandshakeTimeoutAbortsOpenWithTimedOut(t *testing.T) {
	osf := newFakeOSFuncs()
	ll := &fakeLL{}
	filter := &fakeFilter{connResults: []api.ConnResult{api.ConnInProgress}}
	ep := New(osf, ll, noopCB, WithFilter(filter))

	buf := []byte(strconv.FormatInt(-int64(time.Second), 10))
	if err := ep.Control(0, false, api.ControlOptOpenTimeout, &buf); err != nil {
		t.Fatalf("Control set open timeout: %v", err)
	}

	var openErr error
	if err := ep.Open(func(err error) { openErr = err }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	osf.drain()

	if !api.Is(openErr, api.CodeTimedOut) {
		t.Fatalf("open_done = %v, want TIMEDOUT", openErr)
	}
	if ll.closeCalls != 1 {
		t.Fatalf("closeCalls = %d, want 1", ll.closeCalls)
	}
	if filter.closeCalls != 1 {
		t.Fatalf("filter Cleanup calls = %d, want 1", filter.closeCalls)
	}
}
