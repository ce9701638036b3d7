// Package msgdelim is a framing filter that turns a byte stream into
// discrete messages using escaped end-of-frame delimiters, the way a
// packet-oriented gensio filter turns a stream gensio into a packet one.
package msgdelim

import "github.com/corvidtech/iostack/api"

const (
	frameEnd byte = 0xc0
	frameEsc byte = 0xdb
	escEnd   byte = 0xdc
	escEsc   byte = 0xdd
)

// MaxQueuedPackets caps how many fully decoded packets the filter will
// hold before it stops asserting LLReadNeeded, giving the base a
// back-pressure signal instead of growing the queue without bound.
const MaxQueuedPackets = 64

// Filter is the concrete api.Filter. It has no handshake: try_connect and
// try_disconnect both complete on the first call.
type Filter struct {
	cb api.FilterCallback

	curFrame []byte
	inEscape bool
	pendingIn [][]byte

	pendingOut []byte
}

// New constructs an unopened msgdelim filter.
func New() *Filter { return &Filter{} }

func (f *Filter) Setup(cb api.FilterCallback) error {
	f.cb = cb
	return nil
}

func (f *Filter) Cleanup() {
	f.curFrame = nil
	f.inEscape = false
	f.pendingIn = nil
	f.pendingOut = nil
}

func (f *Filter) Free() {}

func (f *Filter) TryConnect(deadline *int64) (api.ConnResult, error) {
	return api.ConnDone, nil
}

func (f *Filter) TryDisconnect(deadline *int64) (api.ConnResult, error) {
	return api.ConnDone, nil
}

func (f *Filter) CheckOpenDone() error { return nil }

func (f *Filter) Timeout() {}

// ULWrite encodes one user packet per call. A call made while a previous
// packet is still draining to the lower layer is rejected (0, nil); the
// caller is expected to retry once LLWritePending clears.
func (f *Filter) ULWrite(sg [][]byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(sg) == 0 {
		return 0, f.drainOutLocked(emit, aux)
	}
	if len(f.pendingOut) > 0 {
		return 0, nil
	}
	data := joinSG(sg)
	encoded := encodeFrame(data)
	n, err := emit([][]byte{encoded}, aux)
	if err != nil {
		return 0, err
	}
	if n < len(encoded) {
		f.pendingOut = encoded[n:]
	}
	return len(data), nil
}

func (f *Filter) drainOutLocked(emit api.EmitFunc, aux []string) error {
	if len(f.pendingOut) == 0 {
		return nil
	}
	n, err := emit([][]byte{f.pendingOut}, aux)
	if err != nil {
		return err
	}
	f.pendingOut = f.pendingOut[n:]
	return nil
}

// LLWrite decodes as many complete frames as buf contains, queueing them,
// then offers the queued packets to emit in order. It always consumes all
// of buf. A frame that completes while MaxQueuedPackets packets are already
// queued is discarded, and so is a partial frame that hits an invalid
// escape sequence.
func (f *Filter) LLWrite(buf []byte, aux []string, emit api.EmitFunc) (int, error) {
	if len(buf) == 0 {
		return 0, f.drainInLocked(emit, aux)
	}
	for _, b := range buf {
		if f.inEscape {
			f.inEscape = false
			switch b {
			case escEnd:
				f.curFrame = append(f.curFrame, frameEnd)
			case escEsc:
				f.curFrame = append(f.curFrame, frameEsc)
			default:
				f.curFrame = f.curFrame[:0]
			}
			continue
		}
		switch b {
		case frameEsc:
			f.inEscape = true
		case frameEnd:
			if len(f.curFrame) > 0 && len(f.pendingIn) < MaxQueuedPackets {
				pkt := make([]byte, len(f.curFrame))
				copy(pkt, f.curFrame)
				f.pendingIn = append(f.pendingIn, pkt)
			}
			f.curFrame = f.curFrame[:0]
		default:
			f.curFrame = append(f.curFrame, b)
		}
	}
	return len(buf), f.drainInLocked(emit, aux)
}

func (f *Filter) drainInLocked(emit api.EmitFunc, aux []string) error {
	for len(f.pendingIn) > 0 {
		pkt := f.pendingIn[0]
		n, err := emit([][]byte{pkt}, aux)
		if err != nil {
			return err
		}
		if n < len(pkt) {
			f.pendingIn[0] = pkt[n:]
			return nil
		}
		f.pendingIn = f.pendingIn[1:]
	}
	return nil
}

func (f *Filter) ULReadPending() bool  { return len(f.pendingIn) > 0 }
func (f *Filter) LLWritePending() bool { return len(f.pendingOut) > 0 }
func (f *Filter) LLReadNeeded() bool   { return len(f.pendingIn) < MaxQueuedPackets }

func (f *Filter) Control(get bool, option int, buf *[]byte) error {
	return api.NewError("msgdelim.Control", api.CodeNotSup, nil)
}

func (f *Filter) OpenChannel(args map[string]string, cb api.EventCB) (api.Endpoint, error) {
	return nil, api.NewError("msgdelim.OpenChannel", api.CodeNotSup, nil)
}

func encodeFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	for _, b := range data {
		switch b {
		case frameEnd:
			out = append(out, frameEsc, escEnd)
		case frameEsc:
			out = append(out, frameEsc, escEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, frameEnd)
	return out
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
