package stack

import (
	"github.com/eapache/queue"

	"github.com/corvidtech/iostack/api"
)

// oobSendDone reports that a queued out-of-band record has been fully
// written to the lower layer.
type oobSendDone func()

type oobRecord struct {
	data []byte
	pos  int
	done oobSendDone
}

// oobQueue is the FIFO described by the out-of-band send queue: a tool
// layer above the endpoint enqueues priority records, which the base
// drains ahead of ordinary write-ready traffic, one write per WRITE_READY,
// tagged "oob". Built on eapache/queue's ring buffer rather than a slice so
// a long-lived endpoint with bursty OOB traffic doesn't retain a large
// backing array between bursts.
type oobQueue struct {
	osf api.OSFuncs
	q   *queue.Queue
}

func newOOBQueue(osf api.OSFuncs) *oobQueue {
	return &oobQueue{osf: osf, q: queue.New()}
}

// Send enqueues data for priority delivery. done, if non-nil, fires via the
// deferred runner once data has been fully written — never synchronously,
// so a caller that sends from within a write-ready callback cannot be
// reentered.
func (o *oobQueue) Send(data []byte, done oobSendDone) {
	o.q.Add(&oobRecord{data: data, done: done})
}

func (o *oobQueue) pendingLocked() bool { return o.q.Length() > 0 }

// drainStepLocked writes as much of the queue head as the lower layer will
// accept. It reports whether it performed a write at all, so the caller
// knows whether to fall back to ordinary write-ready handling.
func (o *oobQueue) drainStepLocked(ll api.LowerLayer) bool {
	if o.q.Length() == 0 {
		return false
	}
	rec := o.q.Peek().(*oobRecord)
	n, err := ll.WriteSG([][]byte{rec.data[rec.pos:]}, []string{api.AuxOOB})
	if err != nil {
		o.q.Remove()
		return true
	}
	rec.pos += n
	if rec.pos >= len(rec.data) {
		o.q.Remove()
		if rec.done != nil {
			o.osf.RunDeferred(func() { rec.done() })
		}
	}
	return true
}
