package msgdelim

import (
	"bytes"
	"testing"

	"github.com/corvidtech/iostack/api"
)

// collectEmit is an api.EmitFunc that records every chunk it was offered,
// always reporting a full-consumption write.
func collectEmit(out *[][]byte) api.EmitFunc {
	return func(sg [][]byte, aux []string) (int, error) {
		buf := joinSG(sg)
		*out = append(*out, append([]byte{}, buf...))
		return len(buf), nil
	}
}

func TestULWriteThenLLWriteRoundTrips(t *testing.T) {
	enc := New()
	dec := New()

	msg := []byte("hello, world")
	var wire [][]byte
	n, err := enc.ULWrite([][]byte{msg}, nil, collectEmit(&wire))
	if err != nil || n != len(msg) {
		t.Fatalf("ULWrite = (%d, %v), want (%d, nil)", n, err, len(msg))
	}
	if len(wire) != 1 {
		t.Fatalf("expected exactly one encoded frame, got %d", len(wire))
	}

	var decoded [][]byte
	if _, err := dec.LLWrite(wire[0], nil, collectEmit(&decoded)); err != nil {
		t.Fatalf("LLWrite: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0], msg) {
		t.Fatalf("decoded = %v, want [%q]", decoded, msg)
	}
}

// TestLLWriteDeliversTwoSeparateMessagesInOrder models scenario 1: two
// distinct messages framed back to back arrive as two separate read events,
// in order, with no merging or splitting across the delimiter.
func TestLLWriteDeliversTwoSeparateMessagesInOrder(t *testing.T) {
	enc := New()
	dec := New()

	first, second := []byte("first"), []byte("second")
	var wire [][]byte
	enc.ULWrite([][]byte{first}, nil, collectEmit(&wire))
	enc.ULWrite([][]byte{second}, nil, collectEmit(&wire))

	stream := append(append([]byte{}, wire[0]...), wire[1]...)

	var decoded [][]byte
	if _, err := dec.LLWrite(stream, nil, collectEmit(&decoded)); err != nil {
		t.Fatalf("LLWrite: %v", err)
	}
	if len(decoded) != 2 || !bytes.Equal(decoded[0], first) || !bytes.Equal(decoded[1], second) {
		t.Fatalf("decoded = %v, want [%q %q]", decoded, first, second)
	}
}

func TestLLWriteEscapesDelimiterBytes(t *testing.T) {
	enc := New()
	dec := New()

	msg := []byte{0xc0, 0xdb, 0x01, 0xc0}
	var wire [][]byte
	enc.ULWrite([][]byte{msg}, nil, collectEmit(&wire))

	var decoded [][]byte
	if _, err := dec.LLWrite(wire[0], nil, collectEmit(&decoded)); err != nil {
		t.Fatalf("LLWrite: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0], msg) {
		t.Fatalf("decoded = %v, want [%v]", decoded, msg)
	}
}

// TestShortConsumeReoffersRemainderOnNextDrain checks that a partial
// consumption by emit leaves the unread suffix queued rather than dropping
// it: draining again (via an empty-sg LLWrite) delivers the rest.
func TestShortConsumeReoffersRemainderOnNextDrain(t *testing.T) {
	enc := New()
	dec := New()

	msg := []byte("the quick brown fox")
	var wire [][]byte
	enc.ULWrite([][]byte{msg}, nil, collectEmit(&wire))

	calls := 0
	var decoded [][]byte
	shortThenFull := func(sg [][]byte, aux []string) (int, error) {
		buf := joinSG(sg)
		calls++
		if calls == 1 {
			return 0, nil // refuse the first offer entirely
		}
		decoded = append(decoded, append([]byte{}, buf...))
		return len(buf), nil
	}

	if _, err := dec.LLWrite(wire[0], nil, shortThenFull); err != nil {
		t.Fatalf("LLWrite: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no delivery on refused offer, got %v", decoded)
	}
	if !dec.ULReadPending() {
		t.Fatalf("expected the undelivered frame to remain queued")
	}

	if _, err := dec.LLWrite(nil, nil, shortThenFull); err != nil {
		t.Fatalf("drain LLWrite: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0], msg) {
		t.Fatalf("decoded = %v, want [%q]", decoded, msg)
	}
	if dec.ULReadPending() {
		t.Fatalf("expected queue empty after full delivery")
	}
}

func TestLLReadNeededFalseOncePacketQueueIsFull(t *testing.T) {
	dec := New()
	rejectEmit := func(sg [][]byte, aux []string) (int, error) { return 0, nil }

	for i := 0; i < MaxQueuedPackets; i++ {
		dec.LLWrite(append([]byte("x"), frameEnd), nil, rejectEmit)
	}
	if dec.LLReadNeeded() {
		t.Fatalf("expected LLReadNeeded to be false once the queue is full")
	}
}
