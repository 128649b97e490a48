package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFDQueueFIFO(t *testing.T) {
	var q FDQueue

	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on empty queue should fail")
	}

	q.Enqueue(3)
	q.Enqueue(4)
	q.Enqueue(5)

	if q.Len() != 3 {
		t.Fatalf("expected 3 queued fds, got %d", q.Len())
	}

	for _, want := range []int{3, 4, 5} {
		fd, ok := q.Dequeue()
		if !ok || fd != want {
			t.Fatalf("expected fd %d, got %d (ok=%v)", want, fd, ok)
		}
	}
}

func TestFDQueueReturnToFront(t *testing.T) {
	var q FDQueue
	q.Enqueue(10)
	q.Enqueue(11)

	q.ReturnToFront(7, 8)

	for _, want := range []int{7, 8, 10, 11} {
		fd, ok := q.Dequeue()
		if !ok || fd != want {
			t.Fatalf("expected fd %d, got %d (ok=%v)", want, fd, ok)
		}
	}
}

func TestAcknowledgementRoundTrip(t *testing.T) {
	ack := &Acknowledgement{Magic: 0xAABBCCDD, Count: 7}

	buffer, err := ack.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(buffer.Fds) != 0 {
		t.Fatalf("acknowledgement should carry no fds, got %d", len(buffer.Fds))
	}

	magic, id, payload, err := splitMessageHeader(buffer.Data)
	if err != nil {
		t.Fatalf("split header failed: %v", err)
	}
	if magic != ack.Magic {
		t.Errorf("magic mismatch: got %#x", magic)
	}
	if id != MessageIDAcknowledgement {
		t.Errorf("id mismatch: got %#x", id)
	}

	decoded, err := decodeAcknowledgement(magic, payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Count != 7 {
		t.Errorf("count mismatch: got %d", decoded.Count)
	}
}

func TestDecodeAcknowledgementBadPayload(t *testing.T) {
	if _, err := decodeAcknowledgement(1, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestLargeMessageWrapperRoundTrip(t *testing.T) {
	inner := appendMessageHeader(nil, 0x11111111, 42)
	inner = append(inner, bytes.Repeat([]byte{0xAB}, 100)...)

	buffer, err := wrapLargeMessage(0x11111111, MessageBuffer{Data: inner, Fds: []int{7, 8}})
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if len(buffer.Fds) != 2 {
		t.Fatalf("wrapper buffer should carry the inner fds, got %d", len(buffer.Fds))
	}

	magic, id, payload, err := splitMessageHeader(buffer.Data)
	if err != nil {
		t.Fatalf("split header failed: %v", err)
	}
	if id != MessageIDLargeMessageWrapper {
		t.Fatalf("id mismatch: got %#x", id)
	}

	// The receiving side would have enqueued the frame's fds already.
	var fds FDQueue
	fds.Enqueue(7)
	fds.Enqueue(8)
	fds.Enqueue(99) // belongs to a later message

	wrapper, err := decodeLargeMessageWrapper(magic, payload, &fds)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(wrapper.Wrapped, inner) {
		t.Error("wrapped bytes mismatch")
	}
	if len(wrapper.Fds) != 2 || wrapper.Fds[0] != 7 || wrapper.Fds[1] != 8 {
		t.Errorf("wrapper fds mismatch: %v", wrapper.Fds)
	}
	if fds.Len() != 1 {
		t.Errorf("queue should retain the unrelated fd, has %d", fds.Len())
	}
}

func TestLargeMessageWrapperFdShortage(t *testing.T) {
	inner := appendMessageHeader(nil, 1, 42)
	buffer, err := wrapLargeMessage(1, MessageBuffer{Data: inner, Fds: []int{7, 8}})
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	_, _, payload, err := splitMessageHeader(buffer.Data)
	if err != nil {
		t.Fatalf("split header failed: %v", err)
	}

	var fds FDQueue
	fds.Enqueue(7)

	if _, err := decodeLargeMessageWrapper(1, payload, &fds); err == nil {
		t.Fatal("expected error when the queue runs out of fds")
	}
	// The claimed fd must be back at the front.
	if fd, ok := fds.Dequeue(); !ok || fd != 7 {
		t.Errorf("queue not restored, got %d (ok=%v)", fd, ok)
	}
}

func TestLargeMessageWrapperLengthMismatch(t *testing.T) {
	// Zero fds, but a wrapped length that disagrees with the payload.
	payload := binary.LittleEndian.AppendUint32(nil, 0)
	payload = binary.LittleEndian.AppendUint32(payload, 50)
	payload = append(payload, make([]byte, 10)...)

	var fds FDQueue
	if _, err := decodeLargeMessageWrapper(1, payload, &fds); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestSplitMessageHeaderShort(t *testing.T) {
	if _, _, _, err := splitMessageHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}
