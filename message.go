package ipc

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Reserved message IDs, defined on every endpoint. They live at the top of
// the u32 space so generated endpoint IDs never collide with them.
const (
	// MessageIDAcknowledgement identifies the flow-control acknowledgement
	// message carrying the number of peer messages parsed so far.
	MessageIDAcknowledgement = 0xFFFFFFFF
	// MessageIDLargeMessageWrapper identifies the envelope wrapping one
	// message whose encoded size exceeds SocketBufferSize.
	MessageIDLargeMessageWrapper = 0xFFFFFFFE
)

// messageHeaderSize is the fixed prefix of every message body:
// u32 endpoint magic followed by u32 message ID, both little-endian.
const messageHeaderSize = 8

// Message is one typed IPC message. Generated endpoint code provides
// concrete implementations; the connection core only looks at the endpoint
// magic and the message ID.
type Message interface {
	// EndpointMagic returns the 32-bit tag of the endpoint namespace this
	// message belongs to.
	EndpointMagic() uint32
	// MessageID returns the message's numeric ID within its endpoint.
	MessageID() uint32
	// Encode serializes the message. The returned buffer's Data must begin
	// with the endpoint magic and message ID header.
	Encode() (MessageBuffer, error)
}

// MessageBuffer is an encoded message: the wire bytes plus the file
// descriptors that ride out-of-band with them.
type MessageBuffer struct {
	Data []byte
	Fds  []int
}

// Codec decodes application messages. The connection core strips the frame,
// recognizes acknowledgements and large-message wrappers itself, and hands
// everything else to the codec with the header already split off. A decoder
// that needs descriptors pops them from the queue in FIFO order.
type Codec interface {
	Decode(endpointMagic uint32, messageID uint32, payload []byte, fds *FDQueue) (Message, error)
}

// Stub is the application-supplied handler for messages addressed to the
// local endpoint. A non-nil reply is posted back to the peer.
type Stub interface {
	Handle(message Message) (Message, error)
}

// FDQueue is the FIFO of received file descriptors awaiting consumption by
// message decoders. It is owned by the connection's event loop and needs no
// locking.
type FDQueue struct {
	fds []int
}

// Enqueue appends a received descriptor to the back of the queue.
func (q *FDQueue) Enqueue(fd int) {
	q.fds = append(q.fds, fd)
}

// Dequeue pops the oldest descriptor. It returns false when the queue is
// empty, which a decoder should treat as a malformed message.
func (q *FDQueue) Dequeue() (int, bool) {
	if len(q.fds) == 0 {
		return -1, false
	}
	fd := q.fds[0]
	q.fds = q.fds[1:]
	return fd, true
}

// ReturnToFront pushes descriptors back onto the front of the queue in
// order, so the next Dequeue returns fds[0]. Used when a large-message
// wrapper's descriptors must be replayed to the wrapped message's decoder.
func (q *FDQueue) ReturnToFront(fds ...int) {
	if len(fds) == 0 {
		return
	}
	q.fds = append(append(make([]int, 0, len(fds)+len(q.fds)), fds...), q.fds...)
}

// Len returns the number of queued descriptors.
func (q *FDQueue) Len() int {
	return len(q.fds)
}

// appendMessageHeader appends the endpoint magic and message ID prefix.
func appendMessageHeader(data []byte, endpointMagic, messageID uint32) []byte {
	data = binary.LittleEndian.AppendUint32(data, endpointMagic)
	return binary.LittleEndian.AppendUint32(data, messageID)
}

// splitMessageHeader reads the header off an encoded message body.
func splitMessageHeader(data []byte) (endpointMagic, messageID uint32, payload []byte, err error) {
	if len(data) < messageHeaderSize {
		return 0, 0, nil, errors.Errorf("message too short for header: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data), binary.LittleEndian.Uint32(data[4:]), data[messageHeaderSize:], nil
}

// Acknowledgement reports how many prior peer messages have been parsed.
// It is sent on the peer's endpoint magic and never requests an
// acknowledgement itself.
type Acknowledgement struct {
	Magic uint32
	Count uint32
}

func (a *Acknowledgement) EndpointMagic() uint32 { return a.Magic }

func (a *Acknowledgement) MessageID() uint32 { return MessageIDAcknowledgement }

func (a *Acknowledgement) Encode() (MessageBuffer, error) {
	data := appendMessageHeader(make([]byte, 0, messageHeaderSize+4), a.Magic, MessageIDAcknowledgement)
	data = binary.LittleEndian.AppendUint32(data, a.Count)
	return MessageBuffer{Data: data}, nil
}

func decodeAcknowledgement(endpointMagic uint32, payload []byte) (*Acknowledgement, error) {
	if len(payload) != 4 {
		return nil, errors.Errorf("acknowledgement payload must be 4 bytes, got %d", len(payload))
	}
	return &Acknowledgement{Magic: endpointMagic, Count: binary.LittleEndian.Uint32(payload)}, nil
}

// LargeMessageWrapper envelopes one message whose encoded size exceeds
// SocketBufferSize. The wrapper takes over the wrapped message's descriptors;
// its payload records how many so the receiver can claim exactly those from
// the descriptor FIFO and replay them to the inner decoder.
type LargeMessageWrapper struct {
	Magic   uint32
	Wrapped []byte
	Fds     []int
}

func (w *LargeMessageWrapper) EndpointMagic() uint32 { return w.Magic }

func (w *LargeMessageWrapper) MessageID() uint32 { return MessageIDLargeMessageWrapper }

func (w *LargeMessageWrapper) Encode() (MessageBuffer, error) {
	data := appendMessageHeader(make([]byte, 0, messageHeaderSize+8+len(w.Wrapped)), w.Magic, MessageIDLargeMessageWrapper)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(w.Fds)))
	data = binary.LittleEndian.AppendUint32(data, uint32(len(w.Wrapped)))
	data = append(data, w.Wrapped...)
	return MessageBuffer{Data: data, Fds: w.Fds}, nil
}

// wrapLargeMessage envelopes an oversized encoded message. The wrapper's
// buffer carries the original descriptors.
func wrapLargeMessage(endpointMagic uint32, buffer MessageBuffer) (MessageBuffer, error) {
	wrapper := &LargeMessageWrapper{Magic: endpointMagic, Wrapped: buffer.Data, Fds: buffer.Fds}
	return wrapper.Encode()
}

// decodeLargeMessageWrapper parses a wrapper payload and claims its
// descriptors from the queue.
func decodeLargeMessageWrapper(endpointMagic uint32, payload []byte, fds *FDQueue) (*LargeMessageWrapper, error) {
	if len(payload) < 8 {
		return nil, errors.Errorf("large message wrapper payload too short: %d bytes", len(payload))
	}
	fdCount := binary.LittleEndian.Uint32(payload)
	wrappedLen := binary.LittleEndian.Uint32(payload[4:])
	if uint32(len(payload)-8) != wrappedLen {
		return nil, errors.Errorf("large message wrapper length mismatch: header says %d, have %d", wrappedLen, len(payload)-8)
	}
	wrapper := &LargeMessageWrapper{Magic: endpointMagic, Wrapped: payload[8:]}
	for i := uint32(0); i < fdCount; i++ {
		fd, ok := fds.Dequeue()
		if !ok {
			fds.ReturnToFront(wrapper.Fds...)
			return nil, errors.Errorf("large message wrapper wants %d fds, ran out after %d", fdCount, i)
		}
		wrapper.Fds = append(wrapper.Fds, fd)
	}
	return wrapper, nil
}
