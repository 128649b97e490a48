// Package ipc implements the connection core of a bidirectional,
// message-oriented IPC subsystem for cooperating processes on one host.
// It multiplexes typed messages and file descriptors over a unix stream
// socket, providing framing, acknowledgement-based flow control,
// asynchronous send, synchronous request/reply, liveness monitoring and
// oversize-message wrapping. Message encoding and dispatch belong to the
// application's endpoint stubs behind the Codec and Stub interfaces.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidStub is returned when no stub is provided.
	ErrInvalidStub = errors.New("invalid stub")
	// ErrShutdownInProgress is returned when posting on a closed connection.
	ErrShutdownInProgress = errors.New("shutdown in progress")
	// ErrPeerEOF is returned when the peer closed its end of the transport.
	ErrPeerEOF = errors.New("ipc connection EOF")
)

// Conn is one endpoint of an IPC connection.
//
// Concurrency model:
//   - A dedicated sender goroutine is the sole writer of the transport.
//     It drains the send queue; producers on any goroutine only enqueue.
//   - A dedicated event-loop goroutine is the sole reader. It owns the
//     partial-frame residue, the received-descriptor FIFO and the queue of
//     parsed-but-undispatched messages, so none of those need locking.
//   - A watcher goroutine polls the socket and wakes the event loop; it
//     never touches connection state.
//   - Message dispatch is deferred onto the event loop rather than run
//     inside the drain, so a synchronous wait that pumps reads itself never
//     reenters handlers mid-parse.
//
// Frames posted from one goroutine reach the peer in post order; across
// goroutines, order is the arrival order at the send-queue mutex. Inbound
// dispatch order equals peer send order.
type Conn struct {
	transport *Transport
	stub      Stub
	codec     Codec
	logger    Logger
	opts      options

	localMagic uint32
	peerMagic  uint32

	sendQueue *sendQueue
	ackQueue  *ackWaitQueue

	tasks    *taskQueue
	readable chan struct{}
	drained  chan struct{}

	// Event-loop state. Only the loop goroutine touches these.
	unprocessedBytes    []byte
	unprocessedFds      FDQueue
	unprocessedMessages []Message

	timer *responsivenessTimer

	dieOnce sync.Once
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewConn creates a connection over an already-connected transport and
// starts its sender, event-loop and watcher goroutines. localMagic tags the
// endpoint the stub handles; peerMagic tags the endpoint this side sends on.
// Returns an error if required options (codec) or arguments are missing.
func NewConn(transport *Transport, stub Stub, localMagic, peerMagic uint32, opt ...Option) (*Conn, error) {
	if stub == nil {
		return nil, ErrInvalidStub
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Conn{
		transport:  transport,
		stub:       stub,
		codec:      opts.codec,
		logger:     opts.logger,
		opts:       opts,
		localMagic: localMagic,
		peerMagic:  peerMagic,
		sendQueue:  newSendQueue(),
		ackQueue:   &ackWaitQueue{},
		tasks:      newTaskQueue(),
		readable:   make(chan struct{}, 1),
		drained:    make(chan struct{}, 1),
	}

	c.timer = &responsivenessTimer{
		period: opts.unresponsiveTimeout,
		fire: func() {
			c.deferredInvoke(func() {
				if c.IsOpen() {
					c.opts.onUnresponsive()
				}
			})
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	group.Go(c.sendLoop)
	group.Go(func() error { return c.loop(gctx) })
	group.Go(func() error { return c.watchReadable(gctx) })

	return c, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.unresponsiveTimeout <= 0 {
		opts.unresponsiveTimeout = defaultUnresponsiveTimeout
	}
	if opts.onDie == nil {
		opts.onDie = func() {}
	}
	if opts.onResponsive == nil {
		opts.onResponsive = func() {}
	}
	if opts.onUnresponsive == nil {
		logger := opts.logger
		opts.onUnresponsive = func() {
			logger.Warn("peer may have become unresponsive")
		}
	}
	return nil
}

// IsOpen reports whether the connection can still post messages.
func (c *Conn) IsOpen() bool {
	return c.transport.IsOpen()
}

// PostMessage encodes the message and queues it for transmission with
// acknowledgement tracking. It returns without waiting for the transfer.
func (c *Conn) PostMessage(message Message) error {
	buffer, err := message.Encode()
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return c.PostBuffer(message.EndpointMagic(), buffer, true)
}

// PostBuffer queues an already-encoded message for transmission. Oversized
// buffers are re-encoded inside a LargeMessageWrapper, which takes over the
// buffer's descriptors. Returns ErrShutdownInProgress on a closed connection.
func (c *Conn) PostBuffer(endpointMagic uint32, buffer MessageBuffer, needsAck bool) error {
	// The socket closes before the connection is released; don't queue
	// messages that can never be sent.
	if !c.transport.IsOpen() {
		return ErrShutdownInProgress
	}

	if len(buffer.Data) > SocketBufferSize {
		wrapped, err := wrapLargeMessage(endpointMagic, buffer)
		if err != nil {
			return errors.Wrap(err, "wrap large message")
		}
		buffer = wrapped
	}

	c.sendQueue.push(sendItem{buffer: buffer, needsAck: needsAck})
	c.timer.start()
	return nil
}

// WaitForSpecificEndpointMessage blocks until a message with the given
// endpoint magic and message ID arrives, removing it from the unprocessed
// queue and returning it. Unrelated messages keep accumulating and are
// dispatched by the event loop afterwards. Returns nil once the connection
// is closed. Must not be called from inside a stub handler.
func (c *Conn) WaitForSpecificEndpointMessage(endpointMagic, messageID uint32) Message {
	result := make(chan Message, 1)
	c.deferredInvoke(func() {
		result <- c.waitForSpecificEndpointMessage(endpointMagic, messageID)
	})
	return <-result
}

// waitForSpecificEndpointMessage runs on the event loop and blocks it,
// pumping reads directly until the wanted message shows up.
func (c *Conn) waitForSpecificEndpointMessage(endpointMagic, messageID uint32) Message {
	for {
		// Check the backlog first; the message may already be waiting.
		for i, message := range c.unprocessedMessages {
			if message.EndpointMagic() != endpointMagic {
				continue
			}
			if message.MessageID() == messageID {
				c.unprocessedMessages = append(c.unprocessedMessages[:i], c.unprocessedMessages[i+1:]...)
				return message
			}
		}

		if !c.IsOpen() {
			return nil
		}

		if err := c.transport.WaitUntilReadable(); err != nil {
			return nil
		}
		if err := c.drainMessagesFromPeer(); err != nil {
			return nil
		}
	}
}

// Shutdown closes the transport, stops the sender and fires the die hook.
// Idempotent; the hook runs exactly once.
func (c *Conn) Shutdown() {
	c.dieOnce.Do(func() {
		c.logger.Info("connection shut down")
		_ = c.transport.Close()
		c.sendQueue.stop()
		c.timer.stop()
		c.cancel()
		c.opts.onDie()
	})
}

// ShutdownWithError logs the error, then shuts down.
func (c *Conn) ShutdownWithError(err error) {
	c.logger.Error("connection had an error, disconnecting", "error", err)
	c.Shutdown()
}

// Wait blocks until the connection's goroutines have exited. Useful for
// owners that want to join after Shutdown.
func (c *Conn) Wait() error {
	return c.group.Wait()
}

// deferredInvoke schedules fn on the event loop. Once the loop has exited,
// fn runs inline on the caller; deferred work against a torn-down
// connection is written to be a safe no-op.
func (c *Conn) deferredInvoke(fn func()) {
	if !c.tasks.post(fn) {
		fn()
	}
}

// sendLoop is the sender goroutine: the sole writer of the transport.
func (c *Conn) sendLoop() error {
	for {
		item, ok := c.sendQueue.popBlocking()
		if !ok {
			return nil
		}

		// Track before transmitting so an acknowledgement racing the
		// transfer always finds the entry.
		if item.needsAck {
			c.ackQueue.append(item.buffer)
		}

		if err := c.transport.WriteFrame(item.buffer); err != nil {
			// Not fatal here: the peer either recovers or the receiver
			// tears the connection down on EOF.
			c.logger.Error("send: transfer failed", "error", err)
			continue
		}
	}
}

// loop is the event-loop goroutine. It runs deferred tasks and drains the
// transport when the watcher reports it readable.
func (c *Conn) loop(ctx context.Context) error {
	for {
		select {
		case <-c.tasks.signal:
			for _, fn := range c.tasks.take() {
				fn()
			}
		case <-c.readable:
			if err := c.drainMessagesFromPeer(); err != nil {
				c.logger.Debug("drain failed", "error", err)
			}
		case <-ctx.Done():
			// Remaining deferred tasks still run; against a torn-down
			// connection they are no-ops.
			for _, fn := range c.tasks.stop() {
				fn()
			}
			return nil
		}
	}
}

// watchReadable polls the transport and wakes the event loop, waiting for
// each drain to finish before polling again.
func (c *Conn) watchReadable(ctx context.Context) error {
	for {
		if err := c.transport.WaitUntilReadable(); err != nil {
			return nil
		}
		select {
		case c.readable <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		select {
		case <-c.drained:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) notifyDrained() {
	select {
	case c.drained <- struct{}{}:
	default:
	}
}

// readFromTransport reads everything currently available, prepending any
// partial-frame residue from the previous drain. Received descriptors go
// into the descriptor FIFO before any parse attempt. On EOF a deferred
// shutdown is scheduled so the current drain completes first.
func (c *Conn) readFromTransport() ([]byte, error) {
	var bytes []byte
	if len(c.unprocessedBytes) > 0 {
		bytes = c.unprocessedBytes
		c.unprocessedBytes = nil
	}

	eof := false
	newBytes, fds, err := c.transport.ReadNonblocking(func() {
		eof = true
		c.deferredInvoke(c.Shutdown)
	})
	if err != nil {
		return nil, err
	}
	bytes = append(bytes, newBytes...)

	for _, fd := range fds {
		c.unprocessedFds.Enqueue(fd)
	}

	if len(bytes) > 0 {
		c.timer.stop()
		c.opts.onResponsive()
	} else if eof {
		return nil, ErrPeerEOF
	}
	return bytes, nil
}

// drainMessagesFromPeer reads and parses everything available. Runs on the
// event loop only.
func (c *Conn) drainMessagesFromPeer() error {
	defer c.notifyDrained()

	bytes, err := c.readFromTransport()
	if err != nil {
		return err
	}

	index := 0
	c.tryParseMessages(bytes, &index)

	if index < len(bytes) {
		// A partial frame is fine: stash it and prepend it to the next
		// drain. Residue may only exist across a single drain.
		if len(c.unprocessedBytes) > 0 {
			err := errors.New("drain: already have unprocessed bytes")
			c.ShutdownWithError(err)
			return err
		}
		c.unprocessedBytes = append([]byte(nil), bytes[index:]...)
	}

	if len(c.unprocessedMessages) > 0 {
		c.deferredInvoke(c.handleMessages)
	}
	return nil
}

// tryParseMessages consumes complete frames from bytes, advancing index
// past each one. Acknowledgements are counted and settled against the
// ack-wait queue; everything else lands in the unprocessed-message queue
// and is acknowledged back to the peer in one summary message.
func (c *Conn) tryParseMessages(bytes []byte, index *int) {
	var pendingAckCount, receivedAckCount uint32

	for *index+4 <= len(bytes) {
		size := binary.LittleEndian.Uint32(bytes[*index:])
		if size == 0 || len(bytes)-*index-4 < int(size) {
			break
		}
		body := bytes[*index+4 : *index+4+int(size)]
		if !c.parseFrame(body, &pendingAckCount, &receivedAckCount) {
			break
		}
		*index += 4 + int(size)
	}

	if receivedAckCount > 0 {
		if popped := c.ackQueue.popN(int(receivedAckCount)); popped < int(receivedAckCount) {
			c.logger.Warn("peer acknowledged more messages than are in flight",
				"acked", receivedAckCount, "popped", popped)
		}
	}

	if c.IsOpen() && pendingAckCount > 0 {
		acknowledgement := &Acknowledgement{Magic: c.peerMagic, Count: pendingAckCount}
		buffer, err := acknowledgement.Encode()
		if err == nil {
			err = c.PostBuffer(c.peerMagic, buffer, false)
		}
		if err != nil {
			c.logger.Debug("failed to post acknowledgement", "error", err)
		}
	}
}

// parseFrame decodes one frame body and classifies it. Returns false when
// parsing must stop without consuming the frame.
func (c *Conn) parseFrame(body []byte, pendingAckCount, receivedAckCount *uint32) bool {
	endpointMagic, messageID, payload, err := splitMessageHeader(body)
	if err != nil {
		c.logFailedParse(body, err)
		return false
	}

	switch messageID {
	case MessageIDAcknowledgement:
		// The peer acknowledges on our local channel.
		if endpointMagic != c.localMagic {
			c.logFailedParse(body, errors.Errorf("acknowledgement with foreign endpoint magic %#x", endpointMagic))
			return false
		}
		acknowledgement, err := decodeAcknowledgement(endpointMagic, payload)
		if err != nil {
			c.logFailedParse(body, err)
			return false
		}
		*receivedAckCount += acknowledgement.Count
		return true

	case MessageIDLargeMessageWrapper:
		wrapper, err := decodeLargeMessageWrapper(endpointMagic, payload, &c.unprocessedFds)
		if err != nil {
			c.logFailedParse(body, err)
			return false
		}
		// Replay the wrapper's descriptors so the inner decoder consumes
		// them exactly as if the message had arrived unwrapped.
		c.unprocessedFds.ReturnToFront(wrapper.Fds...)

		innerMagic, innerID, innerPayload, err := splitMessageHeader(wrapper.Wrapped)
		if err != nil {
			c.logFailedParse(wrapper.Wrapped, err)
			return false
		}
		if innerID == MessageIDAcknowledgement || innerID == MessageIDLargeMessageWrapper {
			c.ShutdownWithError(errors.Errorf("large message wrapper around reserved message %#x", innerID))
			return false
		}
		message, err := c.codec.Decode(innerMagic, innerID, innerPayload, &c.unprocessedFds)
		if err != nil {
			c.logFailedParse(wrapper.Wrapped, err)
			return false
		}
		*pendingAckCount++
		c.unprocessedMessages = append(c.unprocessedMessages, message)
		return true

	default:
		message, err := c.codec.Decode(endpointMagic, messageID, payload, &c.unprocessedFds)
		if err != nil {
			c.logFailedParse(body, err)
			return false
		}
		*pendingAckCount++
		c.unprocessedMessages = append(c.unprocessedMessages, message)
		return true
	}
}

func (c *Conn) logFailedParse(body []byte, err error) {
	c.logger.Error("failed to parse message", "error", err, "dump", "\n"+hex.Dump(body))
}

// handleMessages dispatches the accumulated backlog to the stub. Runs as a
// deferred task on the event loop.
func (c *Conn) handleMessages() {
	messages := c.unprocessedMessages
	c.unprocessedMessages = nil
	for _, message := range messages {
		if message.EndpointMagic() != c.localMagic {
			// Not meant for this stub; a well-formed peer does not send
			// these.
			c.logger.Debug("dropping message with non-local endpoint magic",
				"magic", message.EndpointMagic(), "id", message.MessageID())
			continue
		}

		reply, err := c.stub.Handle(message)
		if err != nil {
			c.logger.Error("handler failed", "id", message.MessageID(), "error", err)
			continue
		}
		if reply == nil {
			continue
		}

		buffer, err := reply.Encode()
		if err == nil {
			err = c.PostBuffer(c.localMagic, buffer, true)
		}
		if err != nil {
			c.logger.Error("failed to post reply", "id", reply.MessageID(), "error", err)
		}
	}
}

// taskQueue is the unbounded queue of deferred closures for the event loop.
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	signal  chan struct{}
	stopped bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// post enqueues fn and wakes the loop. Returns false once the queue has
// been stopped.
func (q *taskQueue) post(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns all queued tasks.
func (q *taskQueue) take() []func() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	return tasks
}

// stop marks the queue stopped and returns whatever was still queued.
func (q *taskQueue) stop() []func() {
	q.mu.Lock()
	q.stopped = true
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	return tasks
}

// responsivenessTimer is the single-shot liveness watchdog. Armed on every
// post, disarmed by any inbound bytes.
type responsivenessTimer struct {
	mu     sync.Mutex
	timer  *time.Timer
	period time.Duration
	fire   func()
}

func (t *responsivenessTimer) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.period, t.fire)
		return
	}
	t.timer.Stop()
	t.timer.Reset(t.period)
}

func (t *responsivenessTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
