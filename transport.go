package ipc

import (
	"encoding/binary"
	"math"
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SocketBufferSize is the threshold above which an encoded message is sent
// inside a LargeMessageWrapper instead of directly on the wire.
const SocketBufferSize = 32 * 1024

// readChunkSize is how much ReadNonblocking asks the kernel for per recvmsg.
const readChunkSize = 4096

// maxFdsPerRead bounds the control-message buffer for one recvmsg.
const maxFdsPerRead = 16

// ErrTransportClosed is returned when operating on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport wraps one end of a connected unix stream socket. Bytes travel
// in-band; file descriptors travel as SCM_RIGHTS control messages attached
// to the frame that references them.
//
// The connection core splits the socket between two goroutines: the event
// loop reads, the sender writes. The transport itself performs no locking;
// Close uses shutdown(2) first so a blocked reader or writer wakes up
// instead of racing the close.
type Transport struct {
	file *os.File
	fd   int
	open atomic.Bool
}

// NewTransport wraps an already-connected unix stream socket descriptor.
// The transport takes ownership of the descriptor and closes it on Close.
func NewTransport(fd int) *Transport {
	t := &Transport{file: os.NewFile(uintptr(fd), "ipc"), fd: fd}
	t.open.Store(true)
	return t
}

// NewTransportFromConn duplicates a connected unix socket's descriptor into
// a Transport and closes the original connection. The duplicate is in
// blocking mode, which is what the transport expects.
func NewTransportFromConn(conn *net.UnixConn) (*Transport, error) {
	file, err := conn.File()
	if err != nil {
		return nil, errors.Wrap(err, "dup connection")
	}
	_ = conn.Close()
	t := &Transport{file: file, fd: int(file.Fd())}
	t.open.Store(true)
	return t, nil
}

// Socketpair returns two connected transports, one per end of a fresh
// AF_UNIX stream socketpair.
func Socketpair() (*Transport, *Transport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "socketpair")
	}
	return NewTransport(fds[0]), NewTransport(fds[1]), nil
}

// IsOpen reports whether Close has not yet been called.
func (t *Transport) IsOpen() bool {
	return t.open.Load()
}

// Close shuts the socket down in both directions and closes it. Safe to
// call multiple times and concurrently with reads and writes; in-flight
// operations fail with EOF or a closed-transport error.
func (t *Transport) Close() error {
	if !t.open.Swap(false) {
		return nil
	}
	_ = unix.Shutdown(t.fd, unix.SHUT_RDWR)
	return t.file.Close()
}

// WaitUntilReadable blocks the calling goroutine until the socket has bytes
// to read, the peer hung up, or the transport was closed locally.
func (t *Transport) WaitUntilReadable() error {
	for {
		if !t.open.Load() {
			return ErrTransportClosed
		}
		pollFds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			continue
		}
		if pollFds[0].Revents&unix.POLLNVAL != 0 {
			return ErrTransportClosed
		}
		// POLLIN, POLLHUP and POLLERR all mean the next read will not
		// block; the reader discovers EOF or the error itself.
		return nil
	}
}

// ReadNonblocking reads as many bytes and descriptors as are currently
// available, returning immediately once the socket would block. onEOF is
// invoked (once) if the peer closed its end; any bytes read before the EOF
// are still returned.
func (t *Transport) ReadNonblocking(onEOF func()) ([]byte, []int, error) {
	var (
		bytes []byte
		fds   []int
	)
	buf := make([]byte, readChunkSize)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerRead*4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(t.fd, buf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return bytes, fds, nil
		}
		if err != nil {
			// A reset or locally closed socket looks like EOF to the
			// connection: there will never be more bytes.
			if onEOF != nil {
				onEOF()
			}
			return bytes, fds, nil
		}
		if oobn > 0 {
			received, err := parseReceivedFds(oob[:oobn])
			if err != nil {
				return bytes, fds, err
			}
			fds = append(fds, received...)
		}
		if n == 0 {
			if onEOF != nil {
				onEOF()
			}
			return bytes, fds, nil
		}
		bytes = append(bytes, buf[:n]...)
	}
}

func parseReceivedFds(oob []byte) ([]int, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var fds []int
	for _, cmsg := range cmsgs {
		received, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			if err == unix.EINVAL {
				continue
			}
			return nil, errors.Wrap(err, "parse unix rights")
		}
		fds = append(fds, received...)
	}
	return fds, nil
}

// WriteFrame writes the buffer's length prefix and body, looping until the
// whole frame is delivered or the write fails. The buffer's descriptors are
// attached to the first chunk as SCM_RIGHTS.
func (t *Transport) WriteFrame(buffer MessageBuffer) error {
	if !t.open.Load() {
		return ErrTransportClosed
	}
	if uint64(len(buffer.Data)) > math.MaxUint32 {
		return errors.Errorf("frame too large: %d bytes", len(buffer.Data))
	}
	frame := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(buffer.Data)), uint32(len(buffer.Data)))
	frame = append(frame, buffer.Data...)

	var rights []byte
	if len(buffer.Fds) > 0 {
		rights = unix.UnixRights(buffer.Fds...)
	}
	written := 0
	for written < len(frame) {
		var oob []byte
		if written == 0 {
			oob = rights
		}
		n, err := unix.SendmsgN(t.fd, frame[written:], oob, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "transfer failed after %d of %d bytes", written, len(frame))
		}
		written += n
	}
	return nil
}
