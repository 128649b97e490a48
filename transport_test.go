package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// createTestTransportPair returns two connected transports and closes them
// when the test ends.
func createTestTransportPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()

	left, right, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

// readCompleteFrame drains the transport until one complete frame is
// available and returns its body plus any received fds.
func readCompleteFrame(t *testing.T, tr *Transport, timeout time.Duration) ([]byte, []int) {
	t.Helper()

	var (
		data []byte
		fds  []int
	)
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("no complete frame after %v (have %d bytes)", timeout, len(data))
		}
		if err := tr.WaitUntilReadable(); err != nil {
			t.Fatalf("wait failed: %v", err)
		}
		newBytes, newFds, err := tr.ReadNonblocking(nil)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		data = append(data, newBytes...)
		fds = append(fds, newFds...)

		if len(data) >= 4 {
			size := binary.LittleEndian.Uint32(data)
			if len(data) >= 4+int(size) {
				if len(data) != 4+int(size) {
					t.Fatalf("trailing bytes after frame: %d", len(data)-4-int(size))
				}
				return data[4:], fds
			}
		}
	}
}

func TestTransportWriteReadFrame(t *testing.T) {
	left, right := createTestTransportPair(t)

	body := []byte("hello over the socketpair")
	if err := left.WriteFrame(MessageBuffer{Data: body}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, fds := readCompleteFrame(t, right, time.Second)
	if !bytes.Equal(got, body) {
		t.Errorf("body mismatch: got %q", got)
	}
	if len(fds) != 0 {
		t.Errorf("unexpected fds: %v", fds)
	}
}

func TestTransportWriteLargeFrame(t *testing.T) {
	left, right := createTestTransportPair(t)

	body := bytes.Repeat([]byte{0x5A}, 4*SocketBufferSize)
	done := make(chan error, 1)
	go func() {
		done <- left.WriteFrame(MessageBuffer{Data: body})
	}()

	got, _ := readCompleteFrame(t, right, 5*time.Second)
	if !bytes.Equal(got, body) {
		t.Error("large body mismatch")
	}
	if err := <-done; err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestTransportPassesFds(t *testing.T) {
	left, right := createTestTransportPair(t)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer unix.Close(pipe[0])

	if err := left.WriteFrame(MessageBuffer{Data: []byte{1}, Fds: []int{pipe[1]}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, fds := readCompleteFrame(t, right, time.Second)
	if len(fds) != 1 {
		t.Fatalf("expected 1 fd, got %d", len(fds))
	}

	// Prove the received descriptor is a live duplicate of the write end.
	if _, err := unix.Write(fds[0], []byte("x")); err != nil {
		t.Fatalf("write through received fd failed: %v", err)
	}
	unix.Close(fds[0])
	unix.Close(pipe[1])

	buf := make([]byte, 8)
	n, err := unix.Read(pipe[0], buf)
	if err != nil || n != 1 || buf[0] != 'x' {
		t.Fatalf("read through pipe failed: n=%d err=%v", n, err)
	}
}

func TestTransportReadNonblockingEmpty(t *testing.T) {
	_, right := createTestTransportPair(t)

	eof := false
	data, fds, err := right.ReadNonblocking(func() { eof = true })
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) != 0 || len(fds) != 0 || eof {
		t.Fatalf("expected nothing available, got %d bytes, %d fds, eof=%v", len(data), len(fds), eof)
	}
}

func TestTransportEOF(t *testing.T) {
	left, right := createTestTransportPair(t)

	if err := left.WriteFrame(MessageBuffer{Data: []byte{1, 2}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = left.Close()

	if err := right.WaitUntilReadable(); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	eof := false
	var data []byte
	deadline := time.Now().Add(time.Second)
	for !eof && !time.Now().After(deadline) {
		newBytes, _, err := right.ReadNonblocking(func() { eof = true })
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		data = append(data, newBytes...)
	}
	if !eof {
		t.Fatal("EOF never reported")
	}
	// Bytes written before the close are still delivered.
	if len(data) != 6 {
		t.Errorf("expected the full frame before EOF, got %d bytes", len(data))
	}
}

func TestTransportWriteAfterClose(t *testing.T) {
	left, _ := createTestTransportPair(t)

	_ = left.Close()
	if left.IsOpen() {
		t.Fatal("transport should report closed")
	}
	if err := left.WriteFrame(MessageBuffer{Data: []byte{1}}); err == nil {
		t.Fatal("write on closed transport should fail")
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	left, _ := createTestTransportPair(t)

	if err := left.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := left.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
