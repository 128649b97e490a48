package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Zereker/ipc"
)

// Two endpoint namespaces: the client handles clientMagic messages, the
// server handles serverMagic messages.
const (
	clientMagic = 0x434C4E54 // "CLNT"
	serverMagic = 0x53525652 // "SRVR"
)

const (
	pingID = 1
	pongID = 2
)

// PingRequest asks the server to write a greeting into the carried pipe
// descriptor and answer with a PongResponse.
type PingRequest struct {
	Sequence uint32
	PipeFd   int
}

func (m *PingRequest) EndpointMagic() uint32 { return serverMagic }

func (m *PingRequest) MessageID() uint32 { return pingID }

func (m *PingRequest) Encode() (ipc.MessageBuffer, error) {
	data := binary.LittleEndian.AppendUint32(make([]byte, 0, 12), serverMagic)
	data = binary.LittleEndian.AppendUint32(data, pingID)
	data = binary.LittleEndian.AppendUint32(data, m.Sequence)
	return ipc.MessageBuffer{Data: data, Fds: []int{m.PipeFd}}, nil
}

// PongResponse echoes the request sequence.
type PongResponse struct {
	Sequence uint32
}

func (m *PongResponse) EndpointMagic() uint32 { return serverMagic }

func (m *PongResponse) MessageID() uint32 { return pongID }

func (m *PongResponse) Encode() (ipc.MessageBuffer, error) {
	data := binary.LittleEndian.AppendUint32(make([]byte, 0, 12), serverMagic)
	data = binary.LittleEndian.AppendUint32(data, pongID)
	data = binary.LittleEndian.AppendUint32(data, m.Sequence)
	return ipc.MessageBuffer{Data: data}, nil
}

// codec decodes both endpoints' messages.
type codec struct{}

func (codec) Decode(magic, id uint32, payload []byte, fds *ipc.FDQueue) (ipc.Message, error) {
	switch {
	case magic == serverMagic && id == pingID:
		if len(payload) != 4 {
			return nil, errors.Errorf("ping payload must be 4 bytes, got %d", len(payload))
		}
		fd, ok := fds.Dequeue()
		if !ok {
			return nil, errors.New("ping arrived without its pipe descriptor")
		}
		return &PingRequest{Sequence: binary.LittleEndian.Uint32(payload), PipeFd: fd}, nil
	case magic == serverMagic && id == pongID:
		if len(payload) != 4 {
			return nil, errors.Errorf("pong payload must be 4 bytes, got %d", len(payload))
		}
		return &PongResponse{Sequence: binary.LittleEndian.Uint32(payload)}, nil
	default:
		return nil, errors.Errorf("unknown message %#x/%d", magic, id)
	}
}

// serverStub greets through the pipe and replies with a pong.
type serverStub struct{}

func (serverStub) Handle(message ipc.Message) (ipc.Message, error) {
	ping, ok := message.(*PingRequest)
	if !ok {
		return nil, errors.Errorf("unexpected message %d", message.MessageID())
	}
	defer unix.Close(ping.PipeFd)

	greeting := fmt.Sprintf("hello from the server, ping #%d\n", ping.Sequence)
	if _, err := unix.Write(ping.PipeFd, []byte(greeting)); err != nil {
		return nil, errors.Wrap(err, "write greeting")
	}
	return &PongResponse{Sequence: ping.Sequence}, nil
}

// clientStub never receives anything in this example.
type clientStub struct{}

func (clientStub) Handle(message ipc.Message) (ipc.Message, error) {
	return nil, errors.Errorf("client received unexpected message %d", message.MessageID())
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	serverTransport, clientTransport, err := ipc.Socketpair()
	if err != nil {
		logger.Error("socketpair failed", "error", err)
		os.Exit(1)
	}

	server, err := ipc.NewConn(serverTransport, serverStub{}, serverMagic, clientMagic,
		ipc.CustomCodecOption(codec{}),
		ipc.LoggerOption(logger.With("side", "server")),
	)
	if err != nil {
		logger.Error("server connection failed", "error", err)
		os.Exit(1)
	}

	client, err := ipc.NewConn(clientTransport, clientStub{}, clientMagic, serverMagic,
		ipc.CustomCodecOption(codec{}),
		ipc.LoggerOption(logger.With("side", "client")),
	)
	if err != nil {
		logger.Error("client connection failed", "error", err)
		os.Exit(1)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		logger.Error("pipe failed", "error", err)
		os.Exit(1)
	}

	// The descriptor must stay open until the sender has transmitted it;
	// the pong doubles as that confirmation.
	if err := client.PostMessage(&PingRequest{Sequence: 1, PipeFd: pipe[1]}); err != nil {
		logger.Error("post failed", "error", err)
		os.Exit(1)
	}

	reply := client.WaitForSpecificEndpointMessage(serverMagic, pongID)
	unix.Close(pipe[1])
	if reply == nil {
		logger.Error("connection closed before the pong arrived")
		os.Exit(1)
	}
	logger.Info("received pong", "sequence", reply.(*PongResponse).Sequence)

	buf := make([]byte, 128)
	n, err := unix.Read(pipe[0], buf)
	if err != nil {
		logger.Error("read greeting failed", "error", err)
		os.Exit(1)
	}
	fmt.Print(string(buf[:n]))
	unix.Close(pipe[0])

	client.Shutdown()
	server.Shutdown()
	_ = client.Wait()
	_ = server.Wait()
}
