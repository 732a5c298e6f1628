package wsstream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
)

// TestMessageModeReassemblesFragments exercises a message split across
// multiple CONT frames (forced by a small FragSize), confirming Send
// reports the whole message written and Recv hands back the full
// concatenation in one call (spec.md §4.6 message mode).
func TestMessageModeReassemblesFragments(t *testing.T) {
	sys := newTestSystem(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := NewConfig("/sock")
	cfg.FragSize = 4
	wsln := NewListener(ln, cfg)
	defer wsln.Close()

	acceptCh := make(chan *aio.AIO, 1)
	go func() {
		acceptCh <- waitStreamAIO(t, sys, func(a *aio.AIO) { wsln.Accept(a) })
	}()

	dialer := NewDialer(ln.Addr().String(), "example.test", cfg)
	dialA := waitStreamAIO(t, sys, func(a *aio.AIO) { dialer.Dial(a) })
	require.NoError(t, dialA.Result())
	clientStream, _ := dialA.GetOutput(0).(stream.Stream)
	require.NotNil(t, clientStream)
	defer clientStream.Close()

	var serverStream stream.Stream
	a := <-acceptCh
	require.NoError(t, a.Result())
	serverStream, _ = a.GetOutput(0).(stream.Stream)
	require.NotNil(t, serverStream)
	defer serverStream.Close()

	body := []byte("this message is much longer than one fragment")
	sendA := waitStreamAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{body})
		clientStream.Send(a)
	})
	require.NoError(t, sendA.Result())
	require.Equal(t, len(body), sendA.Count())

	recvBuf := make([]byte, len(body))
	recvA := waitStreamAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{recvBuf})
		serverStream.Recv(a)
	})
	require.NoError(t, recvA.Result())
	require.Equal(t, body, recvBuf[:recvA.Count()])
}

// TestMessageModeRecvMaxExceeded confirms a message whose running size
// exceeds RecvMax fails the receiving side with ErrMsgSize and closes
// the connection with a too-big status (spec.md §4.6 "sum <= recvmax").
func TestMessageModeRecvMaxExceeded(t *testing.T) {
	sys := newTestSystem(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serverCfg := NewConfig("/sock")
	serverCfg.RecvMax = 8
	wsln := NewListener(ln, serverCfg)
	defer wsln.Close()

	acceptCh := make(chan *aio.AIO, 1)
	go func() {
		acceptCh <- waitStreamAIO(t, sys, func(a *aio.AIO) { wsln.Accept(a) })
	}()

	clientCfg := NewConfig("/sock")
	clientCfg.FragSize = 4
	dialer := NewDialer(ln.Addr().String(), "example.test", clientCfg)
	dialA := waitStreamAIO(t, sys, func(a *aio.AIO) { dialer.Dial(a) })
	require.NoError(t, dialA.Result())
	clientStream, _ := dialA.GetOutput(0).(stream.Stream)
	require.NotNil(t, clientStream)
	defer clientStream.Close()

	a := <-acceptCh
	require.NoError(t, a.Result())
	serverStream, _ := a.GetOutput(0).(stream.Stream)
	require.NotNil(t, serverStream)
	defer serverStream.Close()

	body := []byte("this message exceeds the configured recvmax")
	sendDone := make(chan struct{})
	go func() {
		waitStreamAIO(t, sys, func(a *aio.AIO) {
			a.SetIOV([][]byte{body})
			clientStream.Send(a)
		})
		close(sendDone)
	}()

	recvBuf := make([]byte, len(body))
	recvA := waitStreamAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{recvBuf})
		serverStream.Recv(a)
	})
	require.ErrorIs(t, recvA.Result(), nserr.ErrMsgSize)
	<-sendDone
}
