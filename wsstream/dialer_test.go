package wsstream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
	"github.com/nanoscale/nanoscale/sysctx"
)

func newTestSystem(t *testing.T) *sysctx.System {
	cfg := sysctx.NewConfig()
	cfg.NumExpireThreads = 2
	cfg.TaskPoolSize = 2
	sys := sysctx.New(cfg)
	t.Cleanup(sys.Close)
	return sys
}

func waitStreamAIO(t *testing.T, sys *sysctx.System, setup func(a *aio.AIO)) *aio.AIO {
	t.Helper()
	done := make(chan struct{})
	a := aio.New(sys, func(a *aio.AIO) { close(done) })
	a.SetTimeout(5 * time.Second)
	setup(a)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AIO never completed")
	}
	return a
}

// TestDialAcceptHandshakeRoundTrip exercises the full client/server
// upgrade and a subsequent data frame exchange, grounded on
// bassosimone-nop's style of driving a real net.Listener rather than a
// fake transport.
func TestDialAcceptHandshakeRoundTrip(t *testing.T) {
	sys := newTestSystem(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := NewConfig("/sock")
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
	select {
	case a := <-acceptCh:
		require.NoError(t, a.Result())
		serverStream, _ = a.GetOutput(0).(stream.Stream)
	case <-time.After(5 * time.Second):
		t.Fatal("accept never observed the dial")
	}
	require.NotNil(t, serverStream)
	defer serverStream.Close()

	body := []byte("hello over websocket")
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

// TestListenerRejectsWrongPath is spec.md §8 end-to-end scenario 6: the
// listener answers a request for a path other than its configured one
// with 404, which the dialer's clientDial maps to ECONNREFUSED.
func TestListenerRejectsWrongPath(t *testing.T) {
	sys := newTestSystem(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	wsln := NewListener(ln, NewConfig("/sock"))
	defer wsln.Close()

	// The path mismatch is rejected by the listener's per-connection
	// handshake goroutine before a Stream ever reaches connCh, so no
	// Listener.Accept call is needed to observe it.
	dialer := NewDialer(ln.Addr().String(), "example.test", NewConfig("/wrong"))
	dialA := waitStreamAIO(t, sys, func(a *aio.AIO) { dialer.Dial(a) })
	require.ErrorIs(t, dialA.Result(), nserr.ErrConnRefused)
}
