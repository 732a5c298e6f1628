package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
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

func waitAIO(t *testing.T, sys *sysctx.System, setup func(a *aio.AIO)) *aio.AIO {
	t.Helper()
	done := make(chan struct{})
	a := aio.New(sys, func(a *aio.AIO) { close(done) })
	setup(a)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AIO never completed")
	}
	return a
}

func tcpPair(t *testing.T, sys *sysctx.System) (client, server Stream) {
	t.Helper()
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *aio.AIO, 1)
	go func() { acceptCh <- waitAIO(t, sys, func(a *aio.AIO) { ln.Accept(a) }) }()

	dialer := NewTCPDialer(ln.Addr().String())
	dialA := waitAIO(t, sys, func(a *aio.AIO) { dialer.Dial(a) })
	require.NoError(t, dialA.Result())
	client, _ = dialA.GetOutput(0).(Stream)
	require.NotNil(t, client)

	acceptA := <-acceptCh
	require.NoError(t, acceptA.Result())
	server, _ = acceptA.GetOutput(0).(Stream)
	require.NotNil(t, server)
	return client, server
}

// TestConnStreamSendRecvRoundTrip covers a plain single-segment Send/Recv
// over a real TCP loopback pair.
func TestConnStreamSendRecvRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	client, server := tcpPair(t, sys)
	defer client.Close()
	defer server.Close()

	body := []byte("the quick brown fox")
	sendA := waitAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{body})
		client.Send(a)
	})
	require.NoError(t, sendA.Result())
	require.Equal(t, len(body), sendA.Count())

	recvBuf := make([]byte, len(body))
	recvA := waitAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{recvBuf})
		server.Recv(a)
	})
	require.NoError(t, recvA.Result())
	require.Equal(t, body, recvBuf[:recvA.Count()])
}

// TestConnStreamSendMultiSegmentVectorised exercises doSend's
// sagernet/sing/common/bufio vectorised-write path: a Send whose I/O
// vector has more than one non-empty segment over a real TCP socket
// (which supports writev, unlike net.Pipe) must deliver the full
// concatenation of both segments in one completion.
func TestConnStreamSendMultiSegmentVectorised(t *testing.T) {
	sys := newTestSystem(t)
	client, server := tcpPair(t, sys)
	defer client.Close()
	defer server.Close()

	header := []byte{0, 0, 0, 11}
	body := []byte("hello world")
	want := append(append([]byte(nil), header...), body...)

	sendA := waitAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{header, body})
		client.Send(a)
	})
	require.NoError(t, sendA.Result())
	require.Equal(t, len(want), sendA.Count())

	recvBuf := make([]byte, len(want))
	recvA := waitAIO(t, sys, func(a *aio.AIO) {
		a.SetIOV([][]byte{recvBuf})
		server.Recv(a)
	})
	require.NoError(t, recvA.Result())
	require.Equal(t, want, recvBuf[:recvA.Count()])
}

// TestConnStreamRecvAfterCloseFails covers the close path: stopping the
// stream (which closes the underlying conn) while a Recv is blocked must
// unblock it with an error rather than hang.
func TestConnStreamRecvAfterCloseFails(t *testing.T) {
	sys := newTestSystem(t)
	client, server := tcpPair(t, sys)
	defer client.Close()

	recvBuf := make([]byte, 16)
	done := make(chan struct{})
	var recvA *aio.AIO
	go func() {
		recvA = waitAIO(t, sys, func(a *aio.AIO) {
			a.SetIOV([][]byte{recvBuf})
			server.Recv(a)
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	server.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Recv never unblocked after Stop")
	}
	require.Error(t, recvA.Result())
}

// TestConnStreamGetOptionUnknown covers the default branch of
// GetOption/SetOption for names neither connStream recognizes.
func TestConnStreamGetOptionUnknown(t *testing.T) {
	sys := newTestSystem(t)
	client, server := tcpPair(t, sys)
	defer client.Close()
	defer server.Close()

	_, err := client.GetOption("nonsense.option")
	require.ErrorIs(t, err, nserr.ErrNotSupported)

	err = client.SetOption("nonsense.option", 1)
	require.ErrorIs(t, err, nserr.ErrNotSupported)
}
