package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/message"
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

// pairedFramers negotiates two in-memory-connected Framers, grounded on
// SagerNet-smux's own session pair tests (net.Pipe() plus a goroutine per
// side).
func pairedFramers(t *testing.T, sys *sysctx.System, cfg *Config) (client, server *Framer) {
	c, s := net.Pipe()
	client = NewFramer(sys, stream.NewConnStream(c), cfg, 1)
	server = NewFramer(sys, stream.NewConnStream(s), cfg, 2)

	done := make(chan error, 2)
	go func() { done <- client.Negotiate() }()
	go func() { done <- server.Negotiate() }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	client.Start(func(error) {})
	server.Start(func(error) {})
	return client, server
}

func waitAIO(t *testing.T, sys *sysctx.System, setup func(a *aio.AIO)) *aio.AIO {
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

// TestRoundTrip is spec.md §8 invariant 5: a body sent through a pipe and
// received on the peer comes back byte-for-byte.
func TestRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	client, server := pairedFramers(t, sys, DefaultConfig())
	require.EqualValues(t, 2, client.Peer())
	require.EqualValues(t, 1, server.Peer())

	body := []byte("the quick brown fox")
	sendA := waitAIO(t, sys, func(a *aio.AIO) {
		a.SetMsg(&message.Msg{Body: body})
		client.Send(a)
	})
	require.NoError(t, sendA.Result())
	require.Equal(t, len(body), sendA.Count())

	recvA := waitAIO(t, sys, func(a *aio.AIO) { server.Recv(a) })
	require.NoError(t, recvA.Result())
	require.Equal(t, body, recvA.Msg().Body)
}

// TestSendOrderPreserved is spec.md §8 invariant 2: sends on one pipe
// complete, and are observed on the peer, in submission order.
func TestSendOrderPreserved(t *testing.T) {
	sys := newTestSystem(t)
	client, server := pairedFramers(t, sys, DefaultConfig())

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		sendA := waitAIO(t, sys, func(a *aio.AIO) {
			a.SetMsg(&message.Msg{Body: m})
			client.Send(a)
		})
		require.NoError(t, sendA.Result())
	}

	for _, want := range msgs {
		recvA := waitAIO(t, sys, func(a *aio.AIO) { server.Recv(a) })
		require.NoError(t, recvA.Result())
		require.Equal(t, want, recvA.Msg().Body)
	}
}

// TestRecvMaxRejectsOversize is spec.md §8 end-to-end scenario 5: a
// receiver configured with a small recvmax surfaces EMSGSIZE for an
// oversized frame instead of delivering it.
func TestRecvMaxRejectsOversize(t *testing.T) {
	sys := newTestSystem(t)
	cfg := DefaultConfig()
	cfg.RecvMax = 64
	client, server := pairedFramers(t, sys, cfg)

	body := make([]byte, 128)
	sendDone := make(chan struct{})
	sendA := aio.New(sys, func(a *aio.AIO) { close(sendDone) })
	sendA.SetTimeout(5 * time.Second)
	sendA.SetMsg(&message.Msg{Body: body})
	client.Send(sendA)

	recvA := waitAIO(t, sys, func(a *aio.AIO) { server.Recv(a) })
	require.ErrorIs(t, recvA.Result(), nserr.ErrMsgSize)

	<-sendDone
}
