// Package stream defines the polymorphic byte-stream, dialer and
// listener abstractions that every transport (plain TCP, TLS, IPC,
// WebSocket) is expressed in terms of (spec.md §3, §4.4).
//
// Grounded on socket515-gaio/watcher.go's tryRead/tryWrite pair, which
// drive a net.Conn's raw fd under the AIO's deadline and completion
// machinery; this package keeps that "one AIO, one in-flight
// syscall-or-equivalent, cancel unblocks it" shape but lets the Go
// runtime's netpoller do the actual polling (idiomatic Go: wrap
// net.Conn with a goroutine per op and a deadline-based cancel, rather
// than gaio's raw epoll/kqueue reimplementation) since this module's
// transports are one layer removed from the raw fd (TLS and WebSocket
// streams wrap another Stream, not a file descriptor).
package stream

import (
	"io"
	"net"
	"sync"
	"time"

	sbufio "github.com/sagernet/sing/common/bufio"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
)

// Stream is a polymorphic, connected byte stream: TCP, TLS-over-TCP,
// IPC, or WebSocket all implement it identically from a consumer's point
// of view (spec.md §3 Byte stream).
type Stream interface {
	// Send consumes a's I/O-vector and reports the transferred byte
	// count in a.Count() on completion. Partial completion (count less
	// than requested) is reported as success; the caller resubmits the
	// remainder.
	Send(a *aio.AIO)

	// Recv reads into a's I/O-vector with the same partial-completion
	// contract as Send.
	Recv(a *aio.AIO)

	// Close closes the stream. Idempotent.
	Close() error

	// Stop closes the stream and waits for any in-flight Send/Recv to
	// observe the closure and finish their AIO.
	Stop()

	// Free releases any resources not released by Close (idempotent,
	// always safe to call after Close).
	Free()

	// GetOption/SetOption implement the per-object named option surface
	// (spec.md §6).
	GetOption(name string) (any, error)
	SetOption(name string, value any) error
}

// Dialer produces Streams by connecting to a remote endpoint.
type Dialer interface {
	// Dial attempts a connection; on success the new Stream is stored
	// in output slot 0 of a.
	Dial(a *aio.AIO)
	Close() error
}

// Listener produces Streams by accepting inbound connections.
type Listener interface {
	// Accept waits for the next inbound connection; on success the new
	// Stream is stored in output slot 0 of a.
	Accept(a *aio.AIO)
	Close() error
	Addr() net.Addr
}

// cancelState carries the result code a cancel callback wants the
// blocked operation's goroutine to finish with, once SetDeadline
// unblocks it.
type cancelState struct {
	mu     sync.Mutex
	result error
	set    bool
}

func (c *cancelState) store(result error) {
	c.mu.Lock()
	c.result = result
	c.set = true
	c.mu.Unlock()
}

func (c *cancelState) load() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.set
}

var aLongTimeAgo = time.Unix(1, 0)

// connStream adapts a net.Conn into a Stream, the common case for both
// TCP and IPC transports (both produce a net.Conn; IPC differs only in
// the platform dialer/listener that created it).
type connStream struct {
	conn net.Conn

	mu       sync.Mutex
	closed   bool
	closeErr error
	inflight sync.WaitGroup

	recvBufSize int
}

// NewConnStream wraps conn (a *net.TCPConn, a Unix-domain net.Conn, or
// any other net.Conn) as a Stream.
func NewConnStream(conn net.Conn) Stream {
	return &connStream{conn: conn, recvBufSize: 64 * 1024}
}

func (s *connStream) Send(a *aio.AIO) {
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		s.conn.SetWriteDeadline(aLongTimeAgo)
	}) {
		return
	}
	s.inflight.Add(1)
	go s.doSend(a, state)
}

// doSend writes as much of the iovec as one underlying Write call can
// take. When the wrapped conn supports scatter-gather writes (most
// net.Conn implementations backed by a file descriptor), every non-empty
// segment goes out in a single writev(2), the same "coalesce the whole
// frame into one syscall" idiom smux's sendLoop uses for its header+data
// vector; otherwise only the first segment is written and the caller
// resubmits the remainder via its normal partial-completion handling.
func (s *connStream) doSend(a *aio.AIO, state *cancelState) {
	defer s.inflight.Done()
	iov := a.GetIOV()
	var segs [][]byte
	for _, seg := range iov {
		if len(seg) > 0 {
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		a.Finish(nil, 0)
		return
	}

	var n int
	var err error
	if len(segs) > 1 {
		if vw, ok := sbufio.CreateVectorisedWriter(s.conn); ok {
			n, err = sbufio.WriteVectorised(vw, segs)
		} else {
			n, err = s.conn.Write(segs[0])
		}
	} else {
		n, err = s.conn.Write(segs[0])
	}

	if err != nil {
		if r, ok := state.load(); ok {
			a.Finish(r, n)
			return
		}
		a.Finish(classifyIOErr(err), n)
		return
	}
	s.conn.SetWriteDeadline(time.Time{})
	a.Finish(nil, n)
}

func (s *connStream) Recv(a *aio.AIO) {
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		s.conn.SetReadDeadline(aLongTimeAgo)
	}) {
		return
	}
	s.inflight.Add(1)
	go s.doRecv(a, state)
}

func (s *connStream) doRecv(a *aio.AIO, state *cancelState) {
	defer s.inflight.Done()
	iov := a.GetIOV()
	var buf []byte
	for _, seg := range iov {
		if len(seg) > 0 {
			buf = seg
			break
		}
	}
	if buf == nil {
		a.Finish(nil, 0)
		return
	}
	n, err := s.conn.Read(buf)
	if err != nil && n == 0 {
		if r, ok := state.load(); ok {
			a.Finish(r, 0)
			return
		}
		if err == io.EOF {
			a.Finish(nserr.ErrConnShut, 0)
			return
		}
		a.Finish(classifyIOErr(err), 0)
		return
	}
	s.conn.SetReadDeadline(time.Time{})
	a.Finish(nil, n)
}

func (s *connStream) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.closeErr = s.conn.Close()
	err := s.closeErr
	s.mu.Unlock()
	return err
}

func (s *connStream) Stop() {
	s.Close()
	s.inflight.Wait()
}

func (s *connStream) Free() {}

func (s *connStream) GetOption(name string) (any, error) {
	switch name {
	case "tcp.local-addr":
		return s.conn.LocalAddr(), nil
	case "tcp.remote-addr", "ipc.remote-addr":
		return s.conn.RemoteAddr(), nil
	default:
		return nil, nserr.ErrNotSupported
	}
}

func (s *connStream) SetOption(name string, value any) error {
	switch name {
	case "stream.recvmax-hint":
		if n, ok := value.(int); ok {
			s.recvBufSize = n
			return nil
		}
		return nserr.ErrBadType
	default:
		return nserr.ErrNotSupported
	}
}

func classifyIOErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return err
}
