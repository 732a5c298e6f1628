package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
)

// netDialer implements Dialer over any net.Dial-compatible network
// (here: "tcp" and "unix", covering the framed-message transport's TCP
// and IPC variants — both produce a plain net.Conn wrapped the same
// way).
type netDialer struct {
	network string
	address string
	d       net.Dialer
}

// NewTCPDialer returns a Dialer that connects to a TCP address.
func NewTCPDialer(address string) Dialer { return &netDialer{network: "tcp", address: address} }

// NewIPCDialer returns a Dialer that connects to a Unix-domain socket
// path (this module's "local IPC" transport).
func NewIPCDialer(path string) Dialer { return &netDialer{network: "unix", address: path} }

func (nd *netDialer) Close() error { return nil }

func (nd *netDialer) Dial(a *aio.AIO) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		cancelCtx()
	}) {
		cancelCtx()
		return
	}
	go func() {
		defer cancelCtx()
		conn, err := nd.d.DialContext(ctx, nd.network, nd.address)
		if err != nil {
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(classifyDialErr(err), 0)
			return
		}
		a.SetOutput(0, NewConnStream(conn))
		a.Finish(nil, 0)
	}()
}

func classifyDialErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrConnRefused
}

// netListener implements Listener over net.Listen, eagerly accepting in
// a background goroutine and handing each connection to whichever
// pending Accept AIO claims it first — this lets a single accept AIO be
// individually canceled (via its cancel callback) without tearing down
// the whole listener, which a bare net.Listener.Accept() call cannot do.
type netListener struct {
	ln     net.Listener
	connCh chan net.Conn
	errCh  chan error

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Listen starts a Listener bound to address on the given network
// ("tcp" or "unix").
func Listen(network, address string) (Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, classifyListenErr(err)
	}
	l := &netListener{
		ln:     ln,
		connCh: make(chan net.Conn),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *netListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case l.errCh <- err:
			default:
			}
			close(l.done)
			return
		}
		select {
		case l.connCh <- conn:
		case <-l.done:
			conn.Close()
			return
		}
	}
}

func (l *netListener) Accept(a *aio.AIO) {
	cancelCh := make(chan struct{})
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		close(cancelCh)
	}) {
		return
	}
	go func() {
		select {
		case conn := <-l.connCh:
			a.SetOutput(0, NewConnStream(conn))
			a.Finish(nil, 0)
		case err := <-l.errCh:
			a.Finish(classifyAcceptErr(err), 0)
		case <-cancelCh:
			r, _ := state.load()
			a.Finish(r, 0)
		case <-l.done:
			a.Finish(nserr.ErrClosed, 0)
		}
	}()
}

func (l *netListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

func (l *netListener) Addr() net.Addr { return l.ln.Addr() }

func classifyListenErr(err error) error {
	if ne, ok := err.(*net.OpError); ok {
		if ne.Err != nil && (ne.Op == "listen") {
			return nserr.ErrAddrInUse
		}
	}
	return err
}

// classifyAcceptErr maps an accept error to the label onAcceptDone
// (socket/endpoint.go) branches on: a timeout is ErrTimedOut; EMFILE/
// ENFILE (the OS signaling "out of file descriptors") is ErrNoMem, the
// soft-throttle-and-retry signal per spec.md §4.7; the listener actually
// having been closed is ErrClosed; anything else is returned unclassified
// so the caller's default case re-accepts rather than giving up.
func classifyAcceptErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return nserr.ErrNoMem
	}
	if errors.Is(err, net.ErrClosed) {
		return nserr.ErrClosed
	}
	return err
}
