package tlsstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
)

// tlsDialer dials a TCP connection, wraps it in TLS, and exposes the
// result as a stream.Stream via stream.NewConnStream (tls.Conn implements
// net.Conn). Grounded on stream.netDialer's Dial/cancel shape.
type tlsDialer struct {
	address string
	cfg     *Config
	d       net.Dialer
}

// NewDialer returns a stream.Dialer that produces TLS-over-TCP streams.
func NewDialer(address string, cfg *Config) stream.Dialer {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &tlsDialer{address: address, cfg: cfg}
}

func (t *tlsDialer) Dial(a *aio.AIO) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	var cancelResult error
	var mu sync.Mutex

	if !a.Start(func(result error) {
		mu.Lock()
		cancelResult = result
		mu.Unlock()
		cancelCtx()
	}) {
		cancelCtx()
		return
	}

	go func() {
		conn, err := t.d.DialContext(ctx, "tcp", t.address)
		if err != nil {
			mu.Lock()
			r := cancelResult
			mu.Unlock()
			if r != nil {
				a.Finish(r, 0)
				return
			}
			a.Finish(classifyDialErr(err), 0)
			return
		}
		tconn := tls.Client(conn, t.cfg.tlsConfig(false))
		if err := tconn.HandshakeContext(ctx); err != nil {
			tconn.Close()
			mu.Lock()
			r := cancelResult
			mu.Unlock()
			if r != nil {
				a.Finish(r, 0)
				return
			}
			a.Finish(nserr.ErrProto, 0)
			return
		}
		a.SetOutput(0, stream.NewConnStream(tconn))
		a.Finish(nil, 0)
	}()
}

func (t *tlsDialer) Close() error { return nil }

func classifyDialErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrConnRefused
}

// tlsListener wraps an underlying net.Listener, TLS-handshaking each
// accepted connection before handing it back as a stream.Stream.
type tlsListener struct {
	ln  net.Listener
	cfg *Config
}

// NewListener wraps ln (e.g. the result of net.Listen("tcp", addr)) to
// produce TLS-over-TCP streams on Accept.
func NewListener(ln net.Listener, cfg *Config) stream.Listener {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &tlsListener{ln: ln, cfg: cfg}
}

func (t *tlsListener) Accept(a *aio.AIO) {
	if !a.Start(nil) {
		return
	}
	go func() {
		conn, err := t.ln.Accept()
		if err != nil {
			a.Finish(classifyAcceptErr(err), 0)
			return
		}
		tconn := tls.Server(conn, t.cfg.tlsConfig(true))
		if err := tconn.Handshake(); err != nil {
			tconn.Close()
			a.Finish(nserr.ErrProto, 0)
			return
		}
		a.SetOutput(0, stream.NewConnStream(tconn))
		a.Finish(nil, 0)
	}()
}

func (t *tlsListener) Close() error { return t.ln.Close() }

func (t *tlsListener) Addr() net.Addr { return t.ln.Addr() }

func classifyAcceptErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrConnShut
}
